package boxfs

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/gobeaver/boxfs/logging"
	"github.com/gobeaver/boxfs/metrics"
)

// instrumented wraps a Backend with call metrics and debug logging.
type instrumented struct {
	b Backend
}

func instrument(b Backend) Backend {
	if _, ok := b.(*instrumented); ok {
		return b
	}
	return &instrumented{b: b}
}

func observe(ctx context.Context, op string, start time.Time, err error, fields ...zap.Field) {
	d := time.Since(start)
	metrics.RecordBackendCall(op, err, d)
	if err != nil {
		fields = append(fields, logging.Err(err))
	}
	logging.WithContext(ctx).Debug("backend call", append(fields, logging.String("op", op), logging.Duration("took", d))...)
}

func (i *instrumented) Root(ctx context.Context) (item Item, err error) {
	defer func(start time.Time) { observe(ctx, "root", start, err) }(time.Now())
	return i.b.Root(ctx)
}

func (i *instrumented) Item(ctx context.Context, parentID, name string) (item Item, err error) {
	defer func(start time.Time) {
		observe(ctx, "item", start, err, logging.String("parent", parentID), logging.String("name", name))
	}(time.Now())
	return i.b.Item(ctx, parentID, name)
}

func (i *instrumented) ListChildren(ctx context.Context, folderID, pageToken string, pageSize int) (page Page, err error) {
	defer func(start time.Time) {
		observe(ctx, "list_children", start, err, logging.String("folder", folderID), logging.Int("items", len(page.Items)))
	}(time.Now())
	return i.b.ListChildren(ctx, folderID, pageToken, pageSize)
}

func (i *instrumented) CreateFolder(ctx context.Context, parentID, name string) (item Item, err error) {
	defer func(start time.Time) {
		observe(ctx, "create_folder", start, err, logging.String("parent", parentID), logging.String("name", name))
	}(time.Now())
	return i.b.CreateFolder(ctx, parentID, name)
}

func (i *instrumented) Delete(ctx context.Context, item Item) (err error) {
	defer func(start time.Time) { observe(ctx, "delete", start, err, logging.String("id", item.ID)) }(time.Now())
	return i.b.Delete(ctx, item)
}

func (i *instrumented) Copy(ctx context.Context, id, destParentID, name string) (item Item, err error) {
	defer func(start time.Time) {
		observe(ctx, "copy", start, err, logging.String("id", id), logging.String("dest", destParentID))
	}(time.Now())
	return i.b.Copy(ctx, id, destParentID, name)
}

func (i *instrumented) Move(ctx context.Context, id, destParentID, name string) (item Item, err error) {
	defer func(start time.Time) {
		observe(ctx, "move", start, err, logging.String("id", id), logging.String("dest", destParentID))
	}(time.Now())
	return i.b.Move(ctx, id, destParentID, name)
}

func (i *instrumented) Rename(ctx context.Context, id, name string) (item Item, err error) {
	defer func(start time.Time) {
		observe(ctx, "rename", start, err, logging.String("id", id), logging.String("name", name))
	}(time.Now())
	return i.b.Rename(ctx, id, name)
}

func (i *instrumented) Download(ctx context.Context, id string) (rc io.ReadCloser, err error) {
	defer func(start time.Time) { observe(ctx, "download", start, err, logging.String("id", id)) }(time.Now())
	return i.b.Download(ctx, id)
}

func (i *instrumented) Upload(ctx context.Context, parentID, name string, r io.Reader) (item Item, err error) {
	defer func(start time.Time) {
		observe(ctx, "upload", start, err, logging.String("parent", parentID), logging.String("name", name))
	}(time.Now())
	return i.b.Upload(ctx, parentID, name, r)
}

func (i *instrumented) UploadVersion(ctx context.Context, id string, r io.Reader) (item Item, err error) {
	defer func(start time.Time) { observe(ctx, "upload_version", start, err, logging.String("id", id)) }(time.Now())
	return i.b.UploadVersion(ctx, id, r)
}
