// Package s3 serves an S3 bucket as a boxfs backend.
//
// S3 has no folders, so the backend uses the usual conventions: keys are
// split on "/", and a folder exists when a zero-byte marker object ending in
// "/" or any key below it exists. Item IDs are the bucket-relative path with
// a leading slash; folder IDs also end in a slash and the root is "/".
// Moves are copy-then-delete, so they change IDs and are not atomic.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/gobeaver/boxfs/boxfs"
	"github.com/gobeaver/boxfs/logging"
)

const (
	rootID       = "/"
	folderType   = "application/x-directory"
	deleteBatch  = 1000
	listPageSize = 1000
)

// API is the subset of *s3.Client the backend uses.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config holds S3 backend configuration
type Config struct {
	Bucket string
	Region string
	// Prefix scopes the backend to part of the bucket.
	Prefix string
	// Endpoint overrides the AWS endpoint, for MinIO and friends.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	// Client replaces the client built from the fields above.
	Client API
}

// Backend is a boxfs.Backend over an S3 bucket.
type Backend struct {
	client API
	bucket string
	prefix string
}

var _ boxfs.Backend = (*Backend)(nil)

// New creates an S3 backend. Credentials fall back to the default AWS chain
// when no static keys are given.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	client := cfg.Client
	if client == nil {
		loadOpts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("s3: load aws config: %w", err)
		}
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			o.UsePathStyle = cfg.ForcePathStyle
		})
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Backend{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// Root implements boxfs.Backend.
func (b *Backend) Root(ctx context.Context) (boxfs.Item, error) {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return boxfs.Item{}, mapS3Error(err)
	}
	return folderItem(rootID), nil
}

// Item implements boxfs.Backend.
func (b *Backend) Item(ctx context.Context, parentID, name string) (boxfs.Item, error) {
	fileID, err := childID(parentID, name)
	if err != nil {
		return boxfs.Item{}, err
	}
	item, err := b.headFile(ctx, fileID)
	if err == nil || !errors.Is(err, boxfs.ErrNotFound) {
		return item, err
	}

	folderID := fileID + "/"
	ok, err := b.folderExists(ctx, folderID)
	if err != nil {
		return boxfs.Item{}, err
	}
	if !ok {
		return boxfs.Item{}, fmt.Errorf("%w: %s", boxfs.ErrNotFound, fileID)
	}
	return folderItem(folderID), nil
}

// ListChildren implements boxfs.Backend. Page tokens are S3 continuation
// tokens. Folder markers are skipped; a page is topped up from the next
// S3 page so only the final page comes back short.
func (b *Backend) ListChildren(ctx context.Context, folderID, pageToken string, pageSize int) (boxfs.Page, error) {
	if !isFolderID(folderID) {
		return boxfs.Page{}, fmt.Errorf("%w: %s", boxfs.ErrNotDir, folderID)
	}
	if pageSize <= 0 || pageSize > listPageSize {
		pageSize = listPageSize
	}
	prefix := b.key(folderID)

	page := boxfs.Page{}
	token := pageToken
	for {
		in := &s3.ListObjectsV2Input{
			Bucket:    aws.String(b.bucket),
			Prefix:    aws.String(prefix),
			Delimiter: aws.String("/"),
			MaxKeys:   aws.Int32(int32(pageSize - len(page.Items))),
		}
		if token != "" {
			in.ContinuationToken = aws.String(token)
		}
		out, err := b.client.ListObjectsV2(ctx, in)
		if err != nil {
			return boxfs.Page{}, mapS3Error(err)
		}

		for _, cp := range out.CommonPrefixes {
			page.Items = append(page.Items, folderItem(b.id(aws.ToString(cp.Prefix))))
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix || strings.HasSuffix(key, "/") {
				continue
			}
			page.Items = append(page.Items, boxfs.Item{
				ID:          b.id(key),
				Name:        path.Base(key),
				Kind:        boxfs.KindFile,
				Size:        aws.ToInt64(obj.Size),
				ModifiedAt:  aws.ToTime(obj.LastModified),
				CreatedAt:   aws.ToTime(obj.LastModified),
				ParentID:    folderID,
				Permissions: boxfs.PermAll,
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			page.NextToken = ""
			return page, nil
		}
		token = aws.ToString(out.NextContinuationToken)
		page.NextToken = token
		if len(page.Items) >= pageSize {
			return page, nil
		}
	}
}

// CreateFolder implements boxfs.Backend by writing a folder marker.
func (b *Backend) CreateFolder(ctx context.Context, parentID, name string) (boxfs.Item, error) {
	fileID, err := childID(parentID, name)
	if err != nil {
		return boxfs.Item{}, err
	}
	if err := b.requireFolder(ctx, parentID); err != nil {
		return boxfs.Item{}, err
	}
	if err := b.ensureFree(ctx, fileID); err != nil {
		return boxfs.Item{}, err
	}
	folderID := fileID + "/"
	if err := b.putMarker(ctx, folderID); err != nil {
		return boxfs.Item{}, err
	}
	return folderItem(folderID), nil
}

// Delete implements boxfs.Backend. Folders must be empty.
func (b *Backend) Delete(ctx context.Context, item boxfs.Item) error {
	if item.ID == rootID {
		return fmt.Errorf("%w: cannot delete root", boxfs.ErrPermission)
	}
	if !isFolderID(item.ID) {
		if _, err := b.headFile(ctx, item.ID); err != nil {
			return err
		}
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(item.ID)),
		})
		if err != nil {
			return mapS3Error(err)
		}
		return b.keepFolder(ctx, parentID(item.ID))
	}

	prefix := b.key(item.ID)
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return mapS3Error(err)
	}
	if len(out.Contents) == 0 {
		return fmt.Errorf("%w: %s", boxfs.ErrNotFound, item.ID)
	}
	for _, obj := range out.Contents {
		if aws.ToString(obj.Key) != prefix {
			return fmt.Errorf("%w: %s", boxfs.ErrNotEmpty, item.ID)
		}
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(prefix),
	})
	return mapS3Error(err)
}

// Copy implements boxfs.Backend. Folders are copied key by key.
func (b *Backend) Copy(ctx context.Context, id, destParentID, name string) (boxfs.Item, error) {
	dstID, keys, err := b.prepareTransfer(ctx, id, destParentID, name)
	if err != nil {
		return boxfs.Item{}, err
	}
	if err := b.copyKeys(ctx, id, dstID, keys); err != nil {
		return boxfs.Item{}, err
	}
	return b.stat(ctx, dstID)
}

// Move implements boxfs.Backend as a copy followed by deleting the source.
func (b *Backend) Move(ctx context.Context, id, destParentID, name string) (boxfs.Item, error) {
	if id == rootID {
		return boxfs.Item{}, fmt.Errorf("%w: cannot move root", boxfs.ErrPermission)
	}
	dstID, keys, err := b.prepareTransfer(ctx, id, destParentID, name)
	if err != nil {
		return boxfs.Item{}, err
	}
	if dstID == id {
		return b.stat(ctx, id)
	}
	if err := b.copyKeys(ctx, id, dstID, keys); err != nil {
		return boxfs.Item{}, err
	}
	if err := b.deleteKeys(ctx, keys); err != nil {
		logging.WithContext(ctx).Warn("s3 move left source keys behind",
			logging.String("from", id),
			logging.String("to", dstID),
			logging.Err(err),
		)
		return boxfs.Item{}, err
	}
	if err := b.keepFolder(ctx, parentID(id)); err != nil {
		return boxfs.Item{}, err
	}
	return b.stat(ctx, dstID)
}

// Rename implements boxfs.Backend.
func (b *Backend) Rename(ctx context.Context, id, name string) (boxfs.Item, error) {
	if id == rootID {
		return boxfs.Item{}, fmt.Errorf("%w: cannot rename root", boxfs.ErrPermission)
	}
	return b.Move(ctx, id, parentID(id), name)
}

// Download implements boxfs.Backend.
func (b *Backend) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	if isFolderID(id) {
		return nil, fmt.Errorf("%w: %s", boxfs.ErrIsDir, id)
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		return nil, mapS3Error(err)
	}
	return out.Body, nil
}

// Upload implements boxfs.Backend. The content is spooled to a temporary
// file first, since PutObject needs the length up front. The write is
// conditional, so a concurrent upload of the same name fails with ErrExist.
func (b *Backend) Upload(ctx context.Context, parentID, name string, r io.Reader) (boxfs.Item, error) {
	fileID, err := childID(parentID, name)
	if err != nil {
		return boxfs.Item{}, err
	}
	if err := b.requireFolder(ctx, parentID); err != nil {
		return boxfs.Item{}, err
	}
	if err := b.ensureFree(ctx, fileID); err != nil {
		return boxfs.Item{}, err
	}
	if err := b.put(ctx, fileID, r, true); err != nil {
		return boxfs.Item{}, err
	}
	return b.headFile(ctx, fileID)
}

// UploadVersion implements boxfs.Backend by overwriting the object.
func (b *Backend) UploadVersion(ctx context.Context, id string, r io.Reader) (boxfs.Item, error) {
	if isFolderID(id) {
		return boxfs.Item{}, fmt.Errorf("%w: %s", boxfs.ErrIsDir, id)
	}
	if _, err := b.headFile(ctx, id); err != nil {
		return boxfs.Item{}, err
	}
	if err := b.put(ctx, id, r, false); err != nil {
		return boxfs.Item{}, err
	}
	return b.headFile(ctx, id)
}

func (b *Backend) put(ctx context.Context, id string, r io.Reader, create bool) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
	}
	if create {
		in.IfNoneMatch = aws.String("*")
	}

	// Readers that already know their length go straight through.
	if sr, ok := r.(interface {
		io.ReadSeeker
		Len() int
	}); ok {
		in.Body = sr
		in.ContentLength = aws.Int64(int64(sr.Len()))
		_, err := b.client.PutObject(ctx, in)
		return mapS3Error(err)
	}

	tmp, err := os.CreateTemp("", "boxfs-s3-*")
	if err != nil {
		return fmt.Errorf("%w: %w", boxfs.ErrIO, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return fmt.Errorf("%w: %w", boxfs.ErrTransfer, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %w", boxfs.ErrIO, err)
	}
	in.Body = tmp
	in.ContentLength = aws.Int64(n)
	_, err = b.client.PutObject(ctx, in)
	return mapS3Error(err)
}

// prepareTransfer validates a copy or move of id into destParentID and
// returns the destination ID with the source keys to transfer.
func (b *Backend) prepareTransfer(ctx context.Context, id, destParentID, name string) (string, []string, error) {
	srcName := path.Base(strings.TrimSuffix(id, "/"))
	if name == "" {
		name = srcName
	}
	dstFile, err := childID(destParentID, name)
	if err != nil {
		return "", nil, err
	}
	if err := b.requireFolder(ctx, destParentID); err != nil {
		return "", nil, err
	}

	if !isFolderID(id) {
		if _, err := b.headFile(ctx, id); err != nil {
			return "", nil, err
		}
		if dstFile != id {
			if err := b.ensureFree(ctx, dstFile); err != nil {
				return "", nil, err
			}
		}
		return dstFile, []string{b.key(id)}, nil
	}

	dstID := dstFile + "/"
	if strings.HasPrefix(dstID, id) && dstID != id {
		return "", nil, fmt.Errorf("%w: cannot place %s inside itself", boxfs.ErrInvalid, id)
	}
	keys, err := b.listAll(ctx, b.key(id))
	if err != nil {
		return "", nil, err
	}
	if len(keys) == 0 {
		return "", nil, fmt.Errorf("%w: %s", boxfs.ErrNotFound, id)
	}
	if dstID != id {
		if err := b.ensureFree(ctx, dstFile); err != nil {
			return "", nil, err
		}
	}
	return dstID, keys, nil
}

func (b *Backend) copyKeys(ctx context.Context, srcID, dstID string, keys []string) error {
	srcPrefix, dstPrefix := b.key(srcID), b.key(dstID)
	for _, key := range keys {
		dst := dstPrefix + strings.TrimPrefix(key, srcPrefix)
		_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(b.bucket),
			Key:        aws.String(dst),
			CopySource: aws.String(copySource(b.bucket, key)),
		})
		if err != nil {
			return mapS3Error(err)
		}
	}
	// A folder without its own marker still needs one at the destination.
	if isFolderID(dstID) && (len(keys) == 0 || keys[0] != srcPrefix) {
		return b.putMarker(ctx, dstID)
	}
	return nil
}

func (b *Backend) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatch {
		batch := keys[start:min(start+deleteBatch, len(keys))]
		objects := make([]types.ObjectIdentifier, len(batch))
		for i, key := range batch {
			objects[i] = types.ObjectIdentifier{Key: aws.String(key)}
		}
		out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return mapS3Error(err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("%w: delete %s: %s", boxfs.ErrRemote, aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}

// listAll returns every key below prefix, sorted as S3 returns them.
func (b *Backend) listAll(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(listPageSize),
	})
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error(err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (b *Backend) stat(ctx context.Context, id string) (boxfs.Item, error) {
	if isFolderID(id) {
		return folderItem(id), nil
	}
	return b.headFile(ctx, id)
}

func (b *Backend) headFile(ctx context.Context, id string) (boxfs.Item, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		return boxfs.Item{}, mapS3Error(err)
	}
	return boxfs.Item{
		ID:          id,
		Name:        path.Base(id),
		Kind:        boxfs.KindFile,
		Size:        aws.ToInt64(out.ContentLength),
		ModifiedAt:  aws.ToTime(out.LastModified),
		CreatedAt:   aws.ToTime(out.LastModified),
		ParentID:    parentID(id),
		Permissions: boxfs.PermAll,
	}, nil
}

func (b *Backend) folderExists(ctx context.Context, folderID string) (bool, error) {
	if folderID == rootID {
		return true, nil
	}
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.key(folderID)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, mapS3Error(err)
	}
	return len(out.Contents) > 0, nil
}

func (b *Backend) requireFolder(ctx context.Context, folderID string) error {
	if !isFolderID(folderID) {
		return fmt.Errorf("%w: %s", boxfs.ErrNotDir, folderID)
	}
	ok, err := b.folderExists(ctx, folderID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", boxfs.ErrNotFound, folderID)
	}
	return nil
}

// ensureFree fails with ErrExist when a file or folder already uses fileID.
func (b *Backend) ensureFree(ctx context.Context, fileID string) error {
	_, err := b.headFile(ctx, fileID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", boxfs.ErrExist, fileID)
	case !errors.Is(err, boxfs.ErrNotFound):
		return err
	}
	ok, err := b.folderExists(ctx, fileID+"/")
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", boxfs.ErrExist, fileID)
	}
	return nil
}

// keepFolder writes a marker for folderID if it no longer has any keys, so
// removing the last child of an implicit folder does not remove the folder.
func (b *Backend) keepFolder(ctx context.Context, folderID string) error {
	ok, err := b.folderExists(ctx, folderID)
	if err != nil || ok {
		return err
	}
	return b.putMarker(ctx, folderID)
}

func (b *Backend) putMarker(ctx context.Context, folderID string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(folderID)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String(folderType),
	})
	return mapS3Error(err)
}

// key maps an item ID to its object key.
func (b *Backend) key(id string) string {
	return b.prefix + strings.TrimPrefix(id, "/")
}

// id maps an object key back to an item ID.
func (b *Backend) id(key string) string {
	return "/" + strings.TrimPrefix(key, b.prefix)
}

func isFolderID(id string) bool {
	return strings.HasSuffix(id, "/")
}

func parentID(id string) string {
	dir := path.Dir(strings.TrimSuffix(id, "/"))
	if dir == "/" {
		return rootID
	}
	return dir + "/"
}

func childID(parentID, name string) (string, error) {
	if !isFolderID(parentID) {
		return "", fmt.Errorf("%w: %s", boxfs.ErrNotDir, parentID)
	}
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: bad name %q", boxfs.ErrInvalid, name)
	}
	return parentID + name, nil
}

func folderItem(id string) boxfs.Item {
	item := boxfs.Item{ID: id, Kind: boxfs.KindFolder, Permissions: boxfs.PermAll}
	if id != rootID {
		item.Name = path.Base(strings.TrimSuffix(id, "/"))
		item.ParentID = parentID(id)
	}
	return item
}

// copySource is the URL-encoded "bucket/key" CopyObject expects.
func copySource(bucket, key string) string {
	return bucket + "/" + strings.ReplaceAll(url.PathEscape(key), "%2F", "/")
}

// mapS3Error wraps S3 errors in the matching boxfs sentinel.
func mapS3Error(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var (
		nsk      *types.NoSuchKey
		notFound *types.NotFound
		noBucket *types.NoSuchBucket
	)
	if errors.As(err, &nsk) || errors.As(err, &notFound) || errors.As(err, &noBucket) {
		return fmt.Errorf("%w: %w", boxfs.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %w", boxfs.ErrNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
			return fmt.Errorf("%w: %w", boxfs.ErrPermission, err)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%w: %w", boxfs.ErrExist, err)
		case "InvalidArgument", "InvalidRequest", "KeyTooLongError", "InvalidObjectName":
			return fmt.Errorf("%w: %w", boxfs.ErrInvalid, err)
		}
	}
	return fmt.Errorf("%w: %w", boxfs.ErrRemote, err)
}
