package boxfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gobeaver/boxfs/logging"
	"github.com/gobeaver/boxfs/metrics"
)

var errUploadAborted = errors.New("upload aborted")

// downloadStream reads a remote file through a bounded pipe filled by a
// background transfer task.
type downloadStream struct {
	d    *Driver
	path string
	pipe *pipe
	task *task[struct{}]

	mu     sync.Mutex
	closed bool
	err    error
}

func (d *Driver) openDownload(ctx context.Context, p string, item Item) (*downloadStream, error) {
	pp := newPipe(d.opts.pipeSize)
	t, err := spawn(d.pool, ctx, func(ctx context.Context) (struct{}, error) {
		stop := context.AfterFunc(ctx, func() { pp.CloseRead(ctx.Err()) })
		defer stop()

		rc, err := d.backend.Download(ctx, item.ID)
		if err != nil {
			return struct{}{}, err
		}
		defer rc.Close()
		_, err = io.Copy(pp, rc)
		return struct{}{}, err
	}, func(_ struct{}, err error) {
		pp.CloseWrite(err)
	})
	if err != nil {
		return nil, &PathError{Op: "open", Path: p, Err: err}
	}

	metrics.StreamOpened(metrics.Download)
	return &downloadStream{d: d, path: p, pipe: pp, task: t}, nil
}

func (s *downloadStream) Read(b []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, &PathError{Op: "read", Path: s.path, Err: ErrClosed}
	}

	n, err := s.pipe.Read(b)
	metrics.RecordBytes(metrics.Download, n)
	if err == nil || err == io.EOF {
		return n, err
	}
	return n, &PathError{Op: "read", Path: s.path, Err: fmt.Errorf("%w: %w", ErrTransfer, err)}
}

// Close stops the transfer and waits for its task to exit. Closing before
// EOF is not an error. Only the first call does any work.
func (s *downloadStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.err
	}
	s.closed = true
	defer metrics.StreamClosed(metrics.Download)

	s.pipe.CloseRead(nil)
	s.task.cancel()
	_, err := s.task.join(s.d.opts.closeTimeout)
	switch {
	case err == nil, errors.Is(err, io.ErrClosedPipe), errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, ErrTimeout):
		metrics.RecordTimeout(metrics.Download)
		logging.L().Warn("download did not stop in time",
			logging.String("path", s.path), logging.Duration("timeout", s.d.opts.closeTimeout))
		s.err = &PathError{Op: "close", Path: s.path, Err: ErrTimeout}
	default:
		s.err = &PathError{Op: "close", Path: s.path, Err: fmt.Errorf("%w: %w", ErrTransfer, err)}
	}
	return s.err
}

// uploadStream writes a remote file. The transfer task starts with the first
// non-empty write; a stream closed without data uploads empty content
// directly, since streaming uploads of nothing are rejected by some stores.
type uploadStream struct {
	d      *Driver
	ctx    context.Context
	path   string
	parent Item  // folder receiving a new file
	target *Item // existing file receiving a new version

	mu     sync.Mutex
	pipe   *pipe
	task   *task[Item]
	closed bool
	err    error
}

func (d *Driver) openUpload(ctx context.Context, p string, parent Item, target *Item) *uploadStream {
	metrics.StreamOpened(metrics.Upload)
	return &uploadStream{d: d, ctx: ctx, path: p, parent: parent, target: target}
}

func (s *uploadStream) upload(ctx context.Context, r io.Reader) (Item, error) {
	if s.target != nil {
		return s.d.backend.UploadVersion(ctx, s.target.ID, r)
	}
	_, name := splitPath(s.path)
	return s.d.backend.Upload(ctx, s.parent.ID, name, r)
}

// uploadEmpty sends empty content as a direct upload, bounded like any other
// transfer by the close timeout.
func (s *uploadStream) uploadEmpty() (Item, error) {
	t, err := spawn(s.d.pool, s.ctx, func(ctx context.Context) (Item, error) {
		return s.upload(ctx, bytes.NewReader(nil))
	}, func(Item, error) {})
	if err != nil {
		return Item{}, err
	}
	s.task = t
	return t.join(s.d.opts.closeTimeout)
}

func (s *uploadStream) start() error {
	pp := newPipe(s.d.opts.pipeSize)
	t, err := spawn(s.d.pool, s.ctx, func(ctx context.Context) (Item, error) {
		stop := context.AfterFunc(ctx, func() { pp.CloseWrite(ctx.Err()) })
		defer stop()
		return s.upload(ctx, pp)
	}, func(_ Item, err error) {
		pp.CloseRead(err)
	})
	if err != nil {
		return err
	}
	s.pipe, s.task = pp, t
	return nil
}

func (s *uploadStream) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, &PathError{Op: "write", Path: s.path, Err: ErrClosed}
	}
	if s.err != nil {
		return 0, s.err
	}
	if len(b) == 0 {
		return 0, nil
	}

	if s.task == nil {
		if err := s.start(); err != nil {
			s.err = &PathError{Op: "write", Path: s.path, Err: err}
			return 0, s.err
		}
	}

	n, err := s.pipe.Write(b)
	metrics.RecordBytes(metrics.Upload, n)
	if err != nil {
		if s.task.finished() && s.task.err != nil {
			err = s.task.err
		}
		s.err = &PathError{Op: "write", Path: s.path, Err: fmt.Errorf("%w: %w", ErrTransfer, err)}
		return n, s.err
	}
	return n, nil
}

// Close finishes the upload and records the new item in the entry cache.
// It fails with ErrTimeout when the transfer does not complete in time.
func (s *uploadStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.err
	}
	s.closed = true
	defer metrics.StreamClosed(metrics.Upload)

	if s.err != nil {
		if s.task != nil {
			s.pipe.CloseWrite(errUploadAborted)
			_, _ = s.task.join(s.d.opts.closeTimeout)
		}
		return s.err
	}

	var (
		item Item
		err  error
	)
	if s.task == nil {
		item, err = s.uploadEmpty()
	} else {
		s.pipe.CloseWrite(nil)
		item, err = s.task.join(s.d.opts.closeTimeout)
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		metrics.RecordTimeout(metrics.Upload)
		logging.L().Warn("upload did not finish in time",
			logging.String("path", s.path), logging.Duration("timeout", s.d.opts.closeTimeout))
		s.err = &PathError{Op: "close", Path: s.path, Err: ErrTimeout}
		return s.err
	default:
		s.err = &PathError{Op: "close", Path: s.path, Err: fmt.Errorf("%w: %w", ErrTransfer, err)}
		return s.err
	}

	if s.target != nil {
		s.d.cache.Add(s.path, item)
	} else {
		s.d.cache.AddCreated(s.path, item)
	}
	return nil
}
