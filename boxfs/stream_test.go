package boxfs_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/boxfs/boxfs"
	"github.com/gobeaver/boxfs/boxfs/driver/memory"
)

// stuckReader blocks every read until release is closed, ignoring any
// context, like a transfer stuck in a read with no deadline.
type stuckReader struct {
	release chan struct{}
}

func (s *stuckReader) Read(p []byte) (int, error) {
	<-s.release
	return 0, io.EOF
}

func (s *stuckReader) Close() error { return nil }

// brokenReader returns some bytes and then fails.
type brokenReader struct {
	data []byte
	err  error
}

func (b *brokenReader) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, b.err
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func (b *brokenReader) Close() error { return nil }

func TestDownloadCloseTimesOut(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	d, b := newTestDriver(t, memory.Config{}, boxfs.WithCloseTimeout(50*time.Millisecond))
	seed(t, b, map[string]string{"/slow.bin": "never arrives"})
	b.SetHooks(memory.Hooks{
		Download: func(io.ReadCloser) io.ReadCloser { return &stuckReader{release: release} },
	})

	r, err := d.Open(ctx, "/slow.bin")
	require.NoError(t, err)

	start := time.Now()
	err = r.Close()
	assert.ErrorIs(t, err, boxfs.ErrTimeout)
	assert.True(t, boxfs.IsTimeout(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDownloadTransportErrorSurfacesOnRead(t *testing.T) {
	ctx := context.Background()
	d, b := newTestDriver(t, memory.Config{})
	seed(t, b, map[string]string{"/f.bin": "ignored"})
	reset := errors.New("connection reset by peer")
	b.SetHooks(memory.Hooks{
		Download: func(io.ReadCloser) io.ReadCloser {
			return &brokenReader{data: []byte("partial"), err: reset}
		},
	})

	r, err := d.Open(ctx, "/f.bin")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	assert.Equal(t, "partial", string(data))
	assert.ErrorIs(t, err, boxfs.ErrTransfer)
	assert.ErrorIs(t, err, reset)

	assert.ErrorIs(t, r.Close(), boxfs.ErrTransfer)
}

func TestDownloadOfDeletedFile(t *testing.T) {
	ctx := context.Background()
	d, b := newTestDriver(t, memory.Config{})
	seed(t, b, map[string]string{"/gone.txt": "x"})
	_, err := d.Stat(ctx, "/gone.txt")
	require.NoError(t, err)
	b.SetFault(memory.OpDownload, boxfs.ErrNotFound)

	r, err := d.Open(ctx, "/gone.txt")
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, boxfs.ErrTransfer)
	assert.ErrorIs(t, err, boxfs.ErrNotFound)
	_ = r.Close()
}

func TestUploadCloseTimesOut(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	d, b := newTestDriver(t, memory.Config{}, boxfs.WithCloseTimeout(50*time.Millisecond))
	b.SetHooks(memory.Hooks{
		Upload: func(context.Context) error {
			<-release
			return nil
		},
	})

	w, err := d.Create(ctx, "/slow.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)

	err = w.Close()
	assert.ErrorIs(t, err, boxfs.ErrTimeout)

	_, err = d.Stat(ctx, "/slow.txt")
	assert.ErrorIs(t, err, boxfs.ErrNotFound)
}

func TestEmptyUploadCloseTimesOut(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	d, b := newTestDriver(t, memory.Config{}, boxfs.WithCloseTimeout(50*time.Millisecond))
	b.SetHooks(memory.Hooks{
		Upload: func(context.Context) error {
			<-release
			return nil
		},
	})

	w, err := d.Create(ctx, "/empty.txt")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Close() }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, boxfs.ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("Close of an empty upload ignored the close timeout")
	}

	_, err = d.Stat(ctx, "/empty.txt")
	assert.ErrorIs(t, err, boxfs.ErrNotFound)
}

func TestUploadFailureSurfacesOnClose(t *testing.T) {
	ctx := context.Background()
	d, b := newTestDriver(t, memory.Config{})
	quota := errors.New("quota exceeded")
	b.SetHooks(memory.Hooks{
		Upload: func(context.Context) error { return quota },
	})

	w, err := d.Create(ctx, "/f.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)

	err = w.Close()
	assert.ErrorIs(t, err, boxfs.ErrTransfer)
	assert.ErrorIs(t, err, quota)
	assert.ErrorIs(t, w.Close(), boxfs.ErrTransfer)

	_, err = d.Stat(ctx, "/f.txt")
	assert.ErrorIs(t, err, boxfs.ErrNotFound)
}

func TestUploadRejectedEarlyFailsWrites(t *testing.T) {
	ctx := context.Background()
	d, b := newTestDriver(t, memory.Config{}, boxfs.WithPipeSize(16))
	b.SetFault(memory.OpUpload, boxfs.ErrPermission)

	w, err := d.Create(ctx, "/denied.txt")
	require.NoError(t, err)

	_, err = io.Copy(w, bytes.NewReader(bytes.Repeat([]byte("x"), 4096)))
	assert.ErrorIs(t, err, boxfs.ErrTransfer)
	assert.ErrorIs(t, err, boxfs.ErrPermission)
	assert.Error(t, w.Close())
}

func TestManyConcurrentStreams(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDriver(t, memory.Config{}, boxfs.WithMaxTransfers(2))

	const n = 6
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			p := "/f" + string(rune('a'+i))
			w, err := d.Create(ctx, p)
			if err != nil {
				errs <- err
				return
			}
			if _, err := w.Write(bytes.Repeat([]byte{byte(i)}, 100_000)); err != nil {
				errs <- err
				return
			}
			errs <- w.Close()
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	names, err := d.ReadDir(ctx, "/")
	require.NoError(t, err)
	assert.Len(t, names, n)
}
