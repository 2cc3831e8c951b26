package boxfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/gobeaver/boxfs/logging"
)

// AccessMode is a permission requested through CheckAccess.
type AccessMode int

const (
	AccessRead AccessMode = 1 << iota
	AccessWrite
	AccessExecute
)

func (m AccessMode) String() string {
	switch m {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	}
	return fmt.Sprintf("AccessMode(%d)", int(m))
}

// required maps a requested mode to the item permission that grants it.
func (m AccessMode) required() Permissions {
	switch m {
	case AccessWrite:
		return PermUpload
	default:
		return PermDownload
	}
}

// CopyOptions controls Copy.
type CopyOptions struct {
	Overwrite bool
}

// MoveOptions controls Rename.
type MoveOptions struct {
	Overwrite bool
}

// Driver exposes a remote store as a tree of absolute slash-separated paths.
// It is safe for concurrent use.
type Driver struct {
	backend Backend
	raw     Backend
	cache   *EntryCache
	pool    *transferPool
	opts    options

	closeOnce sync.Once
	closeErr  error
}

// NewDriver creates a driver over backend. The root item is fetched once,
// unless WithRoot pins it.
func NewDriver(ctx context.Context, backend Backend, opts ...Option) (*Driver, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	b := instrument(backend)
	var root Item
	if o.root != nil {
		root = *o.root
	} else {
		var err error
		if root, err = b.Root(ctx); err != nil {
			return nil, pathError("root", "/", err)
		}
	}
	if !root.IsDir() {
		return nil, &PathError{Op: "root", Path: "/", Err: ErrNotDir}
	}

	return &Driver{
		backend: b,
		raw:     backend,
		cache:   NewEntryCache(root, NewEnumerator(b, o.pageSize), o.ignoreAppleDouble),
		pool:    newTransferPool(o.maxTransfers),
		opts:    o,
	}, nil
}

// Cache returns the driver's entry cache.
func (d *Driver) Cache() *EntryCache {
	return d.cache
}

// Stat returns the item at p.
func (d *Driver) Stat(ctx context.Context, p string) (Item, error) {
	return d.cache.Get(ctx, p)
}

// Exists reports whether p resolves. Errors other than not-found are returned.
func (d *Driver) Exists(ctx context.Context, p string) (bool, error) {
	_, err := d.cache.Get(ctx, p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// ReadDir returns the names of the children of the folder at p, in the
// order the backend lists them.
func (d *Driver) ReadDir(ctx context.Context, p string) ([]string, error) {
	entries, err := d.cache.Children(ctx, p)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

// ReadDirItems is ReadDir with the child items attached.
func (d *Driver) ReadDirItems(ctx context.Context, p string) ([]DirEntry, error) {
	return d.cache.Children(ctx, p)
}

// Open opens the file at p for reading.
func (d *Driver) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	p = cleanPath(p)
	item, err := d.cache.Get(ctx, p)
	if err != nil {
		return nil, pathError("open", p, err)
	}
	if item.IsDir() {
		return nil, &PathError{Op: "open", Path: p, Err: ErrIsDir}
	}
	return d.openDownload(ctx, p, item)
}

// Create opens p for writing, creating it or replacing its content.
func (d *Driver) Create(ctx context.Context, p string) (io.WriteCloser, error) {
	return d.OpenFile(ctx, p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

// OpenFile opens p for writing with os.OpenFile flag semantics. An existing
// file gets a new version; a missing one is created in its parent folder
// when O_CREATE is set. O_APPEND is not supported. The write is committed
// when the returned writer is closed.
func (d *Driver) OpenFile(ctx context.Context, p string, flag int) (io.WriteCloser, error) {
	p = cleanPath(p)
	if flag&os.O_APPEND != 0 {
		return nil, &PathError{Op: "open", Path: p, Err: ErrNotSupported}
	}
	if p == "/" {
		return nil, &PathError{Op: "open", Path: p, Err: ErrIsDir}
	}

	item, err := d.cache.Get(ctx, p)
	switch {
	case err == nil:
		if item.IsDir() {
			return nil, &PathError{Op: "open", Path: p, Err: ErrIsDir}
		}
		if flag&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL {
			return nil, &PathError{Op: "open", Path: p, Err: ErrExist}
		}
		return d.openUpload(ctx, p, Item{}, &item), nil
	case !errors.Is(err, ErrNotFound):
		return nil, pathError("open", p, err)
	case flag&os.O_CREATE == 0:
		return nil, pathError("open", p, err)
	}

	parent, err := d.parentFolder(ctx, "open", p)
	if err != nil {
		return nil, err
	}
	return d.openUpload(ctx, p, parent, nil), nil
}

// Mkdir creates the folder p. Its parent must exist.
func (d *Driver) Mkdir(ctx context.Context, p string) error {
	p = cleanPath(p)
	if p == "/" {
		return &PathError{Op: "mkdir", Path: p, Err: ErrExist}
	}

	parent, err := d.parentFolder(ctx, "mkdir", p)
	if err != nil {
		return err
	}
	if err := d.ensureAbsent(ctx, "mkdir", p); err != nil {
		return err
	}

	_, name := splitPath(p)
	item, err := d.backend.CreateFolder(ctx, parent.ID, name)
	if err != nil {
		return pathError("mkdir", p, err)
	}
	d.cache.AddCreated(p, item)
	logging.WithContext(ctx).Debug("created folder", logging.String("path", p), logging.String("id", item.ID))
	return nil
}

// MkdirAll creates p and any missing parents.
func (d *Driver) MkdirAll(ctx context.Context, p string) error {
	p = cleanPath(p)
	cur := "/"
	for _, seg := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if seg == "" {
			continue
		}
		cur = joinPath(cur, seg)
		item, err := d.cache.Get(ctx, cur)
		if err == nil {
			if !item.IsDir() {
				return &PathError{Op: "mkdir", Path: cur, Err: ErrNotDir}
			}
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return pathError("mkdir", cur, err)
		}
		if err := d.Mkdir(ctx, cur); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the file or empty folder at p.
func (d *Driver) Remove(ctx context.Context, p string) error {
	p = cleanPath(p)
	if p == "/" {
		return &PathError{Op: "remove", Path: p, Err: ErrPermission}
	}
	item, err := d.cache.Get(ctx, p)
	if err != nil {
		return pathError("remove", p, err)
	}
	return d.remove(ctx, "remove", p, item)
}

func (d *Driver) remove(ctx context.Context, op, p string, item Item) error {
	if item.IsDir() {
		n, err := d.cache.ChildCount(ctx, p)
		if err != nil {
			return pathError(op, p, err)
		}
		if n > 0 {
			return &PathError{Op: op, Path: p, Err: ErrNotEmpty}
		}
	}
	if err := d.backend.Delete(ctx, item); err != nil {
		return pathError(op, p, err)
	}
	d.cache.Remove(p)
	logging.WithContext(ctx).Debug("removed", logging.String("path", p), logging.String("id", item.ID))
	return nil
}

// Copy copies the file or empty folder src to dst. An existing dst is
// replaced only with Overwrite, and only if it could itself be removed.
func (d *Driver) Copy(ctx context.Context, src, dst string, opts CopyOptions) error {
	src, dst = cleanPath(src), cleanPath(dst)
	srcItem, err := d.cache.Get(ctx, src)
	if err != nil {
		return pathError("copy", src, err)
	}
	if srcItem.IsDir() {
		n, err := d.cache.ChildCount(ctx, src)
		if err != nil {
			return pathError("copy", src, err)
		}
		if n > 0 {
			return &PathError{Op: "copy", Path: src, Err: ErrIsDir}
		}
	}
	if src == dst {
		return nil
	}
	if dst == "/" || isWithin(dst, src) {
		return &PathError{Op: "copy", Path: dst, Err: ErrInvalid}
	}

	if err := d.clearTarget(ctx, "copy", dst, opts.Overwrite); err != nil {
		return err
	}
	parent, err := d.parentFolder(ctx, "copy", dst)
	if err != nil {
		return err
	}

	_, name := splitPath(dst)
	item, err := d.backend.Copy(ctx, srcItem.ID, parent.ID, name)
	if err != nil {
		return pathError("copy", dst, err)
	}
	d.cache.AddCreated(dst, item)
	return nil
}

// Rename moves src to dst.
//
// When dst is missing, src takes its place. When dst is a folder and
// Overwrite is false, src moves inside it. Otherwise an existing dst fails
// with ErrExist, or with Overwrite is removed first.
func (d *Driver) Rename(ctx context.Context, src, dst string, opts MoveOptions) error {
	src, dst = cleanPath(src), cleanPath(dst)
	if src == "/" {
		return &PathError{Op: "rename", Path: src, Err: ErrPermission}
	}
	srcItem, err := d.cache.Get(ctx, src)
	if err != nil {
		return pathError("rename", src, err)
	}
	if src == dst {
		return nil
	}
	if dst == "/" && opts.Overwrite {
		return &PathError{Op: "rename", Path: dst, Err: ErrPermission}
	}
	if isWithin(dst, src) {
		return &PathError{Op: "rename", Path: dst, Err: ErrInvalid}
	}

	dstItem, err := d.cache.Get(ctx, dst)
	switch {
	case errors.Is(err, ErrNotFound):
		return d.relocate(ctx, src, dst, srcItem)
	case err != nil:
		return pathError("rename", dst, err)
	case dstItem.IsDir() && !opts.Overwrite:
		_, name := splitPath(src)
		target := joinPath(dst, name)
		if err := d.ensureAbsent(ctx, "rename", target); err != nil {
			return err
		}
		item, err := d.backend.Move(ctx, srcItem.ID, dstItem.ID, "")
		if err != nil {
			return pathError("rename", src, err)
		}
		d.cache.Move(src, target, item)
		return nil
	case !opts.Overwrite:
		return &PathError{Op: "rename", Path: dst, Err: ErrExist}
	}

	if err := d.remove(ctx, "rename", dst, dstItem); err != nil {
		return err
	}
	return d.relocate(ctx, src, dst, srcItem)
}

// relocate moves src to the absent path dst with a single remote call: a
// rename when the parent stays the same, a move otherwise.
func (d *Driver) relocate(ctx context.Context, src, dst string, srcItem Item) error {
	srcDir, srcName := splitPath(src)
	dstDir, dstName := splitPath(dst)

	var (
		item Item
		err  error
	)
	if srcDir == dstDir {
		item, err = d.backend.Rename(ctx, srcItem.ID, dstName)
	} else {
		parent, perr := d.parentFolder(ctx, "rename", dst)
		if perr != nil {
			return perr
		}
		name := dstName
		if name == srcName {
			name = ""
		}
		item, err = d.backend.Move(ctx, srcItem.ID, parent.ID, name)
	}
	if err != nil {
		return pathError("rename", src, err)
	}
	d.cache.Move(src, dst, item)
	logging.WithContext(ctx).Debug("moved", logging.String("from", src), logging.String("to", dst))
	return nil
}

// CheckAccess fails with ErrPermission when the item at p denies any of
// the requested modes. Folders always pass, as do items whose permissions
// the backend did not report.
func (d *Driver) CheckAccess(ctx context.Context, p string, modes ...AccessMode) error {
	p = cleanPath(p)
	item, err := d.cache.Get(ctx, p)
	if err != nil {
		return pathError("access", p, err)
	}
	if item.IsDir() || item.Permissions == 0 {
		return nil
	}

	var denied []string
	for _, m := range modes {
		if !item.Permissions.Has(m.required()) {
			denied = append(denied, m.String())
		}
	}
	if len(denied) > 0 {
		return &PathError{Op: "access", Path: p, Err: fmt.Errorf("%w: %s", ErrPermission, strings.Join(denied, ", "))}
	}
	return nil
}

// Space reports storage usage if the backend can.
func (d *Driver) Space(ctx context.Context) (Space, error) {
	sr, ok := d.raw.(SpaceReporter)
	if !ok {
		return Space{}, &PathError{Op: "space", Path: "/", Err: ErrNotSupported}
	}
	s, err := sr.Space(ctx)
	if err != nil {
		return Space{}, pathError("space", "/", err)
	}
	return s, nil
}

// Refresh fetches a fresh snapshot of p from the backend, for changes made
// outside this driver.
func (d *Driver) Refresh(ctx context.Context, p string) (Item, error) {
	p = cleanPath(p)
	if p == "/" {
		d.cache.Flush()
		return d.cache.Root(), nil
	}
	parent, err := d.parentFolder(ctx, "refresh", p)
	if err != nil {
		return Item{}, err
	}
	_, name := splitPath(p)
	item, err := d.backend.Item(ctx, parent.ID, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			d.cache.Remove(p)
		}
		return Item{}, pathError("refresh", p, err)
	}
	d.cache.Add(p, item)
	return item, nil
}

// Invalidate drops p and everything below it from the cache.
func (d *Driver) Invalidate(p string) {
	d.cache.Invalidate(p)
}

// Close stops running transfers and releases the backend.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		err := d.pool.close(d.opts.closeTimeout)
		if c, ok := d.raw.(Closer); ok {
			err = errors.Join(err, c.Close())
		}
		d.closeErr = err
	})
	return d.closeErr
}

// parentFolder resolves the folder that holds p.
func (d *Driver) parentFolder(ctx context.Context, op, p string) (Item, error) {
	dir, _ := splitPath(p)
	parent, err := d.cache.Get(ctx, dir)
	if err != nil {
		return Item{}, pathError(op, dir, err)
	}
	if !parent.IsDir() {
		return Item{}, &PathError{Op: op, Path: dir, Err: ErrNotDir}
	}
	return parent, nil
}

// ensureAbsent fails with ErrExist when p resolves.
func (d *Driver) ensureAbsent(ctx context.Context, op, p string) error {
	_, err := d.cache.Get(ctx, p)
	switch {
	case err == nil:
		return &PathError{Op: op, Path: p, Err: ErrExist}
	case errors.Is(err, ErrNotFound):
		return nil
	default:
		return pathError(op, p, err)
	}
}

// clearTarget makes room for dst: fine if absent, removed if overwrite is
// set, ErrExist otherwise.
func (d *Driver) clearTarget(ctx context.Context, op, dst string, overwrite bool) error {
	item, err := d.cache.Get(ctx, dst)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return pathError(op, dst, err)
	case !overwrite:
		return &PathError{Op: op, Path: dst, Err: ErrExist}
	}
	return d.remove(ctx, op, dst, item)
}
