// Package local serves a directory tree on disk as a boxfs backend.
//
// Item IDs are slash paths relative to the root directory, so unlike a
// remote store an item's ID changes when it is moved or renamed.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/gobeaver/boxfs/boxfs"
)

const (
	rootID = "/"
	// tmpPrefix marks in-flight uploads, which listings skip.
	tmpPrefix = ".boxfs-upload-"
)

// Backend is a boxfs.Backend over a local directory.
type Backend struct {
	root string
}

var _ boxfs.Backend = (*Backend)(nil)

// New creates a backend rooted at root, creating the directory if needed.
func New(root string) (*Backend, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, err
	}
	return &Backend{root: absRoot}, nil
}

// Root implements boxfs.Backend.
func (b *Backend) Root(ctx context.Context) (boxfs.Item, error) {
	if err := ctx.Err(); err != nil {
		return boxfs.Item{}, err
	}
	info, err := os.Stat(b.root)
	if err != nil {
		return boxfs.Item{}, mapError(err)
	}
	return toItem(rootID, "", info), nil
}

// Item implements boxfs.Backend.
func (b *Backend) Item(ctx context.Context, parentID, name string) (boxfs.Item, error) {
	if err := ctx.Err(); err != nil {
		return boxfs.Item{}, err
	}
	id, err := childID(parentID, name)
	if err != nil {
		return boxfs.Item{}, err
	}
	return b.stat(id)
}

// ListChildren implements boxfs.Backend. Page tokens are offsets into the
// name-sorted directory listing.
func (b *Backend) ListChildren(ctx context.Context, folderID, pageToken string, pageSize int) (boxfs.Page, error) {
	if err := ctx.Err(); err != nil {
		return boxfs.Page{}, err
	}
	full, err := b.fullPath(folderID)
	if err != nil {
		return boxfs.Page{}, err
	}

	offset := 0
	if pageToken != "" {
		if offset, err = strconv.Atoi(pageToken); err != nil || offset < 0 {
			return boxfs.Page{}, fmt.Errorf("%w: bad page token %q", boxfs.ErrInvalid, pageToken)
		}
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return boxfs.Page{}, mapError(err)
	}
	entries = slices.DeleteFunc(entries, func(e os.DirEntry) bool {
		return strings.HasPrefix(e.Name(), tmpPrefix)
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	if pageSize <= 0 {
		pageSize = len(entries)
	}
	end := min(offset+pageSize, len(entries))
	page := boxfs.Page{}
	for _, e := range entries[min(offset, end):end] {
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return boxfs.Page{}, mapError(err)
		}
		page.Items = append(page.Items, toItem(path.Join(folderID, e.Name()), folderID, info))
	}
	if end < len(entries) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

// CreateFolder implements boxfs.Backend.
func (b *Backend) CreateFolder(ctx context.Context, parentID, name string) (boxfs.Item, error) {
	if err := ctx.Err(); err != nil {
		return boxfs.Item{}, err
	}
	id, err := childID(parentID, name)
	if err != nil {
		return boxfs.Item{}, err
	}
	full, err := b.fullPath(id)
	if err != nil {
		return boxfs.Item{}, err
	}
	if err := b.requireFolder(parentID); err != nil {
		return boxfs.Item{}, err
	}
	if err := os.Mkdir(full, 0o755); err != nil {
		return boxfs.Item{}, mapError(err)
	}
	return b.stat(id)
}

// Delete implements boxfs.Backend. Folders must be empty.
func (b *Backend) Delete(ctx context.Context, item boxfs.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if item.ID == rootID {
		return fmt.Errorf("%w: cannot delete root", boxfs.ErrPermission)
	}
	full, err := b.fullPath(item.ID)
	if err != nil {
		return err
	}
	return mapError(os.Remove(full))
}

// Copy implements boxfs.Backend. Folders are copied recursively.
func (b *Backend) Copy(ctx context.Context, id, destParentID, name string) (boxfs.Item, error) {
	src, err := b.stat(id)
	if err != nil {
		return boxfs.Item{}, err
	}
	if name == "" {
		name = src.Name
	}
	dstID, err := childID(destParentID, name)
	if err != nil {
		return boxfs.Item{}, err
	}
	if err := b.requireFolder(destParentID); err != nil {
		return boxfs.Item{}, err
	}
	if src.IsDir() && (dstID == id || strings.HasPrefix(dstID, id+"/")) {
		return boxfs.Item{}, fmt.Errorf("%w: cannot copy %s into itself", boxfs.ErrInvalid, id)
	}
	if err := b.copyTree(ctx, id, dstID); err != nil {
		return boxfs.Item{}, err
	}
	return b.stat(dstID)
}

func (b *Backend) copyTree(ctx context.Context, srcID, dstID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, _ := b.fullPath(srcID)
	dst, _ := b.fullPath(dstID)

	info, err := os.Stat(src)
	if err != nil {
		return mapError(err)
	}
	if !info.IsDir() {
		in, err := os.Open(src)
		if err != nil {
			return mapError(err)
		}
		defer in.Close()
		out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
		if err != nil {
			return mapError(err)
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			os.Remove(dst)
			return fmt.Errorf("%w: %w", boxfs.ErrIO, err)
		}
		return mapError(out.Close())
	}

	if err := os.Mkdir(dst, info.Mode().Perm()); err != nil {
		return mapError(err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return mapError(err)
	}
	for _, e := range entries {
		if err := b.copyTree(ctx, path.Join(srcID, e.Name()), path.Join(dstID, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Move implements boxfs.Backend. The returned item carries the new ID.
func (b *Backend) Move(ctx context.Context, id, destParentID, name string) (boxfs.Item, error) {
	if err := ctx.Err(); err != nil {
		return boxfs.Item{}, err
	}
	if id == rootID {
		return boxfs.Item{}, fmt.Errorf("%w: cannot move root", boxfs.ErrPermission)
	}
	if name == "" {
		name = path.Base(id)
	}
	if err := b.requireFolder(destParentID); err != nil {
		return boxfs.Item{}, err
	}
	dstID, err := childID(destParentID, name)
	if err != nil {
		return boxfs.Item{}, err
	}
	if strings.HasPrefix(dstID, id+"/") {
		return boxfs.Item{}, fmt.Errorf("%w: cannot move %s into itself", boxfs.ErrInvalid, id)
	}
	return b.relocate(id, dstID)
}

// Rename implements boxfs.Backend.
func (b *Backend) Rename(ctx context.Context, id, name string) (boxfs.Item, error) {
	if err := ctx.Err(); err != nil {
		return boxfs.Item{}, err
	}
	if id == rootID {
		return boxfs.Item{}, fmt.Errorf("%w: cannot rename root", boxfs.ErrPermission)
	}
	dstID, err := childID(path.Dir(id), name)
	if err != nil {
		return boxfs.Item{}, err
	}
	return b.relocate(id, dstID)
}

// relocate renames srcID to dstID, refusing to replace anything already there.
func (b *Backend) relocate(srcID, dstID string) (boxfs.Item, error) {
	src, err := b.fullPath(srcID)
	if err != nil {
		return boxfs.Item{}, err
	}
	dst, err := b.fullPath(dstID)
	if err != nil {
		return boxfs.Item{}, err
	}
	if _, err := os.Stat(src); err != nil {
		return boxfs.Item{}, mapError(err)
	}
	if srcID != dstID {
		if _, err := os.Lstat(dst); err == nil {
			return boxfs.Item{}, fmt.Errorf("%w: %s", boxfs.ErrExist, dstID)
		}
		if err := os.Rename(src, dst); err != nil {
			return boxfs.Item{}, mapError(err)
		}
	}
	return b.stat(dstID)
}

// Download implements boxfs.Backend.
func (b *Backend) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := b.fullPath(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, mapError(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapError(err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s", boxfs.ErrIsDir, id)
	}
	return f, nil
}

// Upload implements boxfs.Backend. Content is written to a temporary file
// and linked into place only once complete, so a failed upload leaves
// nothing behind and an existing file is never replaced.
func (b *Backend) Upload(ctx context.Context, parentID, name string, r io.Reader) (boxfs.Item, error) {
	id, err := childID(parentID, name)
	if err != nil {
		return boxfs.Item{}, err
	}
	if err := b.requireFolder(parentID); err != nil {
		return boxfs.Item{}, err
	}
	tmp, err := b.spool(ctx, parentID, r)
	if err != nil {
		return boxfs.Item{}, err
	}
	defer os.Remove(tmp)

	full, _ := b.fullPath(id)
	if err := os.Link(tmp, full); err != nil {
		return boxfs.Item{}, mapError(err)
	}
	return b.stat(id)
}

// UploadVersion implements boxfs.Backend.
func (b *Backend) UploadVersion(ctx context.Context, id string, r io.Reader) (boxfs.Item, error) {
	current, err := b.stat(id)
	if err != nil {
		return boxfs.Item{}, err
	}
	if current.IsDir() {
		return boxfs.Item{}, fmt.Errorf("%w: %s", boxfs.ErrIsDir, id)
	}
	tmp, err := b.spool(ctx, path.Dir(id), r)
	if err != nil {
		return boxfs.Item{}, err
	}
	full, _ := b.fullPath(id)
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return boxfs.Item{}, mapError(err)
	}
	return b.stat(id)
}

// spool copies r into a hidden temporary file inside folderID.
func (b *Backend) spool(ctx context.Context, folderID string, r io.Reader) (string, error) {
	dir, err := b.fullPath(folderID)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return "", mapError(err)
	}
	_, err = io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %w", boxfs.ErrTransfer, err)
	}
	return f.Name(), nil
}

func (b *Backend) stat(id string) (boxfs.Item, error) {
	full, err := b.fullPath(id)
	if err != nil {
		return boxfs.Item{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return boxfs.Item{}, mapError(err)
	}
	if id == rootID {
		return toItem(rootID, "", info), nil
	}
	return toItem(id, path.Dir(id), info), nil
}

func (b *Backend) requireFolder(id string) error {
	item, err := b.stat(id)
	if err != nil {
		return err
	}
	if !item.IsDir() {
		return fmt.Errorf("%w: %s", boxfs.ErrNotDir, id)
	}
	return nil
}

// fullPath maps an ID to a path on disk, refusing anything outside root.
func (b *Backend) fullPath(id string) (string, error) {
	if !strings.HasPrefix(id, "/") {
		return "", fmt.Errorf("%w: bad id %q", boxfs.ErrInvalid, id)
	}
	full := filepath.Join(b.root, filepath.FromSlash(path.Clean(id)))
	if !isPathUnderRoot(b.root, full) {
		return "", fmt.Errorf("%w: %q escapes root", boxfs.ErrPermission, id)
	}
	return full, nil
}

func childID(parentID, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: bad name %q", boxfs.ErrInvalid, name)
	}
	return path.Join(parentID, name), nil
}

// isPathUnderRoot checks if a path is under a given root directory
func isPathUnderRoot(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return !filepath.IsAbs(rel) && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func toItem(id, parentID string, info fs.FileInfo) boxfs.Item {
	item := boxfs.Item{
		ID:          id,
		Name:        info.Name(),
		ParentID:    parentID,
		ModifiedAt:  info.ModTime(),
		CreatedAt:   info.ModTime(),
		Permissions: permissions(info.Mode()),
	}
	if info.IsDir() {
		item.Kind = boxfs.KindFolder
	} else {
		item.Size = info.Size()
	}
	return item
}

// permissions derives item permissions from the owner mode bits.
func permissions(mode fs.FileMode) boxfs.Permissions {
	var p boxfs.Permissions
	if mode&0o400 != 0 {
		p |= boxfs.PermDownload | boxfs.PermPreview | boxfs.PermShare
	}
	if mode&0o200 != 0 {
		p |= boxfs.PermUpload | boxfs.PermRename | boxfs.PermDelete
	}
	return p
}

// mapError wraps an os error in the matching boxfs sentinel.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", boxfs.ErrNotFound, err)
	// ENOTEMPTY also matches fs.ErrExist.
	case errors.Is(err, syscall.ENOTEMPTY):
		return fmt.Errorf("%w: %w", boxfs.ErrNotEmpty, err)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %w", boxfs.ErrExist, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", boxfs.ErrPermission, err)
	case errors.Is(err, syscall.ENOTDIR):
		return fmt.Errorf("%w: %w", boxfs.ErrNotDir, err)
	case errors.Is(err, syscall.EISDIR):
		return fmt.Errorf("%w: %w", boxfs.ErrIsDir, err)
	}
	return fmt.Errorf("%w: %w", boxfs.ErrIO, err)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
