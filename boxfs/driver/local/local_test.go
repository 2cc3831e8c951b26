package local

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/boxfs/boxfs"
)

func newTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := New(dir)
	require.NoError(t, err)
	return b, dir
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestNewCreatesRoot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "root")
	_, err := New(dir)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRootAndItem(t *testing.T) {
	b, dir := newTestBackend(t)
	writeFile(t, dir, "docs/readme.md", "# hi")
	ctx := context.Background()

	root, err := b.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/", root.ID)
	assert.True(t, root.IsDir())

	docs, err := b.Item(ctx, root.ID, "docs")
	require.NoError(t, err)
	assert.Equal(t, "/docs", docs.ID)
	assert.True(t, docs.IsDir())

	readme, err := b.Item(ctx, docs.ID, "readme.md")
	require.NoError(t, err)
	assert.Equal(t, "/docs/readme.md", readme.ID)
	assert.Equal(t, "/docs", readme.ParentID)
	assert.Equal(t, int64(4), readme.Size)
	assert.True(t, readme.Permissions.Has(boxfs.PermDownload|boxfs.PermUpload))

	_, err = b.Item(ctx, root.ID, "missing")
	assert.ErrorIs(t, err, boxfs.ErrNotFound)

	_, err = b.Item(ctx, root.ID, "..")
	assert.ErrorIs(t, err, boxfs.ErrInvalid)
}

func TestListChildrenPaging(t *testing.T) {
	b, dir := newTestBackend(t)
	for _, name := range []string{"c", "a", "b", "d"} {
		writeFile(t, dir, name, name)
	}
	ctx := context.Background()

	var names []string
	token := ""
	pages := 0
	for {
		page, err := b.ListChildren(ctx, "/", token, 3)
		require.NoError(t, err)
		pages++
		for _, it := range page.Items {
			names = append(names, it.Name)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names)
	assert.Equal(t, 2, pages)

	_, err := b.ListChildren(ctx, "/", "bogus", 3)
	assert.ErrorIs(t, err, boxfs.ErrInvalid)
}

func TestCreateFolderAndDelete(t *testing.T) {
	b, dir := newTestBackend(t)
	ctx := context.Background()

	folder, err := b.CreateFolder(ctx, "/", "docs")
	require.NoError(t, err)
	assert.Equal(t, "/docs", folder.ID)

	_, err = b.CreateFolder(ctx, "/", "docs")
	assert.ErrorIs(t, err, boxfs.ErrExist)

	_, err = b.CreateFolder(ctx, "/missing", "x")
	assert.ErrorIs(t, err, boxfs.ErrNotFound)

	writeFile(t, dir, "docs/a.txt", "a")
	assert.ErrorIs(t, b.Delete(ctx, folder), boxfs.ErrNotEmpty)

	require.NoError(t, b.Delete(ctx, boxfs.Item{ID: "/docs/a.txt"}))
	require.NoError(t, b.Delete(ctx, folder))
	_, err = os.Stat(filepath.Join(dir, "docs"))
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, b.Delete(ctx, folder), boxfs.ErrNotFound)
	assert.ErrorIs(t, b.Delete(ctx, boxfs.Item{ID: "/", Kind: boxfs.KindFolder}), boxfs.ErrPermission)
}

func TestUploadNeverReplaces(t *testing.T) {
	b, dir := newTestBackend(t)
	ctx := context.Background()

	item, err := b.Upload(ctx, "/", "a.txt", strings.NewReader("first"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), item.Size)

	_, err = b.Upload(ctx, "/", "a.txt", strings.NewReader("second"))
	assert.ErrorIs(t, err, boxfs.ErrExist)

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	// No temporary files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	empty, err := b.Upload(ctx, "/", "empty.txt", bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.Size)
}

func TestUploadVersion(t *testing.T) {
	b, dir := newTestBackend(t)
	writeFile(t, dir, "a.txt", "old")
	ctx := context.Background()

	item, err := b.UploadVersion(ctx, "/a.txt", strings.NewReader("new content"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), item.Size)

	rc, err := b.Download(ctx, "/a.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "new content", string(data))

	_, err = b.UploadVersion(ctx, "/", strings.NewReader("x"))
	assert.ErrorIs(t, err, boxfs.ErrIsDir)
}

func TestCanceledUploadLeavesNothing(t *testing.T) {
	b, dir := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Upload(ctx, "/", "a.txt", strings.NewReader("data"))
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMoveRenameCopy(t *testing.T) {
	b, dir := newTestBackend(t)
	writeFile(t, dir, "src/a.txt", "a")
	writeFile(t, dir, "src/sub/b.txt", "b")
	writeFile(t, dir, "dst/.keep", "")
	ctx := context.Background()

	renamed, err := b.Rename(ctx, "/src/a.txt", "c.txt")
	require.NoError(t, err)
	assert.Equal(t, "/src/c.txt", renamed.ID)

	moved, err := b.Move(ctx, "/src/c.txt", "/dst", "")
	require.NoError(t, err)
	assert.Equal(t, "/dst/c.txt", moved.ID)
	assert.Equal(t, "/dst", moved.ParentID)

	_, err = b.Move(ctx, "/dst/c.txt", "/dst", ".keep")
	assert.ErrorIs(t, err, boxfs.ErrExist)

	_, err = b.Move(ctx, "/src", "/src/sub", "")
	assert.ErrorIs(t, err, boxfs.ErrInvalid)

	copied, err := b.Copy(ctx, "/src", "/dst", "tree")
	require.NoError(t, err)
	assert.True(t, copied.IsDir())
	data, err := os.ReadFile(filepath.Join(dir, "dst", "tree", "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))

	_, err = b.Copy(ctx, "/dst/c.txt", "/dst", ".keep")
	assert.ErrorIs(t, err, boxfs.ErrExist)

	_, err = b.Copy(ctx, "/src", "/src/sub", "")
	assert.ErrorIs(t, err, boxfs.ErrInvalid)
}

func TestDownloadFolder(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.Download(context.Background(), "/")
	assert.ErrorIs(t, err, boxfs.ErrIsDir)
}

func TestIDsCannotEscapeRoot(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	// Dot segments are cleaned against the root, not the host filesystem.
	_, err := b.Download(ctx, "/../../etc/passwd")
	assert.ErrorIs(t, err, boxfs.ErrNotFound)

	assert.True(t, isPathUnderRoot("/srv/data", "/srv/data/a"))
	assert.False(t, isPathUnderRoot("/srv/data", "/srv/other"))
	assert.False(t, isPathUnderRoot("/srv/data", "/srv"))

	_, err = b.ListChildren(ctx, "relative", "", 10)
	assert.ErrorIs(t, err, boxfs.ErrInvalid)
}

func TestPermissionsFromMode(t *testing.T) {
	assert.Equal(t, boxfs.PermAll, permissions(0o644))
	assert.Equal(t, boxfs.PermDownload|boxfs.PermPreview|boxfs.PermShare, permissions(0o444))
	assert.Equal(t, boxfs.Permissions(0), permissions(0o000))
}

func TestDriverOverLocal(t *testing.T) {
	b, dir := newTestBackend(t)
	writeFile(t, dir, "docs/readme.md", "# hello")
	ctx := context.Background()

	d, err := boxfs.NewDriver(ctx, b)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.MkdirAll(ctx, "/archive/2024"))
	w, err := d.Create(ctx, "/archive/2024/notes.txt")
	require.NoError(t, err)
	_, err = io.WriteString(w, "remember")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// A move changes local IDs; the driver must forget the old ones.
	require.NoError(t, d.Rename(ctx, "/archive", "/docs/archive", boxfs.MoveOptions{}))
	r, err := d.Open(ctx, "/docs/archive/2024/notes.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "remember", string(data))

	names, err := d.ReadDir(ctx, "/docs")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"readme.md", "archive"}, names)

	_, err = d.Stat(ctx, "/archive")
	assert.ErrorIs(t, err, boxfs.ErrNotFound)

	require.NoError(t, d.Copy(ctx, "/docs/readme.md", "/readme.md", boxfs.CopyOptions{}))
	_, err = os.Stat(filepath.Join(dir, "readme.md"))
	require.NoError(t, err)
}

func TestRegisteredAsLocal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "a")

	d, err := boxfs.New(context.Background(), boxfs.Config{Backend: "local", LocalRoot: dir})
	require.NoError(t, err)
	defer d.Close()

	ok, err := d.Exists(context.Background(), "/a.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}
