// Package memory implements an in-process boxfs backend. Items are
// addressed by random IDs and keep them across moves and renames, like
// a real remote store. It counts calls per operation and accepts fault
// hooks, which makes it the backend of choice for tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gobeaver/boxfs/boxfs"
)

// Operation names used by Calls and SetFault.
const (
	OpRoot          = "root"
	OpItem          = "item"
	OpList          = "list_children"
	OpCreateFolder  = "create_folder"
	OpDelete        = "delete"
	OpCopy          = "copy"
	OpMove          = "move"
	OpRename        = "rename"
	OpDownload      = "download"
	OpUpload        = "upload"
	OpUploadVersion = "upload_version"
)

const rootID = "0"

type node struct {
	item     boxfs.Item
	data     []byte
	children []string // child IDs in creation order
}

// Config holds memory backend configuration
type Config struct {
	// Quota is reported as total space. Zero means unknown.
	Quota int64
	// StrictEmptyUploads rejects streamed uploads that carry no bytes, the
	// way remote stores reject empty chunked uploads. Uploads from a
	// *bytes.Reader are always accepted.
	StrictEmptyUploads bool
	// Permissions given to new files. Zero means boxfs.PermAll.
	Permissions boxfs.Permissions
}

// Hooks let tests interfere with transfers.
type Hooks struct {
	// Download wraps the content reader returned by Download.
	Download func(r io.ReadCloser) io.ReadCloser
	// Upload runs after upload content has been consumed and before the
	// item is stored. A non-nil error fails the upload.
	Upload func(ctx context.Context) error
}

// Backend is an in-memory boxfs.Backend.
type Backend struct {
	mu     sync.RWMutex
	nodes  map[string]*node
	calls  map[string]int
	faults map[string]error
	hooks  Hooks
	cfg    Config
}

var _ boxfs.Backend = (*Backend)(nil)
var _ boxfs.SpaceReporter = (*Backend)(nil)

// New creates an empty store holding only the root folder.
func New(cfg Config) *Backend {
	if cfg.Permissions == 0 {
		cfg.Permissions = boxfs.PermAll
	}
	now := time.Now()
	return &Backend{
		nodes: map[string]*node{
			rootID: {item: boxfs.Item{
				ID:          rootID,
				Name:        "All Files",
				Kind:        boxfs.KindFolder,
				CreatedAt:   now,
				ModifiedAt:  now,
				Permissions: boxfs.PermAll,
			}},
		},
		calls:  make(map[string]int),
		faults: make(map[string]error),
		cfg:    cfg,
	}
}

// Calls returns how many times op was invoked.
func (b *Backend) Calls(op string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (b *Backend) TotalCalls() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, n := range b.calls {
		total += n
	}
	return total
}

// ResetCalls zeroes the call counters.
func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = make(map[string]int)
}

// SetFault makes every call of op fail with err. A nil err clears it.
func (b *Backend) SetFault(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.faults, op)
		return
	}
	b.faults[op] = err
}

// SetHooks replaces the transfer hooks.
func (b *Backend) SetHooks(h Hooks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = h
}

// SetPermissions changes the permissions of the item id.
func (b *Backend) SetPermissions(id string, perms boxfs.Permissions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[id]
	if !ok {
		return boxfs.ErrNotFound
	}
	n.item.Permissions = perms
	return nil
}

// MkdirAll creates the folders along p without counting calls and returns
// the last one. It is meant for seeding tests.
func (b *Backend) MkdirAll(p string) (boxfs.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mkdirAllLocked(p)
}

// WriteFile stores data at p, creating parent folders as needed, without
// counting calls.
func (b *Backend) WriteFile(p string, data []byte) (boxfs.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir, name := path.Split(path.Clean("/" + p))
	parent, err := b.mkdirAllLocked(dir)
	if err != nil {
		return boxfs.Item{}, err
	}
	if id, ok := b.childLocked(parent.ID, name); ok {
		n := b.nodes[id]
		if n.item.IsDir() {
			return boxfs.Item{}, boxfs.ErrIsDir
		}
		n.data = bytes.Clone(data)
		n.item.Size = int64(len(data))
		n.item.ModifiedAt = time.Now()
		return n.item, nil
	}
	n := b.newNodeLocked(parent.ID, name, boxfs.KindFile)
	n.data = bytes.Clone(data)
	n.item.Size = int64(len(data))
	return n.item, nil
}

// ReadFile returns the content stored at p, without counting calls.
func (b *Backend) ReadFile(p string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, err := b.lookupLocked(p)
	if err != nil {
		return nil, err
	}
	if n.item.IsDir() {
		return nil, boxfs.ErrIsDir
	}
	return bytes.Clone(n.data), nil
}

// Lookup returns the item stored at p, without counting calls.
func (b *Backend) Lookup(p string) (boxfs.Item, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, err := b.lookupLocked(p)
	if err != nil {
		return boxfs.Item{}, err
	}
	return n.item, nil
}

func (b *Backend) Root(ctx context.Context) (boxfs.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enterLocked(OpRoot); err != nil {
		return boxfs.Item{}, err
	}
	return b.nodes[rootID].item, nil
}

func (b *Backend) Item(ctx context.Context, parentID, name string) (boxfs.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enterLocked(OpItem); err != nil {
		return boxfs.Item{}, err
	}
	if _, err := b.folderLocked(parentID); err != nil {
		return boxfs.Item{}, err
	}
	id, ok := b.childLocked(parentID, name)
	if !ok {
		return boxfs.Item{}, fmt.Errorf("%w: %s", boxfs.ErrNotFound, name)
	}
	return b.nodes[id].item, nil
}

func (b *Backend) ListChildren(ctx context.Context, folderID, pageToken string, pageSize int) (boxfs.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enterLocked(OpList); err != nil {
		return boxfs.Page{}, err
	}
	folder, err := b.folderLocked(folderID)
	if err != nil {
		return boxfs.Page{}, err
	}

	offset := 0
	if pageToken != "" {
		if offset, err = strconv.Atoi(pageToken); err != nil || offset < 0 {
			return boxfs.Page{}, fmt.Errorf("%w: bad page token %q", boxfs.ErrRemote, pageToken)
		}
	}
	if pageSize <= 0 {
		pageSize = len(folder.children)
	}

	var page boxfs.Page
	end := min(offset+pageSize, len(folder.children))
	for _, id := range folder.children[min(offset, end):end] {
		page.Items = append(page.Items, b.nodes[id].item)
	}
	if end < len(folder.children) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

func (b *Backend) CreateFolder(ctx context.Context, parentID, name string) (boxfs.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enterLocked(OpCreateFolder); err != nil {
		return boxfs.Item{}, err
	}
	if err := b.checkNameLocked(parentID, name); err != nil {
		return boxfs.Item{}, err
	}
	return b.newNodeLocked(parentID, name, boxfs.KindFolder).item, nil
}

func (b *Backend) Delete(ctx context.Context, item boxfs.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enterLocked(OpDelete); err != nil {
		return err
	}
	n, ok := b.nodes[item.ID]
	if !ok {
		return boxfs.ErrNotFound
	}
	if item.ID == rootID {
		return boxfs.ErrPermission
	}
	if len(n.children) > 0 {
		return boxfs.ErrNotEmpty
	}
	b.unlinkLocked(n)
	delete(b.nodes, item.ID)
	return nil
}

func (b *Backend) Copy(ctx context.Context, id, destParentID, name string) (boxfs.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enterLocked(OpCopy); err != nil {
		return boxfs.Item{}, err
	}
	src, ok := b.nodes[id]
	if !ok {
		return boxfs.Item{}, boxfs.ErrNotFound
	}
	if name == "" {
		name = src.item.Name
	}
	if err := b.checkNameLocked(destParentID, name); err != nil {
		return boxfs.Item{}, err
	}
	return b.copyLocked(src, destParentID, name).item, nil
}

func (b *Backend) copyLocked(src *node, parentID, name string) *node {
	n := b.newNodeLocked(parentID, name, src.item.Kind)
	n.data = bytes.Clone(src.data)
	n.item.Size = src.item.Size
	n.item.Permissions = src.item.Permissions
	for _, childID := range slices.Clone(src.children) {
		child := b.nodes[childID]
		b.copyLocked(child, n.item.ID, child.item.Name)
	}
	return b.nodes[n.item.ID]
}

func (b *Backend) Move(ctx context.Context, id, destParentID, name string) (boxfs.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enterLocked(OpMove); err != nil {
		return boxfs.Item{}, err
	}
	n, ok := b.nodes[id]
	if !ok {
		return boxfs.Item{}, boxfs.ErrNotFound
	}
	if name == "" {
		name = n.item.Name
	}
	if _, err := b.folderLocked(destParentID); err != nil {
		return boxfs.Item{}, err
	}
	for p := destParentID; p != ""; p = b.nodes[p].item.ParentID {
		if p == id {
			return boxfs.Item{}, fmt.Errorf("%w: cannot move a folder into itself", boxfs.ErrInvalid)
		}
	}
	if err := b.checkNameLocked(destParentID, name); err != nil {
		return boxfs.Item{}, err
	}

	b.unlinkLocked(n)
	n.item.ParentID = destParentID
	n.item.Name = name
	n.item.ModifiedAt = time.Now()
	parent := b.nodes[destParentID]
	parent.children = append(parent.children, id)
	return n.item, nil
}

func (b *Backend) Rename(ctx context.Context, id, name string) (boxfs.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enterLocked(OpRename); err != nil {
		return boxfs.Item{}, err
	}
	n, ok := b.nodes[id]
	if !ok {
		return boxfs.Item{}, boxfs.ErrNotFound
	}
	if n.item.Name == name {
		return n.item, nil
	}
	if err := b.checkNameLocked(n.item.ParentID, name); err != nil {
		return boxfs.Item{}, err
	}
	n.item.Name = name
	n.item.ModifiedAt = time.Now()
	return n.item, nil
}

func (b *Backend) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enterLocked(OpDownload); err != nil {
		return nil, err
	}
	n, ok := b.nodes[id]
	if !ok {
		return nil, boxfs.ErrNotFound
	}
	if n.item.IsDir() {
		return nil, boxfs.ErrIsDir
	}
	rc := io.NopCloser(bytes.NewReader(bytes.Clone(n.data)))
	if b.hooks.Download != nil {
		rc = b.hooks.Download(rc)
	}
	return rc, nil
}

func (b *Backend) Upload(ctx context.Context, parentID, name string, r io.Reader) (boxfs.Item, error) {
	b.mu.Lock()
	if err := b.enterLocked(OpUpload); err != nil {
		b.mu.Unlock()
		return boxfs.Item{}, err
	}
	if err := b.checkNameLocked(parentID, name); err != nil {
		b.mu.Unlock()
		return boxfs.Item{}, err
	}
	b.mu.Unlock()

	data, err := b.consume(ctx, r)
	if err != nil {
		return boxfs.Item{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// The name may have been taken while the content streamed in.
	if err := b.checkNameLocked(parentID, name); err != nil {
		return boxfs.Item{}, err
	}
	n := b.newNodeLocked(parentID, name, boxfs.KindFile)
	n.data = data
	n.item.Size = int64(len(data))
	n.item.Permissions = b.cfg.Permissions
	return n.item, nil
}

func (b *Backend) UploadVersion(ctx context.Context, id string, r io.Reader) (boxfs.Item, error) {
	b.mu.Lock()
	if err := b.enterLocked(OpUploadVersion); err != nil {
		b.mu.Unlock()
		return boxfs.Item{}, err
	}
	if _, ok := b.nodes[id]; !ok {
		b.mu.Unlock()
		return boxfs.Item{}, boxfs.ErrNotFound
	}
	b.mu.Unlock()

	data, err := b.consume(ctx, r)
	if err != nil {
		return boxfs.Item{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[id]
	if !ok {
		return boxfs.Item{}, boxfs.ErrNotFound
	}
	n.data = data
	n.item.Size = int64(len(data))
	n.item.ModifiedAt = time.Now()
	return n.item, nil
}

// Space reports the bytes stored under the root against the quota.
func (b *Backend) Space(ctx context.Context) (boxfs.Space, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var used int64
	for _, n := range b.nodes {
		used += int64(len(n.data))
	}
	s := boxfs.Space{Total: -1, Used: used, Usable: -1}
	if b.cfg.Quota > 0 {
		s.Total = b.cfg.Quota
		s.Usable = max(b.cfg.Quota-used, 0)
	}
	return s, nil
}

// consume reads an upload body outside the lock.
func (b *Backend) consume(ctx context.Context, r io.Reader) ([]byte, error) {
	_, direct := r.(*bytes.Reader)
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 && !direct && b.cfg.StrictEmptyUploads {
		return nil, fmt.Errorf("%w: empty streamed upload", boxfs.ErrRemote)
	}

	b.mu.RLock()
	hook := b.hooks.Upload
	b.mu.RUnlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (b *Backend) enterLocked(op string) error {
	b.calls[op]++
	return b.faults[op]
}

func (b *Backend) folderLocked(id string) (*node, error) {
	n, ok := b.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: folder %s", boxfs.ErrNotFound, id)
	}
	if !n.item.IsDir() {
		return nil, boxfs.ErrNotDir
	}
	return n, nil
}

func (b *Backend) childLocked(parentID, name string) (string, bool) {
	parent, ok := b.nodes[parentID]
	if !ok {
		return "", false
	}
	for _, id := range parent.children {
		if b.nodes[id].item.Name == name {
			return id, true
		}
	}
	return "", false
}

func (b *Backend) checkNameLocked(parentID, name string) error {
	if _, err := b.folderLocked(parentID); err != nil {
		return err
	}
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%w: bad name %q", boxfs.ErrInvalid, name)
	}
	if _, taken := b.childLocked(parentID, name); taken {
		return fmt.Errorf("%w: %s", boxfs.ErrExist, name)
	}
	return nil
}

func (b *Backend) newNodeLocked(parentID, name string, kind boxfs.Kind) *node {
	now := time.Now()
	n := &node{item: boxfs.Item{
		ID:          uuid.NewString(),
		Name:        name,
		Kind:        kind,
		CreatedAt:   now,
		ModifiedAt:  now,
		ParentID:    parentID,
		Permissions: boxfs.PermAll,
	}}
	b.nodes[n.item.ID] = n
	parent := b.nodes[parentID]
	parent.children = append(parent.children, n.item.ID)
	return n
}

func (b *Backend) unlinkLocked(n *node) {
	parent, ok := b.nodes[n.item.ParentID]
	if !ok {
		return
	}
	for i, id := range parent.children {
		if id == n.item.ID {
			parent.children = append(parent.children[:i:i], parent.children[i+1:]...)
			return
		}
	}
}

func (b *Backend) mkdirAllLocked(p string) (boxfs.Item, error) {
	cur := b.nodes[rootID]
	for _, seg := range strings.Split(path.Clean("/"+p), "/") {
		if seg == "" {
			continue
		}
		if id, ok := b.childLocked(cur.item.ID, seg); ok {
			cur = b.nodes[id]
			if !cur.item.IsDir() {
				return boxfs.Item{}, boxfs.ErrNotDir
			}
			continue
		}
		cur = b.newNodeLocked(cur.item.ID, seg, boxfs.KindFolder)
	}
	return cur.item, nil
}

func (b *Backend) lookupLocked(p string) (*node, error) {
	cur := b.nodes[rootID]
	for _, seg := range strings.Split(path.Clean("/"+p), "/") {
		if seg == "" {
			continue
		}
		id, ok := b.childLocked(cur.item.ID, seg)
		if !ok {
			return nil, boxfs.ErrNotFound
		}
		cur = b.nodes[id]
	}
	return cur, nil
}

// Paths returns every stored path, sorted. Useful in test failure output.
func (b *Backend) Paths() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	var walk func(id, p string)
	walk = func(id, p string) {
		for _, childID := range b.nodes[id].children {
			cp := path.Join(p, b.nodes[childID].item.Name)
			out = append(out, cp)
			walk(childID, cp)
		}
	}
	walk(rootID, "/")
	sort.Strings(out)
	return out
}
