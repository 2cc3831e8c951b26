package boxfs

import (
	"context"
	"errors"
	"path"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/gobeaver/boxfs/metrics"
)

// DirEntry is one child in a folder listing.
type DirEntry struct {
	Name string
	Item Item
}

// EntryCache maps absolute paths to item snapshots and folder paths to
// their listings. The root is pinned. Failed lookups are never cached.
//
// Both maps are guarded by one lock so a path and its folder listing are
// always updated together: whenever a listing for F and an entry for F/x are
// both cached, x appears in the listing.
//
// Paths changed by this driver are remembered in touched. A listing fetched
// from the backend never overrides them: a touched path with an entry is
// kept even when the store does not list it yet, and a touched path without
// one stays gone.
type EntryCache struct {
	mu       sync.RWMutex
	entries  map[string]Item
	listings map[string][]string
	touched  map[string]struct{}
	fetching int

	root              Item
	enum              *Enumerator
	group             singleflight.Group
	ignoreAppleDouble bool
}

// NewEntryCache returns a cache pinned at root that fills itself through enum.
func NewEntryCache(root Item, enum *Enumerator, ignoreAppleDouble bool) *EntryCache {
	return &EntryCache{
		entries:           map[string]Item{"/": root},
		listings:          make(map[string][]string),
		touched:           make(map[string]struct{}),
		root:              root,
		enum:              enum,
		ignoreAppleDouble: ignoreAppleDouble,
	}
}

// Root returns the pinned root item.
func (c *EntryCache) Root() Item {
	return c.root
}

// Get resolves p, fetching folder listings along the way for every segment
// that is not yet cached.
func (c *EntryCache) Get(ctx context.Context, p string) (Item, error) {
	p = cleanPath(p)
	if c.ignoreAppleDouble && isAppleDouble(path.Base(p)) {
		return Item{}, &PathError{Op: "stat", Path: p, Err: ErrNotFound}
	}

	c.mu.RLock()
	item, ok := c.entries[p]
	c.mu.RUnlock()
	if ok {
		metrics.RecordCacheHit()
		return item, nil
	}
	metrics.RecordCacheMiss()

	cur, curPath := c.root, "/"
	for _, seg := range strings.Split(p[1:], "/") {
		next := joinPath(curPath, seg)

		c.mu.RLock()
		item, ok := c.entries[next]
		c.mu.RUnlock()
		if !ok {
			if !cur.IsDir() {
				return Item{}, &PathError{Op: "stat", Path: p, Err: ErrNotFound}
			}
			if _, err := c.listing(ctx, curPath, cur); err != nil {
				return Item{}, pathError("stat", p, err)
			}
			c.mu.RLock()
			item, ok = c.entries[next]
			c.mu.RUnlock()
			if !ok {
				return Item{}, &PathError{Op: "stat", Path: p, Err: ErrNotFound}
			}
		}
		cur, curPath = item, next
	}
	return cur, nil
}

// Children returns the listing of the folder at dir, fetching it once if it
// is not cached.
func (c *EntryCache) Children(ctx context.Context, dir string) ([]DirEntry, error) {
	dir = cleanPath(dir)
	folder, err := c.Get(ctx, dir)
	if err != nil {
		return nil, pathError("readdir", dir, err)
	}
	if !folder.IsDir() {
		return nil, &PathError{Op: "readdir", Path: dir, Err: ErrNotDir}
	}

	paths, err := c.listing(ctx, dir, folder)
	if err != nil {
		return nil, pathError("readdir", dir, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]DirEntry, 0, len(paths))
	for _, p := range paths {
		if item, ok := c.entries[p]; ok {
			out = append(out, DirEntry{Name: path.Base(p), Item: item})
		}
	}
	return out, nil
}

// ChildCount returns how many children the folder at dir has, using the
// cached listing when there is one.
func (c *EntryCache) ChildCount(ctx context.Context, dir string) (int, error) {
	children, err := c.Children(ctx, dir)
	if err != nil {
		return 0, err
	}
	return len(children), nil
}

// listing returns the child paths of folder, fetching and storing them when
// absent. Concurrent fetches of the same folder share one enumeration; a
// caller only gives up on its own context, and joins again when the fetch it
// waited on was cancelled by another caller.
func (c *EntryCache) listing(ctx context.Context, dir string, folder Item) ([]string, error) {
	for {
		c.mu.RLock()
		paths, ok := c.listings[dir]
		c.mu.RUnlock()
		if ok {
			return slices.Clone(paths), nil
		}

		var led bool
		ch := c.group.DoChan(dir, func() (interface{}, error) {
			led = true
			return c.fetch(ctx, dir, folder)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				if !led && ctx.Err() == nil && isContextErr(res.Err) {
					continue
				}
				return nil, res.Err
			}
			return slices.Clone(res.Val.([]string)), nil
		}
	}
}

func (c *EntryCache) fetch(ctx context.Context, dir string, folder Item) ([]string, error) {
	c.mu.Lock()
	if paths, ok := c.listings[dir]; ok {
		c.mu.Unlock()
		return paths, nil
	}
	c.fetching++
	c.mu.Unlock()

	items, err := c.enum.List(ctx, dir, folder)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.doneFetchingLocked()
	if err != nil {
		return nil, err
	}
	return c.storeListingLocked(dir, folder, items)
}

func (c *EntryCache) storeListingLocked(dir string, folder Item, items []Item) ([]string, error) {
	if existing, ok := c.listings[dir]; ok {
		return existing, nil
	}
	// The folder was removed or replaced while its listing was in flight.
	if cur, ok := c.entries[dir]; !ok || cur.ID != folder.ID {
		return nil, ErrNotFound
	}

	paths := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		p := joinPath(dir, item.Name)
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if _, ok := c.touched[p]; ok {
			if _, live := c.entries[p]; live {
				// The store has caught up with this write.
				delete(c.touched, p)
				paths = append(paths, p)
			}
			continue
		}
		if old, ok := c.entries[p]; ok && old.ID != item.ID {
			c.dropBelowLocked(p)
		}
		c.entries[p] = item
		paths = append(paths, p)
	}

	// Children this driver created that the store does not list yet.
	for p := range c.touched {
		if _, ok := seen[p]; ok {
			continue
		}
		if _, live := c.entries[p]; !live {
			continue
		}
		if parent, _ := splitPath(p); parent == dir && p != "/" {
			paths = append(paths, p)
		}
	}
	// Entries left over from an older listing that the store no longer has.
	for p := range c.entries {
		if _, ok := seen[p]; ok || p == "/" {
			continue
		}
		if _, ok := c.touched[p]; ok {
			continue
		}
		if parent, _ := splitPath(p); parent == dir {
			delete(c.entries, p)
			c.dropBelowLocked(p)
		}
	}

	c.listings[dir] = paths
	return paths, nil
}

// doneFetchingLocked forgets removed paths once no fetch can still return them.
func (c *EntryCache) doneFetchingLocked() {
	c.fetching--
	if c.fetching > 0 {
		return
	}
	for p := range c.touched {
		if _, live := c.entries[p]; !live {
			delete(c.touched, p)
		}
	}
}

// touchLocked marks p as written by this driver.
func (c *EntryCache) touchLocked(p string) {
	c.touched[p] = struct{}{}
}

// tombstoneLocked marks p as removed by this driver. Only fetches already in
// flight can bring it back, so nothing is recorded when there are none.
func (c *EntryCache) tombstoneLocked(p string) {
	if c.fetching > 0 {
		c.touched[p] = struct{}{}
	} else {
		delete(c.touched, p)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Contains reports whether p is cached. It never contacts the backend.
func (c *EntryCache) Contains(p string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[cleanPath(p)]
	return ok
}

// Add records item at p and adds it to the parent listing if that is cached.
func (c *EntryCache) Add(p string, item Item) {
	c.add(cleanPath(p), item, false)
}

// AddCreated records a newly created item. A new folder is known to be
// empty, so its listing is cached without asking the backend.
func (c *EntryCache) AddCreated(p string, item Item) {
	c.add(cleanPath(p), item, item.IsDir())
}

func (c *EntryCache) add(p string, item Item, emptyFolder bool) {
	if p == "/" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[p]; ok && old.ID != item.ID {
		c.dropBelowLocked(p)
	}
	c.entries[p] = item
	c.touchLocked(p)
	c.linkLocked(p)
	if emptyFolder {
		c.listings[p] = []string{}
	}
}

// Remove forgets p, everything below it and its place in the parent listing.
func (c *EntryCache) Remove(p string) {
	p = cleanPath(p)
	if p == "/" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, p)
	c.dropBelowLocked(p)
	c.unlinkLocked(p)
	c.tombstoneLocked(p)
}

// Move re-keys the entry at from to to, recording item as the new snapshot.
// When the item kept its ID the cached subtree follows it; otherwise the
// store addresses items by path and the subtree is dropped.
func (c *EntryCache) Move(from, to string, item Item) {
	from, to = cleanPath(from), cleanPath(to)
	if from == "/" || to == "/" || from == to {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	old, had := c.entries[from]
	delete(c.entries, from)
	c.unlinkLocked(from)

	if _, ok := c.entries[to]; ok {
		delete(c.entries, to)
		c.dropBelowLocked(to)
	}

	if had && old.ID == item.ID {
		c.rebaseLocked(from, to)
	} else {
		c.dropBelowLocked(from)
	}

	c.entries[to] = item
	c.tombstoneLocked(from)
	c.touchLocked(to)
	c.linkLocked(to)
}

// Invalidate forgets p, everything below it and the listing of its parent,
// so the next lookup asks the backend again.
func (c *EntryCache) Invalidate(p string) {
	p = cleanPath(p)
	c.mu.Lock()
	defer c.mu.Unlock()

	if p == "/" {
		c.flushLocked()
		return
	}
	delete(c.entries, p)
	delete(c.touched, p)
	c.dropBelowLocked(p)
	parent, _ := splitPath(p)
	delete(c.listings, parent)
}

// Flush forgets everything except the root.
func (c *EntryCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *EntryCache) flushLocked() {
	c.entries = map[string]Item{"/": c.root}
	c.listings = make(map[string][]string)
	c.touched = make(map[string]struct{})
}

// dropBelowLocked forgets every entry strictly below p and every listing at
// or below p.
func (c *EntryCache) dropBelowLocked(p string) {
	for k := range c.entries {
		if isWithin(k, p) {
			delete(c.entries, k)
		}
	}
	for k := range c.touched {
		if isWithin(k, p) {
			delete(c.touched, k)
		}
	}
	for k := range c.listings {
		if k == p || isWithin(k, p) {
			delete(c.listings, k)
		}
	}
}

func (c *EntryCache) rebaseLocked(from, to string) {
	entries := make(map[string]Item)
	for k, v := range c.entries {
		if isWithin(k, from) {
			delete(c.entries, k)
			entries[rebase(k, from, to)] = v
		}
	}
	listings := make(map[string][]string)
	for k, paths := range c.listings {
		if k != from && !isWithin(k, from) {
			continue
		}
		moved := make([]string, len(paths))
		for i, p := range paths {
			moved[i] = rebase(p, from, to)
		}
		delete(c.listings, k)
		listings[rebase(k, from, to)] = moved
	}
	for k, v := range entries {
		c.entries[k] = v
	}
	var touched []string
	for k := range c.touched {
		if isWithin(k, from) {
			delete(c.touched, k)
			touched = append(touched, rebase(k, from, to))
		}
	}
	for _, k := range touched {
		c.touched[k] = struct{}{}
	}
	for k, v := range listings {
		c.listings[k] = v
	}
}

func (c *EntryCache) linkLocked(p string) {
	parent, _ := splitPath(p)
	paths, ok := c.listings[parent]
	if !ok || slices.Contains(paths, p) {
		return
	}
	c.listings[parent] = append(paths, p)
}

func (c *EntryCache) unlinkLocked(p string) {
	parent, _ := splitPath(p)
	paths, ok := c.listings[parent]
	if !ok {
		return
	}
	if i := slices.Index(paths, p); i >= 0 {
		c.listings[parent] = slices.Delete(slices.Clone(paths), i, i+1)
	}
}
