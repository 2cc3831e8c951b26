package boxfs

import (
	"strings"
	"time"
)

// Kind distinguishes files from folders.
type Kind int

const (
	KindFile Kind = iota
	KindFolder
)

func (k Kind) String() string {
	if k == KindFolder {
		return "folder"
	}
	return "file"
}

// Permissions is the set of actions the remote store allows on an item.
// A zero set means the backend did not report permissions.
type Permissions uint16

const (
	PermDownload Permissions = 1 << iota
	PermUpload
	PermRename
	PermDelete
	PermShare
	PermPreview
)

// PermAll is what backends without a permission model report.
const PermAll = PermDownload | PermUpload | PermRename | PermDelete | PermShare | PermPreview

// Has reports whether every permission in q is present.
func (p Permissions) Has(q Permissions) bool {
	return p&q == q
}

func (p Permissions) String() string {
	if p == 0 {
		return "unknown"
	}
	var names []string
	for _, perm := range []struct {
		bit  Permissions
		name string
	}{
		{PermDownload, "download"},
		{PermUpload, "upload"},
		{PermRename, "rename"},
		{PermDelete, "delete"},
		{PermShare, "share"},
		{PermPreview, "preview"},
	} {
		if p&perm.bit != 0 {
			names = append(names, perm.name)
		}
	}
	return strings.Join(names, "|")
}

// Item is a snapshot of a remote file or folder, captured when it was
// fetched. It is never updated in place; mutations produce a new Item.
type Item struct {
	ID          string
	Name        string
	Kind        Kind
	Size        int64
	CreatedAt   time.Time
	ModifiedAt  time.Time
	ParentID    string
	Permissions Permissions
}

// IsDir reports whether the item is a folder.
func (i Item) IsDir() bool {
	return i.Kind == KindFolder
}

// Page is one page of a folder listing.
type Page struct {
	Items []Item
	// NextToken is empty when the listing is complete.
	NextToken string
}

// Space reports storage usage. Unknown values are -1.
type Space struct {
	Total  int64
	Used   int64
	Usable int64
}
