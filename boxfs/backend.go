package boxfs

import (
	"context"
	"io"
)

// Backend is the capability surface of an ID-addressed remote store.
// Every call may block on the network and must honour ctx.
//
// Errors should wrap the package sentinels (ErrNotFound, ErrExist,
// ErrPermission, ErrRemote, ...) so the driver can classify them without
// knowing which store produced them.
type Backend interface {
	// Root returns the root folder. Its ID is stable for the life of the driver.
	Root(ctx context.Context) (Item, error)

	// Item looks up the child called name inside parentID.
	Item(ctx context.Context, parentID, name string) (Item, error)

	// ListChildren returns one page of a folder's children. An empty
	// pageToken requests the first page.
	ListChildren(ctx context.Context, folderID, pageToken string, pageSize int) (Page, error)

	CreateFolder(ctx context.Context, parentID, name string) (Item, error)

	// Delete removes a file or an empty folder.
	Delete(ctx context.Context, item Item) error

	Copy(ctx context.Context, id, destParentID, name string) (Item, error)

	// Move reparents id. An empty name keeps the current name.
	Move(ctx context.Context, id, destParentID, name string) (Item, error)

	Rename(ctx context.Context, id, name string) (Item, error)

	Download(ctx context.Context, id string) (io.ReadCloser, error)

	// Upload creates a new file by consuming r until EOF.
	Upload(ctx context.Context, parentID, name string, r io.Reader) (Item, error)

	// UploadVersion replaces the content of an existing file.
	UploadVersion(ctx context.Context, id string, r io.Reader) (Item, error)
}

// SpaceReporter is implemented by backends that can report storage usage.
type SpaceReporter interface {
	Space(ctx context.Context) (Space, error)
}

// Closer is implemented by backends holding resources that outlive a call.
type Closer interface {
	Close() error
}
