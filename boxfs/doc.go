/*
Package boxfs presents an ID-addressed remote store as a path-addressed
filesystem.

Remote stores such as Box name every file and folder by an opaque ID and
expose a small set of capabilities: list a folder, create, delete, copy,
move, download, upload. A Driver layers POSIX-style absolute paths on top.
It resolves paths through an EntryCache, turns downloads and uploads into
bounded io.ReadCloser and io.WriteCloser streams, and maps move and copy
requests onto the minimal sequence of remote calls.

# Backends

A Backend implements the remote capabilities. Backends live in the driver
subpackages and register themselves by name, so a blank import is enough:

	import (
	    "github.com/gobeaver/boxfs/boxfs"
	    _ "github.com/gobeaver/boxfs/boxfs/driver/box"
	)

	d, err := boxfs.New(ctx, boxfs.Config{Backend: "box", BoxAccessToken: token})

Or from BOXFS_* environment variables:

	if err := boxfs.Init(ctx); err != nil {
	    log.Fatal(err)
	}
	d := boxfs.Default()

# Caching

Every resolved path is remembered until this driver changes it. Folder
listings are fetched once. Changes made by other clients are not noticed
until Refresh or Invalidate is called for the affected path.

# Streams

Open and OpenFile return streams backed by a background transfer. Close
waits a bounded time for the transfer (see WithCloseTimeout) and reports
ErrTimeout when it overruns. A write is committed only when Close succeeds.

Moving a file that replaces an existing one is not atomic: the target is
deleted before the source is moved.
*/
package boxfs
