package boxfs

import (
	"errors"
	"io/fs"
)

// kindError is a sentinel that also matches its io/fs counterpart, so callers
// can use either errors.Is(err, boxfs.ErrNotFound) or errors.Is(err, fs.ErrNotExist).
type kindError struct {
	msg string
	std error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Is(target error) bool {
	return e.std != nil && target == e.std
}

// Error taxonomy. Backends translate their own failures into these.
var (
	ErrNotFound     error = &kindError{"file does not exist", fs.ErrNotExist}
	ErrExist        error = &kindError{"file already exists", fs.ErrExist}
	ErrNotDir       error = &kindError{"not a directory", nil}
	ErrIsDir        error = &kindError{"is a directory", nil}
	ErrNotEmpty     error = &kindError{"directory not empty", nil}
	ErrPermission   error = &kindError{"permission denied", fs.ErrPermission}
	ErrInvalid      error = &kindError{"invalid argument", fs.ErrInvalid}
	ErrTransfer     error = &kindError{"transfer failed", nil}
	ErrTimeout      error = &kindError{"transfer did not finish in time", nil}
	ErrRemote       error = &kindError{"remote service error", nil}
	ErrIO           error = &kindError{"i/o error", nil}
	ErrNotSupported error = &kindError{"operation not supported", errors.ErrUnsupported}
	ErrClosed       error = &kindError{"file already closed", fs.ErrClosed}
)

// PathError records an error and the operation and path that caused it.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// pathError wraps err for op on p. An inner *PathError is unwrapped first so
// the caller's operation and path are the ones reported.
func pathError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PathError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	return &PathError{Op: op, Path: p, Err: err}
}

// IsNotExist reports whether err means the path does not exist.
func IsNotExist(err error) bool { return errors.Is(err, ErrNotFound) }

// IsExist reports whether err means the path already exists.
func IsExist(err error) bool { return errors.Is(err, ErrExist) }

// IsPermission reports whether err is an access failure.
func IsPermission(err error) bool { return errors.Is(err, ErrPermission) }

// IsTimeout reports whether a stream close exceeded its join timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
