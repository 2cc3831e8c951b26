package boxfs

import (
	"context"
	"fmt"

	"github.com/gobeaver/boxfs/metrics"
)

// Enumerator lists a folder's children page by page.
type Enumerator struct {
	backend  Backend
	pageSize int
}

// NewEnumerator returns an Enumerator requesting pageSize items per call.
func NewEnumerator(backend Backend, pageSize int) *Enumerator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Enumerator{backend: backend, pageSize: pageSize}
}

// List returns every child of folder in the order the backend reports them.
// Pages are requested until one comes back short or without a next token.
// A failing page fails the whole listing; nothing partial is returned.
func (e *Enumerator) List(ctx context.Context, dir string, folder Item) ([]Item, error) {
	if !folder.IsDir() {
		return nil, &PathError{Op: "list", Path: dir, Err: ErrNotDir}
	}

	var items []Item
	token := ""
	for {
		page, err := e.backend.ListChildren(ctx, folder.ID, token, e.pageSize)
		if err != nil {
			return nil, &PathError{Op: "list", Path: dir, Err: fmt.Errorf("%w: %w", ErrIO, err)}
		}
		items = append(items, page.Items...)
		if len(page.Items) < e.pageSize || page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	metrics.RecordListing()
	return items, nil
}
