package local

import (
	"context"

	"github.com/gobeaver/boxfs/boxfs"
)

func init() {
	boxfs.RegisterBackend("local", func(ctx context.Context, cfg boxfs.Config) (boxfs.Backend, error) {
		return New(cfg.LocalRoot)
	})
}
