package memory

import (
	"context"

	"github.com/gobeaver/boxfs/boxfs"
)

func init() {
	boxfs.RegisterBackend("memory", func(ctx context.Context, cfg boxfs.Config) (boxfs.Backend, error) {
		return New(Config{}), nil
	})
}
