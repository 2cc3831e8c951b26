package box

import (
	"context"

	"github.com/gobeaver/boxfs/boxfs"
)

func init() {
	boxfs.RegisterBackend("box", func(ctx context.Context, cfg boxfs.Config) (boxfs.Backend, error) {
		return New(ctx, Config{
			AccessToken: cfg.BoxAccessToken,
			APIURL:      cfg.BoxAPIURL,
			UploadURL:   cfg.BoxUploadURL,
			RootID:      cfg.BoxRootID,
			RateLimit:   cfg.BoxRateLimit,
			MaxRetries:  cfg.BoxMaxRetries,
		})
	})
}
