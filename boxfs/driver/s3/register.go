package s3

import (
	"context"

	"github.com/gobeaver/boxfs/boxfs"
)

func init() {
	boxfs.RegisterBackend("s3", func(ctx context.Context, cfg boxfs.Config) (boxfs.Backend, error) {
		return New(ctx, Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Prefix:          cfg.S3Prefix,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
	})
}
