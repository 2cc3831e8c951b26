package boxfs

import (
	"time"

	"github.com/gobeaver/boxfs/config"
)

// Defaults for a Driver built without configuration.
const (
	DefaultPageSize     = 1000
	DefaultPipeSize     = 16 * 1024
	DefaultCloseTimeout = 5 * time.Second
	DefaultMaxTransfers = 8
)

type Config struct {
	// Backend to use (box, memory, local, s3)
	Backend string `env:"BACKEND,default:box"`

	// Driver tuning
	PageSize          int           `env:"PAGE_SIZE,default:1000"`
	PipeSize          int           `env:"PIPE_SIZE,default:16384"`
	CloseTimeout      time.Duration `env:"CLOSE_TIMEOUT,default:5s"`
	MaxTransfers      int           `env:"MAX_TRANSFERS,default:8"`
	IgnoreAppleDouble bool          `env:"IGNORE_APPLE_DOUBLE,default:false"`

	// Box backend
	BoxAccessToken string  `env:"BOX_ACCESS_TOKEN"`
	BoxAPIURL      string  `env:"BOX_API_URL,default:https://api.box.com/2.0"`
	BoxUploadURL   string  `env:"BOX_UPLOAD_URL,default:https://upload.box.com/api/2.0"`
	BoxRootID      string  `env:"BOX_ROOT_ID,default:0"`
	BoxRateLimit   float64 `env:"BOX_RATE_LIMIT,default:10"` // requests per second
	BoxMaxRetries  int     `env:"BOX_MAX_RETRIES,default:5"`

	// Local backend
	LocalRoot string `env:"LOCAL_ROOT,default:./storage"`

	// S3 backend
	S3Bucket          string `env:"S3_BUCKET"`
	S3Region          string `env:"S3_REGION,default:us-east-1"`
	S3Prefix          string `env:"S3_PREFIX"`
	S3Endpoint        string `env:"S3_ENDPOINT"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	S3ForcePathStyle  bool   `env:"S3_FORCE_PATH_STYLE,default:false"`
}

// GetConfig returns config loaded from environment
func GetConfig(opts ...config.LoadOptions) (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg, opts...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c Config) options() []Option {
	return []Option{
		WithPageSize(c.PageSize),
		WithPipeSize(c.PipeSize),
		WithCloseTimeout(c.CloseTimeout),
		WithMaxTransfers(c.MaxTransfers),
		WithIgnoreAppleDouble(c.IgnoreAppleDouble),
	}
}

// Option configures a Driver.
type Option func(*options)

type options struct {
	pageSize          int
	pipeSize          int
	closeTimeout      time.Duration
	maxTransfers      int
	ignoreAppleDouble bool
	root              *Item
}

func defaultOptions() options {
	return options{
		pageSize:     DefaultPageSize,
		pipeSize:     DefaultPipeSize,
		closeTimeout: DefaultCloseTimeout,
		maxTransfers: DefaultMaxTransfers,
	}
}

// WithPageSize sets the folder listing page size. Non-positive values are ignored.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithPipeSize sets the buffer between a stream and its transfer task.
func WithPipeSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pipeSize = n
		}
	}
}

// WithCloseTimeout bounds how long closing a stream waits for its transfer.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.closeTimeout = d
		}
	}
}

// WithMaxTransfers bounds the number of transfers running at once.
func WithMaxTransfers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTransfers = n
		}
	}
}

// WithIgnoreAppleDouble makes "._*" names resolve as not found without
// asking the backend. macOS probes for them on every file it touches.
func WithIgnoreAppleDouble(ignore bool) Option {
	return func(o *options) {
		o.ignoreAppleDouble = ignore
	}
}

// WithRoot pins the root item and skips fetching it when the driver starts.
func WithRoot(root Item) Option {
	return func(o *options) {
		o.root = &root
	}
}
