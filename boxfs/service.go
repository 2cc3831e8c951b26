package boxfs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gobeaver/boxfs/config"
)

// BackendFactory builds a Backend from configuration.
type BackendFactory func(ctx context.Context, cfg Config) (Backend, error)

var (
	registryMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
)

// Global instance
var (
	defaultDriver *Driver
	defaultOnce   sync.Once
	defaultErr    error
)

var (
	ErrNotInitialized = errors.New("boxfs: driver not initialized")
	ErrUnknownBackend = errors.New("boxfs: unknown backend")
)

// RegisterBackend makes a backend available by name. Backend packages call
// it from init, so importing them for side effects is enough.
func RegisterBackend(name string, factory BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("boxfs: RegisterBackend factory is nil")
	}
	if _, dup := backends[name]; dup {
		panic("boxfs: RegisterBackend called twice for backend " + name)
	}
	backends[name] = factory
}

// Backends returns the sorted names of the registered backends.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates a driver over the backend named in cfg.
func New(ctx context.Context, cfg Config) (*Driver, error) {
	registryMu.RLock()
	factory, ok := backends[cfg.Backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}

	backend, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("boxfs: create %s backend: %w", cfg.Backend, err)
	}
	return NewDriver(ctx, backend, cfg.options()...)
}

// Builder creates drivers from environment variables under a custom prefix.
type Builder struct {
	prefix string
}

// WithPrefix creates a new Builder with the specified prefix
func WithPrefix(prefix string) *Builder {
	return &Builder{prefix: prefix}
}

// Init initializes the global driver using the builder's prefix
func (b *Builder) Init(ctx context.Context) error {
	cfg, err := GetConfig(config.LoadOptions{Prefix: b.prefix})
	if err != nil {
		return err
	}
	return Init(ctx, *cfg)
}

// New creates a driver using the builder's prefix
func (b *Builder) New(ctx context.Context) (*Driver, error) {
	cfg, err := GetConfig(config.LoadOptions{Prefix: b.prefix})
	if err != nil {
		return nil, err
	}
	return New(ctx, *cfg)
}

// Init initializes the global driver with optional config. Without a config
// it is loaded from BOXFS_* environment variables.
func Init(ctx context.Context, configs ...Config) error {
	defaultOnce.Do(func() {
		var cfg *Config
		if len(configs) > 0 {
			cfg = &configs[0]
		} else {
			cfg, defaultErr = GetConfig()
			if defaultErr != nil {
				return
			}
		}
		defaultDriver, defaultErr = New(ctx, *cfg)
	})
	return defaultErr
}

// Default returns the global driver, or nil if Init failed or was never called.
func Default() *Driver {
	return defaultDriver
}

// Reset closes the global driver and clears it (for testing)
func Reset() error {
	var err error
	if defaultDriver != nil {
		err = defaultDriver.Close()
	}
	defaultDriver = nil
	defaultErr = nil
	defaultOnce = sync.Once{}
	return err
}
