// Package config loads struct-based configuration from environment variables,
// with .env file support and per-package prefixes.
//
// # Basic Usage
//
//	type Config struct {
//	    Backend  string        `env:"BACKEND,default:box"`
//	    PageSize int           `env:"PAGE_SIZE,default:1000"`
//	    Timeout  time.Duration `env:"CLOSE_TIMEOUT,default:5s"`
//	    Token    string        `env:"BOX_ACCESS_TOKEN,required"`
//	}
//
//	var cfg Config
//	if err := config.Load(&cfg); err != nil {
//	    return fmt.Errorf("failed to load config: %w", err)
//	}
//
// Variables are looked up as Prefix+NAME. The prefix defaults to "BOXFS_" and
// can be changed per call:
//
//	err := config.Load(&cfg, config.LoadOptions{Prefix: "MYAPP_"})
//
// # Supported Types
//
//   - string
//   - signed and unsigned integers
//   - float32, float64
//   - bool ("true", "false", "1", "0")
//   - time.Duration ("1h30m", "45s")
//   - []string (comma-separated)
//
// # Environment Files
//
// A .env file in the working directory (or the files named in
// LoadOptions.Files) is loaded first. Variables already present in the
// process environment take precedence.
//
// # Debug Mode
//
// Set PREFIX+CONFIG_DEBUG=true, or LoadOptions.Debug, to print each resolved
// variable. Values of variables whose name contains TOKEN, SECRET or PASSWORD
// are masked.
package config
