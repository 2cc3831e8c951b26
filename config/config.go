package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultPrefix is prepended to every variable name unless LoadOptions says otherwise.
const DefaultPrefix = "BOXFS_"

// LoadOptions defines options for loading configuration from environment variables.
type LoadOptions struct {
	Prefix string // Prefix to prepend to environment variable names (default: "BOXFS_")
	Debug  bool   // Print every resolved variable to stdout
	Files  []string
}

// Load populates a struct from .env files and environment variables using reflection.
//
// Struct fields are mapped with the env tag:
//   - `env:"VAR_NAME"`: maps the field to PREFIX+VAR_NAME
//   - `env:"VAR_NAME,default:value"`: value used when the variable is unset
//   - `env:"VAR_NAME,required"`: Load fails when the variable is unset and has no default
//
// Example:
//
//	type Config struct {
//	    Token   string        `env:"BOX_ACCESS_TOKEN,required"`
//	    Timeout time.Duration `env:"CLOSE_TIMEOUT,default:5s"`
//	}
//
//	var cfg Config
//	err := config.Load(&cfg, config.LoadOptions{Prefix: "MYAPP_"})
func Load(cfg interface{}, opts ...LoadOptions) error {
	options := LoadOptions{Prefix: DefaultPrefix}
	if len(opts) > 0 {
		options = opts[0]
	}

	// Missing .env files are not an error
	_ = godotenv.Load(options.Files...)

	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: expected pointer to struct, got %T", cfg)
	}
	v := rv.Elem()
	t := v.Type()
	printDebug := options.Debug || os.Getenv(options.Prefix+"CONFIG_DEBUG") == "true"

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		envTag := field.Tag.Get("env")
		if envTag == "" {
			continue
		}

		name, defaultValue, required := parseTag(envTag)
		fullEnvName := options.Prefix + name
		value, ok := os.LookupEnv(fullEnvName)
		if !ok || value == "" {
			value = defaultValue
		}
		if printDebug {
			fmt.Printf("[BOXFS] %s=%s\n", fullEnvName, redact(name, value))
		}

		if value == "" {
			if required {
				return fmt.Errorf("config: %s is required", fullEnvName)
			}
			continue
		}
		if err := setFieldValue(v.Field(i), value); err != nil {
			return fmt.Errorf("config: %s: %w", fullEnvName, err)
		}
	}

	return nil
}

func parseTag(tag string) (name, defaultValue string, required bool) {
	parts := strings.Split(tag, ",")
	name = parts[0]
	for i := 1; i < len(parts); i++ {
		part := parts[i]
		switch {
		case strings.HasPrefix(part, "default:"):
			// Defaults may themselves contain commas (list values)
			defaultValue = strings.Join(append([]string{strings.TrimPrefix(part, "default:")}, parts[i+1:]...), ",")
			return name, defaultValue, required
		case part == "required":
			required = true
		}
	}
	return name, defaultValue, required
}

func redact(name, value string) string {
	upper := strings.ToUpper(name)
	if value != "" && (strings.Contains(upper, "TOKEN") || strings.Contains(upper, "SECRET") || strings.Contains(upper, "PASSWORD")) {
		return "****"
	}
	return value
}

// setFieldValue converts a string value to the field's type.
// Unsupported kinds are skipped silently.
func setFieldValue(field reflect.Value, value string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(u)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		var items []string
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return nil
	}
	return nil
}
