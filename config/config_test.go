package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test struct with various field types
type TestConfig struct {
	StringField   string        `env:"TEST_STRING"`
	IntField      int           `env:"TEST_INT"`
	Int64Field    int64         `env:"TEST_INT64"`
	BoolField     bool          `env:"TEST_BOOL"`
	DurationField time.Duration `env:"TEST_DURATION,default:5s"`
	ListField     []string      `env:"TEST_LIST,default:a,b"`
	DefaultField  string        `env:"TEST_DEFAULT,default:defaultValue"`
	NoTagField    string        // Field without env tag
}

var testVars = []string{"TEST_STRING", "TEST_INT", "TEST_INT64", "TEST_BOOL", "TEST_DURATION", "TEST_LIST", "TEST_DEFAULT"}

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected TestConfig
		wantErr  bool
	}{
		{
			name: "all fields set from environment",
			envVars: map[string]string{
				"TEST_STRING":   "hello",
				"TEST_INT":      "42",
				"TEST_INT64":    "9223372036854775807",
				"TEST_BOOL":     "true",
				"TEST_DURATION": "250ms",
				"TEST_LIST":     "x, y ,z",
			},
			expected: TestConfig{
				StringField:   "hello",
				IntField:      42,
				Int64Field:    9223372036854775807,
				BoolField:     true,
				DurationField: 250 * time.Millisecond,
				ListField:     []string{"x", "y", "z"},
				DefaultField:  "defaultValue",
			},
		},
		{
			name: "override default value",
			envVars: map[string]string{
				"TEST_DEFAULT": "overridden",
			},
			expected: TestConfig{
				DurationField: 5 * time.Second,
				ListField:     []string{"a", "b"},
				DefaultField:  "overridden",
			},
		},
		{
			name:    "invalid int value",
			envVars: map[string]string{"TEST_INT": "not-a-number"},
			wantErr: true,
		},
		{
			name:    "invalid bool value",
			envVars: map[string]string{"TEST_BOOL": "not-a-bool"},
			wantErr: true,
		},
		{
			name:    "invalid duration value",
			envVars: map[string]string{"TEST_DURATION": "soon"},
			wantErr: true,
		},
		{
			name:    "empty environment leaves zero values",
			envVars: map[string]string{},
			expected: TestConfig{
				DurationField: 5 * time.Second,
				ListField:     []string{"a", "b"},
				DefaultField:  "defaultValue",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, name := range testVars {
				os.Unsetenv("APP_" + name)
			}
			for k, v := range tt.envVars {
				t.Setenv("APP_"+k, v)
			}

			cfg := &TestConfig{}
			err := Load(cfg, LoadOptions{Prefix: "APP_"})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, *cfg)
		})
	}
}

func TestLoadDefaultPrefix(t *testing.T) {
	t.Setenv("BOXFS_TEST_STRING", "prefixed")
	t.Setenv("TEST_STRING", "bare")

	cfg := &TestConfig{}
	require.NoError(t, Load(cfg))
	assert.Equal(t, "prefixed", cfg.StringField)
}

func TestLoadRequired(t *testing.T) {
	type required struct {
		Token string `env:"TOKEN,required"`
	}

	cfg := &required{}
	err := Load(cfg, LoadOptions{Prefix: "REQ_"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REQ_TOKEN")

	t.Setenv("REQ_TOKEN", "abc")
	require.NoError(t, Load(cfg, LoadOptions{Prefix: "REQ_"}))
	assert.Equal(t, "abc", cfg.Token)
}

func TestLoadRejectsNonPointer(t *testing.T) {
	var cfg TestConfig
	assert.Error(t, Load(cfg))
}

func TestLoadDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("DOTENV_TEST_STRING=from-file\nDOTENV_TEST_INT=7\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("DOTENV_TEST_STRING")
		os.Unsetenv("DOTENV_TEST_INT")
	})

	// Process environment wins over the file
	t.Setenv("DOTENV_TEST_INT", "9")

	cfg := &TestConfig{}
	require.NoError(t, Load(cfg, LoadOptions{Prefix: "DOTENV_", Files: []string{envFile}}))
	assert.Equal(t, "from-file", cfg.StringField)
	assert.Equal(t, 9, cfg.IntField)
}

func TestParseTag(t *testing.T) {
	name, def, req := parseTag("NAME,required,default:x,y")
	assert.Equal(t, "NAME", name)
	assert.Equal(t, "x,y", def)
	assert.True(t, req)

	name, def, req = parseTag("PLAIN")
	assert.Equal(t, "PLAIN", name)
	assert.Empty(t, def)
	assert.False(t, req)
}
