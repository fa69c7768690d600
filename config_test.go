package wsserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cdr.dev/slog"

	"nhooyr.io/wsserver/internal/test/assert"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	assert.Success(t, DefaultConfig().Validate())
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "wsserver.yaml")
	err := os.WriteFile(p, []byte(`
addr: 127.0.0.1:9000
worker_num: 4
timeout: 3s
allowed_origins:
  - example.com
`), 0o600)
	assert.Success(t, err)

	cfg, err := LoadConfigFile(p, DefaultConfig())
	assert.Success(t, err)
	assert.Equal(t, "addr", "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, "workers", 4, cfg.WorkerNum)
	assert.Equal(t, "timeout", 3*time.Second, cfg.Timeout)
	assert.Equal(t, "origins", []string{"example.com"}, cfg.AllowedOrigins)
	// Untouched keys keep their defaults.
	assert.Equal(t, "fragment", DefaultConfig().FragmentSize, cfg.FragmentSize)

	_, err = LoadConfigFile(filepath.Join(dir, "missing.yaml"), DefaultConfig())
	assert.Error(t, err)

	err = os.WriteFile(p, []byte("addr: [\n"), 0o600)
	assert.Success(t, err)
	_, err = LoadConfigFile(p, DefaultConfig())
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Addr = ""
	cfg.WorkerNum = 0
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err, "addr is empty")
	assert.Contains(t, err, "worker_num")
	assert.Contains(t, err, "loud")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	lvl, err := ParseLevel("DEBUG")
	assert.Success(t, err)
	assert.Equal(t, "level", slog.LevelDebug, lvl)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.LogFile = filepath.Join(t.TempDir(), "ws.log")
	cfg.LogLevel = "debug"

	log, closer, err := NewLogger(cfg)
	assert.Success(t, err)
	log.Info(context.Background(), "hello file")
	log.Sync()
	assert.Success(t, closer.Close())

	b, err := os.ReadFile(cfg.LogFile)
	assert.Success(t, err)
	assert.Contains(t, string(b), "hello file")
}
