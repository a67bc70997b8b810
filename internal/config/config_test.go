package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "styxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
  timeout_ms: 5000
logging:
  level: debug
  format: json
state:
  save_window_ms: 250
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, 5*time.Second, cfg.Server.GetTimeout())
	require.Equal(t, zerolog.DebugLevel, cfg.Logging.ParseLevel())
	require.Equal(t, 250*time.Millisecond, cfg.State.GetSaveWindow())
	require.NotEmpty(t, cfg.Paths.DataDir)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "styxy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9877

[logging]
level = "warn"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9877, cfg.Server.Port)
	require.Equal(t, zerolog.WarnLevel, cfg.Logging.ParseLevel())
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("STYXY_TEST_DIR", "/custom/data")
	path := filepath.Join(t.TempDir(), "styxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("paths:\n  data_dir: ${STYXY_TEST_DIR}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/custom/data", cfg.Paths.DataDir)
	require.Equal(t, "/custom/data/config.json", cfg.Paths.UserConfigPath())
	require.Equal(t, "/custom/data/daemon.state", cfg.Paths.SnapshotPath())
	require.Equal(t, "/custom/data/auth.token", cfg.Paths.AuthTokenPath())
}

func TestLoadUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "styxy.ini")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{Port: 700000, TimeoutMS: -1},
		Logging: LoggingConfig{Level: "loud"},
	}

	err := cfg.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Problems, 3)
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, DefaultPort, cfg.Server.Port)
	require.Equal(t, DefaultTimeoutMS*time.Millisecond, cfg.Server.GetTimeout())
	require.Equal(t, DefaultInstanceTTLMin*time.Minute, cfg.State.GetInstanceTTL())
	require.NoError(t, cfg.Validate())
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	var reloads atomic.Int64
	w, err := NewWatcher(path, func() { reloads.Add(1) }, zerolog.Nop(),
		WithDebounceDelay(100*time.Millisecond))
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx) }()

	// Burst of writes inside one debounce window.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{"n":`+string(rune('0'+i))+`}`), 0o600))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	require.LessOrEqual(t, reloads.Load(), int64(2))
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	var reloads atomic.Int64
	w, err := NewWatcher(path, func() { reloads.Add(1) }, zerolog.Nop(),
		WithDebounceDelay(50*time.Millisecond))
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o600))
	time.Sleep(200 * time.Millisecond)
	require.Zero(t, reloads.Load())
}
