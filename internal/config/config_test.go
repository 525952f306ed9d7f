package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsAndFile(t *testing.T) {
	path := writeConfig(t, `
service:
  http_port: 9090
openai:
  api_key: sk-test
smtp:
  host: mail.example.com
`)
	t.Setenv("DEEPRESEARCH_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Service.HTTPPort)
	assert.Equal(t, 2112, cfg.Service.MetricsPort, "default survives partial file")
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
	assert.Equal(t, "o4-mini-deep-research", cfg.OpenAI.ResearchModel)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, 20*time.Second, cfg.Engine.PollInterval)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
openai:
  api_key: from-file
`)
	t.Setenv("DEEPRESEARCH_CONFIG", path)
	t.Setenv("DEEPRESEARCH_OPENAI_API_KEY", "from-env")
	t.Setenv("DEEPRESEARCH_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.OpenAI.APIKey)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
service:
  http_port: -1
openai:
  api_key: sk-test
`)
	t.Setenv("DEEPRESEARCH_CONFIG", path)

	_, err := Load()
	assert.ErrorContains(t, err, "http_port")
}

func TestLoadRequiresAProviderKey(t *testing.T) {
	path := writeConfig(t, `
service:
  http_port: 8080
`)
	t.Setenv("DEEPRESEARCH_CONFIG", path)
	t.Setenv("DEEPRESEARCH_OPENAI_API_KEY", "")
	t.Setenv("DEEPRESEARCH_GEMINI_API_KEY", "")

	_, err := Load()
	assert.ErrorContains(t, err, "provider API key")
}

func TestLoadGeminiExecutionMode(t *testing.T) {
	path := writeConfig(t, `
gemini:
  api_key: g-test
engine:
  gemini_execution: atomic
`)
	t.Setenv("DEEPRESEARCH_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "atomic", cfg.Engine.GeminiExecution)

	path = writeConfig(t, `
gemini:
  api_key: g-test
engine:
  gemini_execution: bogus
`)
	t.Setenv("DEEPRESEARCH_CONFIG", path)
	_, err = Load()
	assert.ErrorContains(t, err, "gemini_execution")
}

func TestManagerReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "openai:\n  api_key: one\n")

	m, err := NewManager(zap.NewNop())
	require.NoError(t, err)
	m.debounce = 10 * time.Millisecond
	m.pollInterval = 50 * time.Millisecond

	var reloads atomic.Int32
	require.NoError(t, m.Watch(path, func(string) error {
		reloads.Add(1)
		return nil
	}))

	m.Start(t.Context())
	defer m.Stop()

	require.NoError(t, os.WriteFile(path, []byte("openai:\n  api_key: two\n"), 0o644))

	assert.Eventually(t, func() bool {
		return reloads.Load() >= 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestManagerValidatorBlocksReload(t *testing.T) {
	path := writeConfig(t, "ok: 1\n")

	m, err := NewManager(zap.NewNop())
	require.NoError(t, err)
	m.debounce = 10 * time.Millisecond
	m.pollInterval = 50 * time.Millisecond

	var reloads atomic.Int32
	require.NoError(t, m.Watch(path, func(string) error {
		reloads.Add(1)
		return nil
	}))
	m.RegisterValidator(path, func(string) error {
		return os.ErrInvalid
	})

	m.Start(t.Context())
	defer m.Stop()

	require.NoError(t, os.WriteFile(path, []byte("ok: 2\n"), 0o644))

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, reloads.Load(), "rejected change must not reach handlers")
}

func TestManagerUnwatchedEventIgnored(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(watched, []byte("a: 1\n"), 0o644))

	m, err := NewManager(zap.NewNop())
	require.NoError(t, err)
	m.debounce = 10 * time.Millisecond

	var reloads atomic.Int32
	require.NoError(t, m.Watch(watched, func(string) error {
		reloads.Add(1)
		return nil
	}))

	m.Start(t.Context())
	defer m.Stop()

	// Sibling file in the same watched directory.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("b: 2\n"), 0o644))

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, reloads.Load())
}
