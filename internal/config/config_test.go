package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME at an empty directory and clears provider keys so that
// only the test's own environment is visible to Load.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, key := range []string{"GEMINI_API_KEY", "OPENAI_API_KEY", "NOTION_TOKEN", "GOOGLE_CLOUD_PROJECT"} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "receipts.db", cfg.Database.Path)
	assert.Equal(t, 100, cfg.Image.MinEncodedChars)
	assert.Equal(t, 50, cfg.Image.MinDecodedBytes)
	assert.Equal(t, 10<<20, cfg.Image.MaxDecodedBytes)
	assert.Equal(t, "gemini", cfg.OCR.Provider)
	assert.Equal(t, "test-key", cfg.OCR.GeminiAPIKey)
	assert.Equal(t, 60*time.Second, cfg.OCRTimeout())
	assert.Equal(t, 3, cfg.OCR.MaxConcurrent)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "rest", cfg.Remote.Kind)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval())
	assert.Equal(t, 2*time.Minute, cfg.SyncLease())
	assert.True(t, cfg.Sync.AutoMaterialize)
	assert.Equal(t, "8080", cfg.API.Port)
	assert.Equal(t, 10*time.Minute, cfg.IdempotencyTTL())
	assert.Equal(t, "local", cfg.User.DefaultID)
	assert.False(t, cfg.RemoteConfigured())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	isolate(t)

	env := map[string]string{
		"RECEIPTS_LOG_LEVEL":          "debug",
		"RECEIPTS_LOG_FORMAT":         "json",
		"RECEIPTS_OCR_PROVIDER":       "openai",
		"RECEIPTS_OCR_MAX_CONCURRENT": "8",
		"RECEIPTS_SYNC_WORKERS":       "2",
		"RECEIPTS_REMOTE_BASE_URL":    "https://ledger.example.com",
		"OPENAI_API_KEY":              "sk-test",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "openai", cfg.OCR.Provider)
	assert.Equal(t, 8, cfg.OCR.MaxConcurrent)
	assert.Equal(t, 2, cfg.Sync.Workers)
	assert.Equal(t, "sk-test", cfg.OCR.OpenAIAPIKey)
	assert.True(t, cfg.RemoteConfigured())
}

func TestLoad_ConfigFile(t *testing.T) {
	isolate(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
ocr:
  provider: none
database:
  path: /tmp/ledger.db
storage:
  backend: bigquery
bigquery:
  project_id: my-project
  dataset: ledger
remote:
  kind: notion
  notion_database_id: db123
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("NOTION_TOKEN", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "none", cfg.OCR.Provider)
	assert.Equal(t, "/tmp/ledger.db", cfg.Database.Path)
	assert.Equal(t, "bigquery", cfg.Storage.Backend)
	assert.Equal(t, "my-project", cfg.BigQuery.ProjectID)
	assert.Equal(t, "ledger", cfg.BigQuery.Dataset)
	assert.Equal(t, "secret", cfg.Remote.NotionToken)
	assert.True(t, cfg.RemoteConfigured())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "gemini without key",
			env:  map[string]string{},
			want: "GEMINI_API_KEY",
		},
		{
			name: "unknown provider",
			env:  map[string]string{"RECEIPTS_OCR_PROVIDER": "tesseract"},
			want: "invalid ocr.provider",
		},
		{
			name: "bad log level",
			env:  map[string]string{"RECEIPTS_OCR_PROVIDER": "none", "RECEIPTS_LOG_LEVEL": "loud"},
			want: "invalid log level",
		},
		{
			name: "rest backend without url",
			env:  map[string]string{"RECEIPTS_OCR_PROVIDER": "none", "RECEIPTS_STORAGE_BACKEND": "rest"},
			want: "remote.base_url",
		},
		{
			name: "confidence out of range",
			env:  map[string]string{"RECEIPTS_OCR_PROVIDER": "none", "RECEIPTS_OCR_LOW_CONFIDENCE": "1.5"},
			want: "ocr.low_confidence",
		},
		{
			name: "fallback floor above review threshold",
			env:  map[string]string{"RECEIPTS_OCR_PROVIDER": "none", "RECEIPTS_OCR_MIN_CONFIDENCE": "0.7"},
			want: "ocr.min_confidence",
		},
		{
			name: "zero workers",
			env:  map[string]string{"RECEIPTS_OCR_PROVIDER": "none", "RECEIPTS_SYNC_WORKERS": "0"},
			want: "sync.workers",
		},
		{
			name: "zero idempotency ttl",
			env:  map[string]string{"RECEIPTS_OCR_PROVIDER": "none", "RECEIPTS_API_IDEMPOTENCY_TTL_SECONDS": "0"},
			want: "api.idempotency_ttl_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	require.NoError(t, os.WriteFile(".env", []byte("RECEIPTS_TEST_MARKER=loaded\n"), 0o600))
	t.Setenv("RECEIPTS_TEST_MARKER", "")
	require.NoError(t, os.Unsetenv("RECEIPTS_TEST_MARKER"))

	require.NoError(t, LoadEnv())
	assert.Equal(t, "loaded", os.Getenv("RECEIPTS_TEST_MARKER"))
}
