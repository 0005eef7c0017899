package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"model": {"model_file": "models/mistral-7b-instruct.Q4_K_M.gguf"}}`))
	require.NoError(t, err)
	require.Equal(t, 8000, cfg.Port)
	require.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	require.Equal(t, 30, cfg.WSHeartbeatSeconds)
	require.Equal(t, "llamacpp", cfg.Model.Engine)
	require.Equal(t, 600, cfg.Task.DefaultTimeoutSeconds)
	require.Equal(t, 3, *cfg.Task.MaxRetries)
	require.InDelta(t, 0.9, cfg.Resource.MaxMemoryPercent, 1e-9)
	require.Equal(t, "data/agent_memory", cfg.Memory.StoreDir)
	require.Equal(t, "data/embedding_cache", cfg.Embedding.CacheDir)
	require.Equal(t, 10, cfg.Memory.DefaultK)
	require.InDelta(t, 0.7, *cfg.Memory.Threshold, 1e-6)
	require.True(t, *cfg.Memory.AutoSave)
	require.Equal(t, 512, cfg.Memory.ChunkSize)
	require.Equal(t, 50, cfg.Memory.ChunkOverlap)
	require.Equal(t, 8, cfg.Embedding.BatchSize)
	require.Equal(t, "0 * * * *", cfg.Jobs.MemorySnapshotCron)
	require.Equal(t, 30, cfg.Jobs.JournalKeepDays)
	require.Equal(t, "local", cfg.FileStore.Type)
	require.Equal(t, "info", cfg.LogConfig.Level)
}

func TestLoadKeepsExplicitZeroRetries(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"model": {"model_file": "m.bin"}, "task": {"max_retries": 0}}`))
	require.NoError(t, err)
	require.Equal(t, 0, *cfg.Task.MaxRetries)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"privileged port", `{"port": 80, "model": {"model_file": "m.gguf"}}`, "port"},
		{"port too large", `{"port": 70000, "model": {"model_file": "m.gguf"}}`, "port"},
		{"short timeout", `{"task": {"default_timeout_seconds": 10}, "model": {"model_file": "m.gguf"}}`, "default_timeout_seconds"},
		{"too many retries", `{"task": {"max_retries": 11}, "model": {"model_file": "m.gguf"}}`, "max_retries"},
		{"memory percent", `{"resource": {"max_memory_percent": 1.5}, "model": {"model_file": "m.gguf"}}`, "max_memory_percent"},
		{"heartbeat", `{"ws_heartbeat_seconds": 1, "model": {"model_file": "m.gguf"}}`, "ws_heartbeat_seconds"},
		{"origin without scheme", `{"allowed_origins": ["localhost:3000"], "model": {"model_file": "m.gguf"}}`, "allowed origin"},
		{"missing model", `{}`, "model_file is required"},
		{"model extension", `{"model": {"model_file": "m.safetensors"}}`, ".gguf"},
		{"overlap", `{"memory": {"chunk_size": 50, "chunk_overlap": 50}, "model": {"model_file": "m.gguf"}}`, "chunk_overlap"},
		{"metric", `{"memory": {"metric": "cosine"}, "model": {"model_file": "m.gguf"}}`, "metric"},
		{"store type", `{"file_store": {"type": "ftp"}, "model": {"model_file": "m.gguf"}}`, "file_store.type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.ErrorContains(t, err, "open config")
}
