package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port               int              `json:"port"`
	DBPath             string           `json:"db_path"`
	AllowedOrigins     []string         `json:"allowed_origins"`
	WSHeartbeatSeconds int              `json:"ws_heartbeat_seconds"`
	RateLimitMs        int              `json:"rate_limit_ms"`
	LogConfig          logger.LogConfig `json:"log_config"`
	Model              ModelConfig      `json:"model"`
	Embedding          EmbeddingConfig  `json:"embedding"`
	Memory             MemoryConfig     `json:"memory"`
	Task               TaskConfig       `json:"task"`
	Resource           ResourceConfig   `json:"resource"`
	Jobs               JobsConfig       `json:"jobs"`
	FileStore          FileStoreConfig  `json:"file_store"`
}

// ModelConfig is handed to the engine factory as its raw config.
type ModelConfig struct {
	Engine      string `json:"engine"`
	ModelFile   string `json:"model_file"`
	BaseURL     string `json:"base_url"`
	APIKey      string `json:"api_key"`
	GPULayers   int    `json:"gpu_layers"`
	ContextSize int    `json:"context_size"`
	Threads     int    `json:"threads"`
}

type EmbeddingConfig struct {
	Model     string      `json:"model"`
	Data      interface{} `json:"data"`
	BatchSize int         `json:"batch_size"`
	CacheDir  string      `json:"cache_dir"`
	LRUSize   int         `json:"lru_size"`
}

type MemoryConfig struct {
	StoreDir     string   `json:"store_dir"`
	Metric       string   `json:"metric"`
	DefaultK     int      `json:"default_k"`
	Threshold    *float32 `json:"threshold"`
	AutoSave     *bool    `json:"auto_save"`
	ChunkSize    int      `json:"chunk_size"`
	ChunkOverlap int      `json:"chunk_overlap"`
}

type TaskConfig struct {
	DefaultTimeoutSeconds int      `json:"default_timeout_seconds"`
	MaxRetries            *int     `json:"max_retries"`
	RetryDelayMs          int      `json:"retry_delay_ms"`
	ResourceRetryDelayMs  int      `json:"resource_retry_delay_ms"`
	RecentCapacity        int      `json:"recent_capacity"`
	OutputScale           float64  `json:"output_scale"`
	MinOutputTokens       int      `json:"min_output_tokens"`
	ContextK              int      `json:"context_k"`
	ContextThreshold      *float32 `json:"context_threshold"`
}

type ResourceConfig struct {
	MaxMemoryPercent float64 `json:"max_memory_percent"`
}

type JobsConfig struct {
	MemorySnapshotCron    string `json:"memory_snapshot_cron"`
	JournalCleanupCron    string `json:"journal_cleanup_cron"`
	JournalKeepDays       int    `json:"journal_keep_days"`
	DisableMemorySnapshot bool   `json:"disable_memory_snapshot"`
}

type FileStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.DBPath == "" {
		c.DBPath = "data/alma.db"
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if c.WSHeartbeatSeconds == 0 {
		c.WSHeartbeatSeconds = 30
	}
	if c.RateLimitMs == 0 {
		c.RateLimitMs = 500
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.Model.Engine == "" {
		c.Model.Engine = "llamacpp"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "hash"
	}
	if c.Embedding.BatchSize == 0 {
		c.Embedding.BatchSize = 8
	}
	if c.Embedding.CacheDir == "" {
		c.Embedding.CacheDir = "data/embedding_cache"
	}
	if c.Embedding.LRUSize == 0 {
		c.Embedding.LRUSize = 4096
	}
	if c.Memory.StoreDir == "" {
		c.Memory.StoreDir = "data/agent_memory"
	}
	if c.Memory.Metric == "" {
		c.Memory.Metric = "l2"
	}
	if c.Memory.DefaultK == 0 {
		c.Memory.DefaultK = 10
	}
	if c.Memory.Threshold == nil {
		threshold := float32(0.7)
		c.Memory.Threshold = &threshold
	}
	if c.Memory.AutoSave == nil {
		autoSave := true
		c.Memory.AutoSave = &autoSave
	}
	if c.Memory.ChunkSize == 0 {
		c.Memory.ChunkSize = 512
	}
	if c.Memory.ChunkOverlap == 0 {
		c.Memory.ChunkOverlap = 50
	}
	if c.Task.DefaultTimeoutSeconds == 0 {
		c.Task.DefaultTimeoutSeconds = 600
	}
	if c.Task.MaxRetries == nil {
		retries := 3
		c.Task.MaxRetries = &retries
	}
	if c.Task.RetryDelayMs == 0 {
		c.Task.RetryDelayMs = 1000
	}
	if c.Task.ResourceRetryDelayMs == 0 {
		c.Task.ResourceRetryDelayMs = 5000
	}
	if c.Task.RecentCapacity == 0 {
		c.Task.RecentCapacity = 100
	}
	if c.Resource.MaxMemoryPercent == 0 {
		c.Resource.MaxMemoryPercent = 0.9
	}
	if c.Jobs.MemorySnapshotCron == "" {
		c.Jobs.MemorySnapshotCron = "0 * * * *"
	}
	if c.Jobs.JournalCleanupCron == "" {
		c.Jobs.JournalCleanupCron = "30 3 * * *"
	}
	if c.Jobs.JournalKeepDays == 0 {
		c.Jobs.JournalKeepDays = 30
	}
	if c.FileStore.Type == "" {
		c.FileStore.Type = "local"
	}
	if c.FileStore.Type == "local" && c.FileStore.Data == nil {
		c.FileStore.Data = map[string]interface{}{"dir": "data/snapshots"}
	}
}

func (c *Config) Validate() error {
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1024 and 65535")
	}
	if c.Task.DefaultTimeoutSeconds < 30 {
		return fmt.Errorf("task.default_timeout_seconds must be at least 30")
	}
	if retries := *c.Task.MaxRetries; retries < 0 || retries > 10 {
		return fmt.Errorf("task.max_retries must be between 0 and 10")
	}
	if c.Resource.MaxMemoryPercent < 0.1 || c.Resource.MaxMemoryPercent > 1.0 {
		return fmt.Errorf("resource.max_memory_percent must be between 0.1 and 1.0")
	}
	if c.WSHeartbeatSeconds < 5 || c.WSHeartbeatSeconds > 300 {
		return fmt.Errorf("ws_heartbeat_seconds must be between 5 and 300")
	}
	for _, origin := range c.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid allowed origin: %s", origin)
		}
	}
	if c.Model.ModelFile == "" {
		return fmt.Errorf("model.model_file is required")
	}
	if !strings.HasSuffix(c.Model.ModelFile, ".gguf") && !strings.HasSuffix(c.Model.ModelFile, ".bin") {
		return fmt.Errorf("model.model_file must be a .gguf or .bin file")
	}
	if c.Memory.ChunkOverlap >= c.Memory.ChunkSize {
		return fmt.Errorf("memory.chunk_overlap must be smaller than memory.chunk_size")
	}
	switch c.Memory.Metric {
	case "l2", "ip":
	default:
		return fmt.Errorf("memory.metric must be l2 or ip")
	}
	switch c.FileStore.Type {
	case "local", "s3":
	default:
		return fmt.Errorf("file_store.type must be local or s3")
	}
	return nil
}

func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Task.DefaultTimeoutSeconds) * time.Second
}

func (c *Config) WSHeartbeat() time.Duration {
	return time.Duration(c.WSHeartbeatSeconds) * time.Second
}
