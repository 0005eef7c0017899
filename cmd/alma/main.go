package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/BetaMac/alma/internal/ai"
	"github.com/BetaMac/alma/internal/chunker"
	"github.com/BetaMac/alma/internal/config"
	"github.com/BetaMac/alma/internal/db"
	"github.com/BetaMac/alma/internal/embedcache"
	"github.com/BetaMac/alma/internal/embedding"
	"github.com/BetaMac/alma/internal/filestore"
	"github.com/BetaMac/alma/internal/handler"
	"github.com/BetaMac/alma/internal/job"
	"github.com/BetaMac/alma/internal/memory"
	"github.com/BetaMac/alma/internal/middleware"
	"github.com/BetaMac/alma/internal/repo"
	"github.com/BetaMac/alma/internal/resource"
	"github.com/BetaMac/alma/internal/schedule"
	"github.com/BetaMac/alma/internal/service"
	"github.com/BetaMac/alma/internal/vectorindex"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "alma",
		Short: "alma local llm agent server",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run alma server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}

	ingestCmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "chunk text files into agent memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runIngest(cmd.Context(), cfg, args)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json")
	rootCmd.AddCommand(runCmd, ingestCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", path))
	return cfg, nil
}

func openMemory(cfg *config.Config) (*memory.Store, func(), error) {
	model, err := ai.NewEmbedModel(cfg.Embedding.Model, cfg.Embedding.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("init embedding model: %w", err)
	}
	fileCache, err := embedcache.NewFileCache(filepath.Join(cfg.Embedding.CacheDir, model.ModelName()))
	if err != nil {
		_ = model.Close()
		return nil, nil, fmt.Errorf("init embedding cache: %w", err)
	}
	cache, err := embedcache.WrapLRU(fileCache, cfg.Embedding.LRUSize)
	if err != nil {
		_ = model.Close()
		return nil, nil, fmt.Errorf("init embedding lru: %w", err)
	}
	metric, err := vectorindex.ParseMetric(cfg.Memory.Metric)
	if err != nil {
		_ = model.Close()
		return nil, nil, err
	}
	chunkOpts := chunker.DefaultOptions()
	chunkOpts.Size = cfg.Memory.ChunkSize
	chunkOpts.Overlap = cfg.Memory.ChunkOverlap
	store, err := memory.Open(memory.Options{
		StoreDir:  cfg.Memory.StoreDir,
		Metric:    metric,
		DefaultK:  cfg.Memory.DefaultK,
		Threshold: cfg.Memory.Threshold,
		AutoSave:  *cfg.Memory.AutoSave,
		Chunk:     chunkOpts,
	}, embedding.NewGenerator(model, cache, cfg.Embedding.BatchSize))
	if err != nil {
		_ = model.Close()
		return nil, nil, fmt.Errorf("open memory store: %w", err)
	}
	return store, func() { _ = model.Close() }, nil
}

func runIngest(ctx context.Context, cfg *config.Config, files []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, closeFn, err := openMemory(cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	logger := logutil.GetLogger(ctx)
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		ids, err := store.Ingest(ctx, filepath.Base(file), string(data), map[string]interface{}{"path": file})
		if err != nil {
			return fmt.Errorf("ingest %s: %w", file, err)
		}
		logger.Info("document ingested", zap.String("file", file), zap.Int("chunks", len(ids)))
	}
	return store.Save(ctx)
}

func runServer(cfg *config.Config) error {
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	logutil.GetLogger(context.Background()).Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.String("db_path", cfg.DBPath),
		zap.String("engine", cfg.Model.Engine),
		zap.String("model_file", cfg.Model.ModelFile),
		zap.String("file_store", cfg.FileStore.Type),
	)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqlDB, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer sqlDB.Close()
	if err := db.ApplyMigrations(sqlDB); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	journal := repo.NewTaskJournalRepo(sqlDB)

	store, closeMemory, err := openMemory(cfg)
	if err != nil {
		return err
	}
	defer closeMemory()

	manager := resource.NewManager(cfg.Model.Engine, cfg.Model,
		resource.WithDeviceProbe(resource.DetectDevice(cfg.Model.GPULayers)))
	defer manager.Close()
	guard := resource.NewGuard(manager, cfg.Resource.MaxMemoryPercent)

	tasks, err := service.NewTaskService(manager, guard, store, journal, service.TaskOptions{
		DefaultTimeout:     cfg.DefaultTimeout(),
		MaxRetries:         *cfg.Task.MaxRetries,
		RetryDelay:         time.Duration(cfg.Task.RetryDelayMs) * time.Millisecond,
		ResourceRetryDelay: time.Duration(cfg.Task.ResourceRetryDelayMs) * time.Millisecond,
		RecentCapacity:     cfg.Task.RecentCapacity,
		OutputScale:        cfg.Task.OutputScale,
		MinOutputTokens:    cfg.Task.MinOutputTokens,
		ContextK:           cfg.Task.ContextK,
		ContextThreshold:   cfg.Task.ContextThreshold,
	})
	if err != nil {
		return fmt.Errorf("init task service: %w", err)
	}

	fileStore, err := filestore.New(cfg.FileStore)
	if err != nil {
		return fmt.Errorf("init file store: %w", err)
	}
	scheduler := schedule.NewCronScheduler()
	if !cfg.Jobs.DisableMemorySnapshot {
		if err := scheduler.AddJob(job.NewMemorySnapshotJob(store, fileStore), cfg.Jobs.MemorySnapshotCron); err != nil {
			return fmt.Errorf("schedule memory snapshot: %w", err)
		}
	}
	if err := scheduler.AddJob(job.NewTaskJournalCleanupJob(journal, cfg.Jobs.JournalKeepDays), cfg.Jobs.JournalCleanupCron); err != nil {
		return fmt.Errorf("schedule journal cleanup: %w", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	hub := handler.NewHub(cfg.WSHeartbeat(), cfg.AllowedOrigins)
	defer hub.Close()
	deps := handler.RouterDeps{
		Agent:     handler.NewAgentHandler(ctx, tasks, hub),
		Tasks:     handler.NewTaskHandler(tasks, journal),
		Memory:    handler.NewMemoryHandler(store),
		Hub:       hub,
		RateLimit: time.Duration(cfg.RateLimitMs) * time.Millisecond,
	}

	engine, err := webapi.NewEngine(
		"/api",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.CORS(cfg.AllowedOrigins),
			gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{"^/api/ws/"})),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logutil.GetLogger(ctx).Info("http server listening", zap.String("addr", addr))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	if err := store.Save(context.Background()); err != nil {
		logutil.GetLogger(context.Background()).Error("save memory store failed", zap.Error(err))
	}
	return nil
}
