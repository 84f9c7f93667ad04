package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/zxerai/mcphub/internal/catalog"
	"github.com/zxerai/mcphub/internal/config"
	"github.com/zxerai/mcphub/internal/groups"
	"github.com/zxerai/mcphub/internal/index"
	"github.com/zxerai/mcphub/internal/logs"
	"github.com/zxerai/mcphub/internal/observability"
	"github.com/zxerai/mcphub/internal/secureenv"
	"github.com/zxerai/mcphub/internal/server"
	"github.com/zxerai/mcphub/internal/storage"
	"github.com/zxerai/mcphub/internal/upstream"
)

var (
	settingsPath string
	dataDir      string
	listen       string
	hubName      string
	logLevel     string
	logToFile    bool
	logDir       string

	version = "v0.1.0" // injected by -ldflags during release builds
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mcphub",
		Short:   "MCP Hub - aggregates many MCP tool servers behind one endpoint",
		Version: version,
		RunE:    runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "c", "", "Settings file path (default: <data-dir>/settings.json)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcphub)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", ":3000", "HTTP listen address")
	rootCmd.PersistentFlags().StringVar(&hubName, "hub-name", "mcphub", "Display name prefix for downstream MCP servers")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", true, "Enable logging to file in standard OS location")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path (overrides standard OS location)")

	_ = viper.BindPFlag("settings", rootCmd.PersistentFlags().Lookup("settings"))
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("listen", rootCmd.PersistentFlags().Lookup("listen"))
	_ = viper.BindPFlag("hub-name", rootCmd.PersistentFlags().Lookup("hub-name"))
	viper.SetEnvPrefix("MCPHUB")
	viper.AutomaticEnv()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	cfg.Listen = viper.GetString("listen")
	cfg.DataDir = viper.GetString("data-dir")
	cfg.SettingsPath = viper.GetString("settings")
	cfg.HubName = viper.GetString("hub-name")

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".mcphub")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = filepath.Join(cfg.DataDir, "settings.json")
	}

	cfg.Logging.Level = logLevel
	cfg.Logging.EnableFile = logToFile
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting mcphub",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("data_dir", cfg.DataDir),
		zap.String("settings", cfg.SettingsPath))

	store := config.NewStore(cfg.SettingsPath, logger.Named("config"))
	if err := store.Load(); err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	st, err := storage.NewManager(cfg.DataDir, logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer st.Close()

	bleve, err := index.NewBleveIndex(cfg.DataDir, logger.Named("index"))
	if err != nil {
		return fmt.Errorf("failed to open search index: %w", err)
	}
	var scorer index.Scorer
	if smart := store.Get().SmartRouting(); smart.Enabled {
		scorer = index.NewEmbeddingScorer(smart, logger.Named("embeddings"))
		logger.Info("smart routing enabled", zap.String("model", smart.OpenAIAPIEmbeddingModel))
	}
	idx := index.NewManager(bleve, scorer, logger.Named("index"))
	defer idx.Close()

	metrics := observability.NewMetrics()
	envManager := secureenv.NewManager(nil)
	cat := catalog.New(store, idx, logger.Named("catalog"))
	registry := groups.NewRegistry(store, logger.Named("groups"))
	manager := upstream.NewManager(store, cat, st, metrics, envManager, logger.Named("upstream"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reconcile connections now and after every settings mutation.
	manager.Sync(ctx)
	go func() {
		events := store.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				logger.Debug("settings changed", zap.String("kind", string(ev.Kind)))
				manager.Sync(ctx)
				cat.RefreshOverlays(ctx)
			}
		}
	}()

	router := server.NewRouter(cfg.HubName, store, registry, cat, manager, idx, st, metrics, logger.Named("router"))
	go router.Run(ctx)

	srv := server.New(cfg.Listen, store, router, metrics, logger.Named("http"))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
			cancel()
			manager.Close(context.Background())
			return err
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	manager.Close(shutdownCtx)
	logger.Info("mcphub stopped")
	return nil
}
