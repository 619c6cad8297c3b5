package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshchat/config"
	"meshchat/logging"
	"meshchat/storage"
)

// app holds what every subcommand needs after startup.
type app struct {
	cfg     *config.Config
	cfgPath string
	logger  *zap.Logger
	store   *storage.Store
	dbPath  string
}

var (
	dataDirFlag  string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:           "meshchat",
	Short:         "Message client for mesh radio networks",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "",
		"data directory holding config.yaml and the database (overrides "+config.DataDirEnv+")")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "",
		"log level: debug, info, warn, error")

	rootCmd.AddCommand(runCmd, sendCmd, discoverCmd, unreadCmd, historyCmd, conversationsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "meshchat: %v\n", err)
		os.Exit(1)
	}
}

// startApp loads config, builds the logger and opens the store.
func startApp() (*app, error) {
	if dataDirFlag != "" {
		if err := os.Setenv(config.DataDirEnv, dataDirFlag); err != nil {
			return nil, fmt.Errorf("set data dir: %w", err)
		}
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.Log.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	logger, err := logging.New(logging.Config{
		Level:      level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	store, dbPath, err := storage.Open(cfg.DataDir, storage.WithSelfLabel(cfg.SelfLabel))
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("open database: %w", err)
	}

	logger.Debug("startup complete",
		zap.String("profile_id", cfg.ProfileID),
		zap.String("config", cfgPath),
		zap.String("database", dbPath))

	return &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		logger:  logger,
		store:   store,
		dbPath:  dbPath,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("database close error", zap.Error(err))
	}
	_ = a.logger.Sync()
}
