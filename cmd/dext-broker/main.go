package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dext-ai/dext-broker/internal/config"
	"github.com/dext-ai/dext-broker/internal/logs"
	"github.com/dext-ai/dext-broker/internal/server"
)

var (
	configFile string
	dataDir    string
	listen     string
	apiKey     string
	logLevel   string
	logToFile  bool
	logDir     string

	version = "v0.1.0" // injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "dext-broker",
		Short:   "Tool retrieval broker for Model Context Protocol servers",
		Version: version,
		RunE:    runBroker,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.dext)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "HTTP listen address (default: :9593)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Bearer token required on REST management calls")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Enable logging to a rotating file in the data directory")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runBroker(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting dext-broker",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("data_dir", cfg.DataDir))

	broker, err := server.New(cfg, version, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := broker.Run(ctx); err != nil {
		logger.Error("Broker exited with error", zap.Error(err))
		return err
	}
	logger.Info("Broker stopped")
	return nil
}

// loadConfig layers command line flags over the file and environment based
// configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
		}
	}
	return applyFlags(cfg), nil
}

func applyFlags(cfg *config.Config) *config.Config {
	if listen != "" {
		cfg.Listen = listen
	}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	if cfg.Logging == nil {
		cfg.Logging = &config.LogConfig{
			Level:         logLevel,
			EnableFile:    logToFile,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		}
	} else {
		cfg.Logging.Level = logLevel
		cfg.Logging.EnableFile = logToFile
	}
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}
	return cfg
}
