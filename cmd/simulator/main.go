// Command simulator runs a fleet of simulated OCPP charging stations against
// one or more charging station management systems.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/supervisor"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/pkg/config"
)

var (
	configFile = flag.String("config", "", "path to the configuration file (default: config.yaml)")
	configDir  = flag.String("configurations", "configurations", "directory for persisted station configurations")
)

func main() {
	flag.Parse()

	bootLog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	loader := config.NewLoader(*configFile, bootLog)
	cfg, err := loader.Load()
	if err != nil {
		bootLog.Error("Failed to load configuration", zap.Error(err))
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		bootLog.Error("Failed to build logger", zap.Error(err))
		os.Exit(1)
	}
	defer logger.Sync()

	bootstrap, err := supervisor.New(supervisor.Options{
		Config:           cfg,
		ConfigurationDir: *configDir,
		Log:              logger,
	})
	if err != nil {
		logger.Error("Failed to initialize simulator", zap.Error(err))
		os.Exit(1)
	}

	if err := bootstrap.Start(); err != nil {
		logger.Error("Failed to start simulator", zap.Error(err))
		os.Exit(1)
	}
	bootstrap.WatchConfiguration(loader)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := bootstrap.Stop(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.File != "" {
		zapCfg.OutputPaths = []string{cfg.File, "stderr"}
	}
	return zapCfg.Build()
}
