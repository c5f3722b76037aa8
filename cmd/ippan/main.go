package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dmrl789/ippan/internal/config"
	"github.com/dmrl789/ippan/internal/node"
	"github.com/dmrl789/ippan/pkg/wallet"
)

const appName = "IPPAN"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to the yaml configuration file")
		dataDir     = flag.String("data-dir", "", "Override the data directory")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", appName, node.Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
		cfg.Storage.Path = *dataDir + "/chain"
	}

	logger := setupLogger(cfg.Node.LogLevel)
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		logger.Fatal("create data directory", zap.Error(err))
	}

	priv, err := loadNodeKey(cfg)
	if err != nil {
		logger.Fatal("load node key", zap.Error(err))
	}

	n, err := node.New(cfg, priv, logger)
	if err != nil {
		logger.Fatal("build node", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("🚀 starting "+appName,
		zap.String("version", node.Version),
		zap.String("node_id", cfg.Node.ID),
		zap.String("data_dir", cfg.Node.DataDir))

	if err := n.Start(ctx); err != nil {
		logger.Fatal("start node", zap.Error(err))
	}
	logger.Info("✅ node running",
		zap.String("address", n.Address().Hex()),
		zap.String("rpc", n.RPCAddr()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("🛑 shutting down")
	if err := n.Stop(); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		os.Exit(1)
	}
}

// loadNodeKey loads the validator key from the configured keystore, creating
// one on first run. With no keystore path the key is ephemeral.
func loadNodeKey(cfg *config.Config) (ed25519.PrivateKey, error) {
	path := cfg.Node.KeystorePath
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	}
	password := os.Getenv("IPPAN_KEY_PASSWORD")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		if err := wallet.SaveKey(path, password, priv); err != nil {
			return nil, err
		}
		return priv, nil
	}
	return wallet.LoadKey(path, password)
}

func setupLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
