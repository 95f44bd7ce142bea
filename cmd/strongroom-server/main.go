package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/strongroom/strongroom/api"
	"github.com/strongroom/strongroom/audit"
	"github.com/strongroom/strongroom/cmd/flags"
	"github.com/strongroom/strongroom/core"
	"github.com/strongroom/strongroom/interfaces"
	"github.com/strongroom/strongroom/metrics"
	"github.com/strongroom/strongroom/storage"
)

// fileConfig mirrors the server flags for operators who prefer a config
// file. Flags set on the command line take precedence.
type fileConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	MetricsAddr    string `yaml:"metrics_addr"`
	Storage        string `yaml:"storage"`
	AuditLog       string `yaml:"audit_log"`
	AllowUnaudited bool   `yaml:"allow_unaudited"`
	LogJSON        bool   `yaml:"log_json"`
	LogDebug       bool   `yaml:"log_debug"`
}

var serverFlags = append([]cli.Flag{
	flags.ListenAddrFlag,
	flags.StorageFlag,
	flags.AuditLogFlag,
	flags.AllowUnauditedFlag,
	flags.ConfigFileFlag,
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "strongroom-server",
		Usage: "Serve the strongroom vault API",
		Flags: serverFlags,
		Action: runServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(cCtx *cli.Context) error {
	// Locked buffers hold barrier key material; purge them on any exit.
	defer memguard.Purge()

	fileCfg, err := loadFileConfig(cCtx.String(flags.ConfigFileFlag.Name))
	if err != nil {
		return err
	}
	applyFileConfig(cCtx, fileCfg)

	logger := flags.SetupLogger(cCtx)

	storageURI := cCtx.String(flags.StorageFlag.Name)
	location, err := interfaces.NewStoreLocation(storageURI)
	if err != nil {
		logger.Error("Invalid storage URI", "uri", storageURI, "err", err)
		return err
	}
	store, err := storage.NewBackendFactory(logger).BackendFor(location)
	if err != nil {
		logger.Error("Failed to create storage backend", "err", err)
		return err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	var sinks []audit.Sink
	auditPath := cCtx.String(flags.AuditLogFlag.Name)
	if auditPath != "" {
		sink := audit.NewFileSink(auditPath)
		defer sink.Close()
		sinks = append(sinks, sink)
	}
	allowUnaudited := cCtx.Bool(flags.AllowUnauditedFlag.Name)
	if len(sinks) == 0 && !allowUnaudited {
		logger.Error("No audit sink configured; pass --audit-log or --allow-unaudited")
		return fmt.Errorf("no audit sink configured")
	}
	if allowUnaudited && len(sinks) == 0 {
		logger.Warn("Running without an audit sink; requests will not be audited")
	}

	m := metrics.New()
	vault := core.New(core.Config{
		Store:          store,
		AuditSinks:     sinks,
		AllowUnaudited: allowUnaudited,
		Metrics:        m,
		Log:            logger,
	})

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name))
	server := api.New(cfg, api.NewHandler(vault, logger), m)

	logger.Info("Starting server", "storage", location.Scheme)
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")

	return nil
}

func loadFileConfig(path string) (*fileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// applyFileConfig fills in flag values from the config file for flags
// the operator did not set explicitly.
func applyFileConfig(cCtx *cli.Context, cfg *fileConfig) {
	if cfg == nil {
		return
	}
	set := func(name, value string) {
		if value != "" && !cCtx.IsSet(name) {
			_ = cCtx.Set(name, value)
		}
	}
	set(flags.ListenAddrFlag.Name, cfg.ListenAddr)
	set(flags.MetricsAddrFlag.Name, cfg.MetricsAddr)
	set(flags.StorageFlag.Name, cfg.Storage)
	set(flags.AuditLogFlag.Name, cfg.AuditLog)
	if cfg.AllowUnaudited && !cCtx.IsSet(flags.AllowUnauditedFlag.Name) {
		_ = cCtx.Set(flags.AllowUnauditedFlag.Name, "true")
	}
	if cfg.LogJSON && !cCtx.IsSet(flags.LogJsonFlag.Name) {
		_ = cCtx.Set(flags.LogJsonFlag.Name, "true")
	}
	if cfg.LogDebug && !cCtx.IsSet(flags.LogDebugFlag.Name) {
		_ = cCtx.Set(flags.LogDebugFlag.Name, "true")
	}
}
