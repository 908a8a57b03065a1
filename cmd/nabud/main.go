package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nabunetwork/nabud/internal/logger"
	"github.com/nabunetwork/nabud/pkg/adapter/nabu"
	"github.com/nabunetwork/nabud/pkg/adapter/nabu/nhacp"
	"github.com/nabunetwork/nabud/pkg/adapter/nabu/retronet"
	"github.com/nabunetwork/nabud/pkg/api"
	"github.com/nabunetwork/nabud/pkg/config"
	"github.com/nabunetwork/nabud/pkg/image"
	"github.com/nabunetwork/nabud/pkg/metrics"
	prommetrics "github.com/nabunetwork/nabud/pkg/metrics/prometheus"
	nabuServer "github.com/nabunetwork/nabud/pkg/server"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `nabud - NABU Adaptor server

Usage:
  nabud <command> [flags]

Commands:
  init     Initialize a sample configuration file
  start    Start the nabud server
  version  Show version information

Flags:
  --config string    Path to config file (default: $XDG_CONFIG_HOME/nabud/config.yaml)
  --force            Force overwrite existing config file (init command only)

Examples:
  # Initialize config file
  nabud init

  # Start with default config location
  nabud start

  # Start with custom config
  nabud start --config /etc/nabud/config.yaml

Environment Variables:
  All configuration options can be overridden using environment variables.
  Format: NABUD_<SECTION>_<KEY> (use underscores for nested keys)

  Examples:
    NABUD_LOGGING_LEVEL=DEBUG
    NABUD_SERVER_API_PORT=8817
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "init":
		runInit()
	case "start":
		runStart()
	case "help", "--help", "-h":
		fmt.Print(usage)
	case "version", "--version", "-v":
		fmt.Printf("nabud %s (commit: %s, built: %s)\n", version, commit, date)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

// runInit handles the init subcommand
func runInit() {
	initFlags := flag.NewFlagSet("init", flag.ExitOnError)
	configFile := initFlags.String("config", "", "Path to config file")
	force := initFlags.Bool("force", false, "Force overwrite existing config file")

	if err := initFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	var configPath string
	var err error
	if *configFile != "" {
		err = config.InitConfigToPath(*configFile, *force)
		configPath = *configFile
	} else {
		configPath, err = config.InitConfig(*force)
	}
	if err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Point a channel at your pak or nabu files")
	fmt.Println("  2. Start the server with: nabud start")
}

// runStart handles the start subcommand
func runStart() {
	startFlags := flag.NewFlagSet("start", flag.ExitOnError)
	configFile := startFlags.String("config", "", "Path to config file")

	if err := startFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("nabud starting", "version", version)
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)

	// Channel catalog and image loader.
	channels := make([]*image.Channel, 0, len(cfg.Channels))
	for _, cc := range cfg.Channels {
		channels = append(channels, &image.Channel{
			Name:            cc.Name,
			Number:          cc.Number,
			Type:            image.ChannelType(cc.Type),
			Source:          cc.Source,
			DefaultFile:     cc.DefaultFile,
			RetroNetEnabled: cc.RetroNet,
		})
		logger.Info("Channel configured",
			logger.KeyChannel, cc.Number, "name", cc.Name, "type", cc.Type, "source", cc.Source)
	}
	table, err := image.NewTable(channels)
	if err != nil {
		log.Fatalf("Failed to build channel table: %v", err)
	}
	loader := image.NewLoader(table, cfg.Adaptor.MaxImageSize.Int64())

	// Metrics collection (nil collector = disabled, zero overhead).
	var collector metrics.AdaptorMetrics
	if cfg.Server.Metrics.Enabled {
		collector = prommetrics.NewAdaptorCollector(nil)
		logger.Info("Metrics enabled", logger.KeyPort, cfg.Server.Metrics.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	// The NABU adaptor with its sub-protocol chain.
	adaptor := nabu.New(
		nabu.Config{
			TCP:             tcpConfigs(cfg),
			Serial:          serialConfigs(cfg),
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		},
		loader,
		collector,
		[]nabu.SubProtocol{
			retronet.New(cfg.Adaptor.RetroNetMaxBlobSize.Int64()),
			nhacp.New(),
		},
	)

	srv := nabuServer.New(cfg.Server.ShutdownTimeout)
	srv.AddAdapter(adaptor)

	if cfg.Server.API.Enabled {
		router := api.NewRouter(adaptor.Registry(), table)
		srv.SetAPIServer(api.NewServer(api.Config{Port: cfg.Server.API.Port}, router))
		logger.Info("API server enabled", logger.KeyPort, cfg.Server.API.Port)
	} else {
		logger.Info("API server disabled")
	}

	if cfg.Server.Metrics.Enabled {
		srv.SetMetricsPort(cfg.Server.Metrics.Port)
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()
		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", logger.KeyError, err)
			os.Exit(1)
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", logger.KeyError, err)
			os.Exit(1)
		}
		logger.Info("Server stopped")
	}
}

func tcpConfigs(cfg *config.Config) []nabu.TCPListenerConfig {
	out := make([]nabu.TCPListenerConfig, 0, len(cfg.Adaptor.TCP))
	for _, tc := range cfg.Adaptor.TCP {
		out = append(out, nabu.TCPListenerConfig{
			Port:         tc.Port,
			Channel:      tc.Channel,
			FileRoot:     tc.FileRoot,
			SelectedFile: tc.SelectedFile,
		})
	}
	return out
}

func serialConfigs(cfg *config.Config) []nabu.SerialPortConfig {
	out := make([]nabu.SerialPortConfig, 0, len(cfg.Adaptor.Serial))
	for _, sc := range cfg.Adaptor.Serial {
		out = append(out, nabu.SerialPortConfig{
			SerialParams: nabu.SerialParams{
				Device:      sc.Device,
				Baud:        sc.Baud,
				StopBits:    sc.StopBits,
				FlowControl: sc.FlowControl,
			},
			Channel:      sc.Channel,
			FileRoot:     sc.FileRoot,
			SelectedFile: sc.SelectedFile,
		})
	}
	return out
}
