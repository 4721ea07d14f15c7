// Package main is the entrypoint for the flowgate authentication gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	"github.com/cruxid/flowgate/internal/config"
	"github.com/cruxid/flowgate/internal/server"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// startable is satisfied by *server.Server; tests inject failing factories.
type startable interface {
	Start(ctx context.Context) error
}

type serverFactory func(*config.Config, string) (startable, error)

func defaultServerFactory(cfg *config.Config, version string) (startable, error) {
	return server.New(cfg, version)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("flowgate", flag.ContinueOnError)
	configPath := fs.String("config", "flowgate.yaml", "path to configuration file")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			printUsage()
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("flowgate %s\n", Version)
		return 0
	}

	subcmd := "serve"
	remaining := fs.Args()
	if len(remaining) > 0 {
		subcmd = remaining[0]
	}

	switch subcmd {
	case "serve":
		return cmdServe(*configPath, defaultServerFactory)
	case "validate":
		return cmdValidate(*configPath)
	case "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subcmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `flowgate %s — authentication flow gateway

Usage:
  flowgate [flags] <command>

Commands:
  serve      Start the gateway server (default)
  validate   Validate configuration file
  help       Show this help message

Flags:
  --config string   Path to configuration file (default "flowgate.yaml")
  --version         Print version and exit

Examples:
  flowgate serve --config flowgate.yaml
  flowgate validate --config flowgate.yaml
`, Version)
}

// cmdServe starts the gateway HTTP server with config hot reload and
// graceful shutdown.
func cmdServe(configPath string, newServer serverFactory) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("configuration error", "error", err, "config", configPath)
		return 1
	}

	srv, err := newServer(cfg, Version)
	if err != nil {
		slog.Error("server initialization error", "error", err)
		return 1
	}

	logger := slog.Default()
	if s, ok := srv.(*server.Server); ok {
		logger = s.Logger()
		slog.SetDefault(logger)
	}
	logger.Info("starting flowgate", "version", Version, "config", configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reloader := config.NewReloader(configPath, cfg, logger)
	if sub, ok := srv.(config.Reloadable); ok {
		reloader.Register(sub)
	}
	if err := reloader.Start(ctx); err != nil {
		logger.Error("config reloader error", "error", err)
		return 1
	}
	defer reloader.Stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", "error", err)
		return 1
	}

	return 0
}

// cmdValidate loads and validates the configuration file.
func cmdValidate(configPath string) int {
	if _, err := config.Load(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Println("config valid")
	return 0
}
