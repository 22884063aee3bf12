package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/OtakuFlix/Telestore/internal/config"
	"github.com/OtakuFlix/Telestore/internal/logging"
	"github.com/OtakuFlix/Telestore/internal/server"
)

// runServe starts the relay and blocks until interrupted.
func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)

	configPath := fs.String("config", "", "Path to YAML config file")
	listen := fs.String("listen", "", "HTTP listen address (overrides config)")
	healthListen := fs.String("health-listen", "", "gRPC health listen address (overrides config)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: telestore serve [options]

Run the media relay. Configuration is read from the config file and
TELESTORE_ environment variables (a .env file is loaded if present).

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return ExitConfigError
	}
	cfg = cfg.Merge(config.Config{
		Listen:       *listen,
		HealthListen: *healthListen,
		LogLevel:     *logLevel,
	})

	ctx, cancel := signalContext()
	defer cancel()

	logger := logging.New(cfg.LogLevel)

	app, err := server.Setup(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	if err := app.Run(ctx); err != nil {
		logger.Error(ctx, "relay stopped", "error", err)
		return ExitGeneralError
	}
	return ExitSuccess
}
