package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/OtakuFlix/Telestore/internal/config"
)

// Exit codes
const (
	ExitSuccess           = 0
	ExitGeneralError      = 1
	ExitInvalidArgs       = 2
	ExitSourceNotAccess   = 3
	ExitRangeNotSupported = 4
	ExitStorageError      = 5
	ExitConfigError       = 6
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "serve":
		return runServe(cmdArgs)
	case "put":
		return runPut(cmdArgs)
	case "get":
		return runGet(cmdArgs)
	case "plan":
		return runPlan(cmdArgs)
	case "inspect":
		return runInspect(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: telestore <command> [options]

Commands:
  serve    Run the media relay
  put      Store a local file in a datacenter and register it in the catalog
  get      Download a file from a relay, resuming a partial output file
  plan     Show the chunk plan for a byte range
  inspect  Decode a file locator token

Run 'telestore <command> -h' for command-specific help.`)
}

// loadConfig reads path, if set, and applies TELESTORE_ environment
// variables on top.
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n[telestore] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
