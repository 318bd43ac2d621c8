package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ligustah/cloudfetch/internal/downloader"
	"github.com/ligustah/cloudfetch/pkg/cloudfetch"
)

// Exit codes
const (
	ExitSuccess        = 0
	ExitGeneralError   = 1
	ExitInvalidArgs    = 2
	ExitLinksInvalid   = 3
	ExitDownloadFailed = 4
	ExitStorageError   = 5
	ExitLinksExpired   = 6
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
	case "fetch":
		return runFetch(cmdArgs)
	case "validate":
		return runValidate(cmdArgs)
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
	fmt.Fprintln(os.Stderr, `Usage: cloudfetch <command> [options]

Commands:
  fetch     Download all result files of a link manifest, in row order
  validate  Check a link manifest for gaps and overlaps, or a result set stored by fetch

Run 'cloudfetch <command> -h' for command-specific help.`)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n[cloudfetch] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// newLogger returns a text logger on stderr at the named level.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// exitCode maps a fetch error to the process exit code.
func exitCode(err error) int {
	var storageErr *downloader.StorageError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &storageErr):
		return ExitStorageError
	case errors.Is(err, cloudfetch.ErrLinkExpired):
		return ExitLinksExpired
	case errors.Is(err, cloudfetch.ErrDownloadFailed),
		errors.Is(err, cloudfetch.ErrDownloadTimedOut),
		errors.Is(err, cloudfetch.ErrPayloadTooLarge),
		errors.Is(err, cloudfetch.ErrRowCountMismatch):
		return ExitDownloadFailed
	default:
		return ExitGeneralError
	}
}
