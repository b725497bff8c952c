package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-objectrelay/config"
	"github.com/bitrise-io/go-objectrelay/relay"
	"github.com/bitrise-io/go-objectrelay/transfer"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	exitOK       = 0
	exitFailed   = 1
	exitCanceled = 130
)

func usage() {
	fmt.Fprintf(os.Stderr, "%s: usage:\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "%s [profile.yml]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Without a profile, both ends are read from the environment.\n")
}

// cancelOnSignal cancels the transfer on the first signal and restores the default handling,
// so a second signal terminates the process even while the upload session is being aborted.
func cancelOnSignal(ctx context.Context, cancel context.CancelFunc, sigChan chan os.Signal, logger log.Logger) {
	select {
	case sig := <-sigChan:
		signal.Stop(sigChan)
		logger.Warnf("Received %s, canceling the transfer. Send it again to exit immediately.", sig)
		cancel()
	case <-ctx.Done():
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := log.NewLogger()

	if len(args) > 1 || (len(args) == 1 && (args[0] == "-h" || args[0] == "--help")) {
		usage()
		return exitFailed
	}
	var profile string
	if len(args) == 1 {
		profile = args[0]
	}

	cfg, err := config.Load(profile, env.NewRepository())
	if err != nil {
		logger.Errorf("Invalid configuration: %s", err)
		return exitFailed
	}
	logger.EnableDebugLog(cfg.Verbose)
	cfg.Print(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigChan)
	go cancelOnSignal(ctx, cancel, sigChan, logger)

	service := transfer.NewService(transfer.NewFactory(logger), logger)
	result, err := service.Run(ctx, transfer.NewRequest(cfg))
	if err != nil {
		if errors.Is(err, relay.ErrCanceled) {
			logger.Warnf("Transfer canceled: %s", err)
			return exitCanceled
		}
		logger.Errorf("Transfer failed: %s", err)
		return exitFailed
	}

	logger.Donef("Transferred %s to %s", result.Source, result.Destination)
	return exitOK
}
