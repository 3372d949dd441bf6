// main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("voice/app")

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

// cfgName is the config file inside a participant directory.
const cfgName = "voicemesh.json"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// signalContext is cancelled on the first SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			log.Info("shutting down gracefully...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// peerDir resolves arg and checks that it is an existing directory.
func peerDir(arg string) (string, error) {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("invalid peer directory: %w", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		return "", fmt.Errorf("peer directory does not exist: %s", absDir)
	}
	return absDir, nil
}
