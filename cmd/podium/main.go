// Spins up the podium leaderboard server: a Redis-protocol port and an HTTP API in front of the caching engine.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nobletooth/podium/pkg/config"
	"github.com/nobletooth/podium/pkg/engine"
	"github.com/nobletooth/podium/pkg/pool"
	"github.com/nobletooth/podium/pkg/port"
	"github.com/nobletooth/podium/pkg/store"
	"github.com/nobletooth/podium/pkg/utils"
)

var (
	printVersion    = flag.Bool("print_version", false, "Print the version and exit.")
	warmUpSize      = flag.Int("warm_up_size", 0, "Records loaded from the store into the ranked caches at startup; 0 loads as many as the top cache holds.")
	shutdownTimeout = flag.Duration("shutdown_timeout", 10*time.Second, "Upper bound on closing store sessions during shutdown.")
)

func main() {
	configErr := config.InitFlags()
	utils.InitLogging()
	if configErr != nil {
		slog.Error("Failed to load config file.", "error", configErr)
		os.Exit(1)
	}

	if *printVersion {
		slog.Info("Podium build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		slog.Error("Podium server stopped.", "error", err)
		os.Exit(1)
	}
}

// run wires the engine to its store and ports and serves until the context is done.
func run(ctx context.Context) error {
	options, err := engine.OptionsFromFlags()
	if err != nil {
		return err
	}

	var sessions engine.SessionPool
	closeStore := func() error { return nil }
	if options.Mode.UsesStore() {
		dial, closeDialer, err := store.Open(ctx)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		closeStore = closeDialer
		sessionPool, err := pool.New(ctx, *pool.Size, dial)
		if err != nil {
			_ = closeStore()
			return err
		}
		sessions = sessionPool
	}

	lb, err := engine.New(options, sessions)
	if err != nil {
		return errors.Join(err, closeStore())
	}
	slog.Info("Engine is ready.", "mode", options.Mode.String())
	if err := lb.WarmUp(ctx, *warmUpSize); err != nil {
		slog.Warn("Starting with cold caches.", "error", err)
	}

	updates := port.NewHub()
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return port.RunRedisServer(groupCtx, lb, updates) })
	group.Go(func() error { return port.RunHTTPServer(groupCtx, lb, updates) })
	serveErr := group.Wait()

	stats := lb.Stats()
	slog.Info("Shutting down.", "hits", stats.Hits, "misses", stats.Misses, "store_failures", stats.StoreFailures,
		"uptime", utils.Uptime().String())
	return errors.Join(serveErr, closeWithin(*shutdownTimeout, lb.Close), closeStore())
}

// closeWithin runs closeFn, giving up after `timeout`.
func closeWithin(timeout time.Duration, closeFn func() error) error {
	closed := make(chan error, 1)
	go func() { closed <- closeFn() }()
	select {
	case err := <-closed:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("closing did not finish within %s", timeout)
	}
}
