// Spins up the stash ops server: registers the cache handlers and serves the tag-invalidation
// surface over the Redis protocol.

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/redis/go-redis/v9"

	"github.com/nobletooth/stash/pkg/handler"
	"github.com/nobletooth/stash/pkg/port"
	"github.com/nobletooth/stash/pkg/utils"
)

var (
	printVersion = flag.Bool("print_version", false, "Print the version and exit.")
	redisBackend = flag.String("redis_backend", "",
		"Optional host:port of a Redis server to register as the 'redis' handler kind.")
)

func main() {
	flag.Parse()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Stash build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, os.Kill)

	go func() { // Listen for OS interrupts in the background.
		sig := <-signals
		slog.Info("Received termination signal, cancelling server context.", "signal", sig)
		cancel()
	}()

	handler.Register(handler.DefaultKind, handler.Coalescing(handler.NewMemoryHandler(ctx)))
	if *redisBackend != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisBackend})
		handler.Register("redis", handler.Coalescing(handler.NewRedisHandler(client)))
	}

	if err := port.RunRedisServer(ctx); err != nil {
		slog.Error("Stash server stopped.", "err", err)
		os.Exit(1)
	}
}
