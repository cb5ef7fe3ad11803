// Command lsmkv-server serves one store over the REST API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"lsmkv/internal/config"
	serverhttp "lsmkv/internal/http"
	"lsmkv/pkg/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to yaml config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "lsmkv-server:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	config.SetupLogger(cfg.Logger)

	s, err := store.Open(cfg.StoreOptions())
	if err != nil {
		return err
	}

	server := serverhttp.NewServer(s, fmt.Sprint(cfg.Server.Port))
	if err := server.Start(); err != nil {
		s.Close()
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		if err := server.Stop(); err != nil {
			slog.Warn("error stopping server", "error", err)
		}
		return s.Close()
	})

	return g.Wait()
}
