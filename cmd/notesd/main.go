// Command notesd serves the notes API from memory for local end-to-end use
// of the notesync client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kuitang/notesync/internal/api"
	"github.com/kuitang/notesync/internal/config"
	"github.com/kuitang/notesync/internal/obs"
	"github.com/kuitang/notesync/internal/ratelimit"
)

func main() {
	var addr string
	flag.StringVar(&addr, "addr", "", "Listen address (default :8080, overrides LISTEN_ADDR env var)")
	flag.Parse()

	obs.Init()
	if err := run(addr); err != nil {
		fmt.Fprintln(os.Stderr, "notesd:", err)
		os.Exit(1)
	}
}

func run(addr string) error {
	cfg, err := config.LoadServer(addr)
	if err != nil {
		return err
	}
	logger := obs.Pkg("notesd")

	limiter := ratelimit.NewRateLimiter(cfg.RateLimitConfig)
	defer limiter.Stop()

	handler := api.NewHandler(api.NewService(), api.Options{Token: cfg.Token})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(handler, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "auth", cfg.Token != "", "rate_rps", cfg.RateLimitConfig.RPS)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
