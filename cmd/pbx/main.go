package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowpbx/pbx/internal/api"
	"github.com/flowpbx/pbx/internal/config"
	"github.com/flowpbx/pbx/internal/metrics"
	"github.com/flowpbx/pbx/internal/pbx"
	"github.com/flowpbx/pbx/internal/service"
	"github.com/flowpbx/pbx/internal/tu"
)

// processNotificationCounter adapts the tu package's process-wide
// notification counter to metrics.NotificationCounter.
type processNotificationCounter struct{}

func (processNotificationCounter) NotificationsSent() uint64 { return tu.NotificationsSent() }

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting pbx",
		"addr", cfg.Addr,
		"admin_addr", cfg.AdminAddr,
		"max_extensions", cfg.MaxExtensions,
	)

	registry := pbx.New(cfg.MaxExtensions, logger)
	startTime := time.Now()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		slog.Error("failed to listen", "addr", cfg.Addr, "error", err)
		os.Exit(1)
	}

	svc := service.New(ln, registry, service.Config{
		AcceptRate:  rate.Limit(cfg.AcceptRate),
		AcceptBurst: cfg.AcceptBurst,
	}, logger)

	var ready atomic.Bool

	errCh := make(chan error, 2)
	go func() {
		ready.Store(true)
		slog.Info("client service listening", "addr", cfg.Addr)
		if err := svc.Serve(); err != nil {
			errCh <- err
		}
	}()

	var adminSrv *http.Server
	if cfg.AdminEnabled() {
		collector := metrics.NewCollector(registry, processNotificationCounter{}, startTime)
		handler := api.NewServer(registry, collector, cfg.CORSOriginList(), &ready)
		adminSrv = &http.Server{
			Addr:         cfg.AdminAddr,
			Handler:      handler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			slog.Info("admin http server listening", "addr", cfg.AdminAddr)
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("server error", "error", err)
	}

	ready.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")

	if adminSrv != nil {
		if err := adminSrv.Shutdown(ctx); err != nil {
			slog.Error("admin http server shutdown error", "error", err)
		}
	}

	// registry.Shutdown kicks every connected TU's socket and blocks
	// until every one of them has unregistered, which is what lets
	// Serve's accept loop goroutines drain cleanly afterward.
	registry.Shutdown()

	if err := svc.Close(); err != nil {
		slog.Error("service close error", "error", err)
	}
	svc.Wait()

	slog.Info("pbx stopped")
}
