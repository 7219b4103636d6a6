package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/erg0nix/ctxbudget/internal/config"
	grpcsvc "github.com/erg0nix/ctxbudget/internal/grpc"
)

const drainTimeout = 5 * time.Second

// PIDFile is where the daemon records its process id.
func PIDFile(dataDir string) string {
	return filepath.Join(dataDir, "server.pid")
}

// RunServer starts the gRPC daemon and blocks until a signal or a Shutdown call.
func RunServer(cfg config.Config) error {
	logger := config.NewLogger(cfg.Debug)
	slog.SetDefault(logger)

	listener, err := net.Listen("tcp", cfg.Bind)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", cfg.Bind, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return serve(ctx, cfg, listener, logger)
}

func serve(ctx context.Context, cfg config.Config, listener net.Listener, logger *slog.Logger) error {
	services := NewServices(cfg, logger)
	startTime := time.Now()

	pidFile := PIDFile(cfg.DataDir)
	if err := writePIDFile(pidFile); err != nil {
		logger.Warn("failed to write PID file", "error", err)
	}
	defer os.Remove(pidFile)

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	requestShutdown := func() { shutdownOnce.Do(func() { close(shutdownCh) }) }

	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	grpcsvc.RegisterBudgetServer(grpcServer, &grpcsvc.BudgetHandler{
		Controller: services.Controller,
		Config:     cfg,
		StartTime:  startTime,
		StopFunc:   requestShutdown,
	})
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() { serveErr <- grpcServer.Serve(listener) }()

	logger.Info("server listening", "address", listener.Addr().String(), "data_dir", cfg.DataDir)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case <-shutdownCh:
		logger.Info("shutdown requested via rpc")
	case err := <-serveErr:
		runErr = fmt.Errorf("server: serve: %w", err)
	}

	healthServer.Shutdown()

	done := make(chan struct{})
	go func() { grpcServer.GracefulStop(); close(done) }()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		logger.Warn("drain timeout, forcing shutdown")
		grpcServer.Stop()
	}

	if err := services.Close(); err != nil {
		logger.Warn("failed to flush state", "error", err)
	}

	return runErr
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write pid file: mkdir: %w", err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}
