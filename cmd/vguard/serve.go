package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BrandonDHaskell/vguard/internal/config"
	"github.com/BrandonDHaskell/vguard/internal/httpapi"
	"github.com/BrandonDHaskell/vguard/internal/vguard/service"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the gate HTTP API, gRPC health service and expiry watcher",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "HTTP listen address (overrides config)"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if addr := c.String("addr"); addr != "" {
				cfg.HTTPAddr = addr
			}
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	gate, err := a.gate()
	if err != nil {
		return err
	}

	watcher := service.NewExpiryWatcher(a.visitors, a.visits, a.notifier, a.locker, service.WatcherConfig{
		NoticeWindow: cfg.ExpiryNoticeWindow,
		Interval:     cfg.ExpiryInterval,
	}, logger)
	watcher.Start(ctx)
	defer watcher.Stop()

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:       logger,
		Addr:         cfg.HTTPAddr,
		GateService:  gate,
		VisitService: a.registry,
		Audit:        a.recorder,
	})

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server started", "addr", cfg.HTTPAddr)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	var healthSrv *health.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen gRPC: %w", err)
		}
		grpcServer = grpc.NewServer()
		healthSrv = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthSrv)
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthSrv.SetServingStatus("vguard.Gate", healthpb.HealthCheckResponse_SERVING)

		go func() {
			logger.Info("grpc health server started", "addr", lis.Addr().String())
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failure", "error", err)
	}

	if healthSrv != nil {
		healthSrv.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	return nil
}
