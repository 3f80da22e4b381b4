package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BrandonDHaskell/vguard/internal/config"
	"github.com/BrandonDHaskell/vguard/internal/db"
	"github.com/BrandonDHaskell/vguard/internal/vguard/audit"
	"github.com/BrandonDHaskell/vguard/internal/vguard/embedding"
	"github.com/BrandonDHaskell/vguard/internal/vguard/facematch"
	"github.com/BrandonDHaskell/vguard/internal/vguard/lock"
	"github.com/BrandonDHaskell/vguard/internal/vguard/notify"
	"github.com/BrandonDHaskell/vguard/internal/vguard/qr"
	"github.com/BrandonDHaskell/vguard/internal/vguard/service"
	"github.com/BrandonDHaskell/vguard/internal/vguard/store"
	"github.com/BrandonDHaskell/vguard/internal/vguard/store/memory"
	"github.com/BrandonDHaskell/vguard/internal/vguard/store/sqlite"
)

// app is the wired object graph shared by serve and the admin commands.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	visitors store.VisitorStore
	visits   store.VisitStore
	audits   store.AuditStore

	locker   lock.Locker
	notifier notify.Notifier
	qr       *qr.Engine
	recorder *audit.Recorder
	registry *service.VisitService

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.openStores(ctx); err != nil {
		return nil, err
	}
	if err := a.openLocker(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openNotifier(); err != nil {
		a.Close()
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.qr = qr.NewEngine(a.visits, qr.Policy{
		ExpiryGrace: cfg.QRExpiryGrace,
		Cooldown:    cfg.QRCooldown,
		MaxScans:    cfg.QRMaxScans,
	}, qr.WithLocation(loc), qr.WithLogger(logger))
	a.recorder = audit.NewRecorder(a.audits, a.notifier, logger)
	a.registry = service.NewVisitService(service.VisitDeps{
		Visitors:  a.visitors,
		Visits:    a.visits,
		Embedder:  a.embedder(),
		QR:        a.qr,
		Locker:    a.locker,
		Logger:    logger,
		Dimension: cfg.EmbeddingDim,
	})
	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	if a.cfg.StoreDriver == "memory" {
		a.logger.Warn("using in-memory store; data is lost on exit")
		a.visitors = memory.NewVisitorStore()
		a.visits = memory.NewVisitStore()
		a.audits = memory.NewAuditStore()
		return nil
	}

	conn, err := db.Open(ctx, db.Config{Path: a.cfg.DBPath})
	if err != nil {
		return err
	}
	writer := db.NewWorker(conn)
	a.closers = append(a.closers, func() error {
		writer.Close()
		return conn.Close()
	})

	a.visitors = sqlite.NewVisitorStore(conn, writer)
	a.visits = sqlite.NewVisitStore(conn, writer)
	a.audits = sqlite.NewAuditStore(conn, writer)
	return nil
}

func (a *app) openLocker(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		a.locker = lock.NewMemoryLocker(a.cfg.LockWait)
		return nil
	}
	client, err := lock.Connect(ctx, a.cfg.RedisURL)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	a.locker = lock.NewRedisLocker(client, a.cfg.LockTTL, a.cfg.LockWait)
	a.logger.Info("using redis scan lock")
	return nil
}

func (a *app) openNotifier() error {
	logN := notify.NewLogNotifier(a.logger)
	if len(a.cfg.KafkaBrokers) == 0 {
		a.notifier = logN
		return nil
	}
	k, err := notify.NewKafkaNotifier(a.cfg.KafkaBrokers, a.cfg.KafkaTopic)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, k.Close)
	a.notifier = notify.Multi{logN, k}
	a.logger.Info("publishing notifications to kafka", "topic", a.cfg.KafkaTopic)
	return nil
}

func (a *app) embedder() embedding.Embedder {
	if a.cfg.EmbedderURL == "" {
		return nil
	}
	return embedding.NewHTTPEmbedder(a.cfg.EmbedderURL, a.cfg.EmbedderTimeout)
}

func (a *app) gate() (*service.GateService, error) {
	policy := facematch.Policy{
		Threshold:       a.cfg.MatchThreshold,
		StrongThreshold: a.cfg.StrongThreshold,
		TwinMargin:      a.cfg.TwinMargin,
		Dimension:       a.cfg.EmbeddingDim,
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	emb := a.embedder()
	if emb == nil {
		return nil, errors.New("an embedder url is required to run the gate")
	}
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}
	return service.NewGateService(service.GateDeps{
		Visitors: a.visitors,
		Visits:   a.visits,
		Embedder: emb,
		QR:       a.qr,
		Matcher:  facematch.NewMatcher(policy),
		Audit:    a.recorder,
		Notifier: a.notifier,
		Locker:   a.locker,
		Logger:   a.logger,
	}, service.GatePolicy{
		AllowedIPs:       a.cfg.AllowedGateIPs,
		StoreTimeout:     a.cfg.StoreTimeout,
		EmbedTimeout:     a.cfg.EmbedderTimeout,
		CheckoutCooldown: a.cfg.CheckoutCooldown,
		Location:         loc,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, sql.ErrConnDone) {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
