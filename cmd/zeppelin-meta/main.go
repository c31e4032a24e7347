// Command zeppelin-meta runs one node of the meta cluster: it serves client
// topology commands, participates in leader election over the shared
// Postgres log, and runs the background cron loops that keep liveness,
// epoch and migration state converging.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ccyuki/zeppelin/internal/config"
	"github.com/ccyuki/zeppelin/internal/conditioncron"
	"github.com/ccyuki/zeppelin/internal/infostore"
	"github.com/ccyuki/zeppelin/internal/leaderjoint"
	"github.com/ccyuki/zeppelin/internal/metrics"
	"github.com/ccyuki/zeppelin/internal/migrateregister"
	"github.com/ccyuki/zeppelin/internal/offsettable"
	"github.com/ccyuki/zeppelin/internal/replog"
	"github.com/ccyuki/zeppelin/internal/server"
	"github.com/ccyuki/zeppelin/internal/updatethread"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "zeppelin-meta: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("zeppelin-meta: exiting", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	self := cfg.Self()

	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}

	priority := 0
	for i, p := range cfg.Peers {
		if p == self {
			priority = len(cfg.Peers) - i
		}
	}

	log, err := replog.Open(replog.Options{
		Self:     self,
		DB:       db,
		Priority: priority,
		Logger:   logger.Named("replog"),
	})
	if err != nil {
		return fmt.Errorf("open replicated log: %w", err)
	}

	store := infostore.New(log, cfg.NodeAliveTTL, logger.Named("infostore"))
	if err := pollUntilReady(store); err != nil {
		logger.Warn("zeppelin-meta: initial refresh incomplete, continuing to poll in background", zap.Error(err))
	}

	updates := updatethread.New(store, logger.Named("updatethread"),
		updatethread.WithApplyMaxRetry(cfg.UpdateApplyMaxRetry))
	updates.Start()

	offsets := offsettable.New()
	condCron := conditioncron.New(offsets, updates, logger.Named("conditioncron"),
		conditioncron.WithInterval(cfg.ConditionCronInterval),
		conditioncron.WithTimeout(cfg.ConditionCronTimeout),
		conditioncron.WithGapTolerance(cfg.OffsetGapTolerance))
	condCron.Start()

	migrate := migrateregister.New(log, logger.Named("migrateregister"))
	if err := migrate.Reload(context.Background()); err != nil {
		logger.Warn("zeppelin-meta: migration register reload failed", zap.Error(err))
	}

	joint := leaderjoint.New(self, log, store, condCron, logger.Named("leaderjoint"))
	if err := joint.RefreshLeader(context.Background()); err != nil {
		logger.Warn("zeppelin-meta: initial leader refresh failed", zap.Error(err))
	}

	collector := metrics.NewCollector()
	metrics.InitInfo("dev", "go")

	dispatcher := server.NewDispatcher(server.Deps{
		Store:              store,
		Updates:            updates,
		Cron:               condCron,
		Offsets:            offsets,
		Migrate:            migrate,
		Joint:              joint,
		Log:                log,
		Collector:          collector,
		Logger:             logger.Named("dispatcher"),
		MigrateBatchSize:   cfg.MigrateBatchSize,
		MigrateInitRetries: cfg.MigrateInitRetries,
		// self, replog peers and the command listener are all registered at
		// the base port in this design (kMetaPortShiftCmd=0, and nothing
		// shifts peer registration up by kMetaPortShiftFY), so ListMeta's
		// log-port-to-P-space translation is the identity: no shift to undo.
		PortShiftFY: 0,
	})

	cmdAddr := fmt.Sprintf(":%d", server.CmdPort(cfg.LocalPort))
	srv := server.NewServer(cmdAddr, dispatcher, logger.Named("server"))

	cron := server.NewCron(store, joint, updates, collector, dispatcher, logger.Named("cron"), cfg.MetaCronInterval)
	cron.Start()

	exporter := metrics.NewExporter(cfg.MetricsAddr)
	go func() {
		if err := exporter.Start(); err != nil {
			logger.Warn("zeppelin-meta: metrics exporter stopped", zap.Error(err))
		}
	}()

	srvErrCh := make(chan error, 1)
	go func() { srvErrCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("zeppelin-meta: received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-srvErrCh:
		if err != nil {
			logger.Warn("zeppelin-meta: command server exited", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv.Stop()
	cron.Stop()
	condCron.Stop()
	updates.Stop()
	joint.Close()
	if err := exporter.Stop(shutdownCtx); err != nil {
		logger.Warn("zeppelin-meta: metrics exporter shutdown failed", zap.Error(err))
	}
	if err := log.Close(); err != nil {
		logger.Warn("zeppelin-meta: replicated log close failed", zap.Error(err))
	}

	return nil
}

// pollUntilReady retries InfoStore's first Refresh with a bounded backoff so
// a node started before any table has ever been committed does not treat an
// empty log as a fatal error.
func pollUntilReady(store *infostore.InfoStore) error {
	backoff := 100 * time.Millisecond
	const maxAttempts = 20
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if err := store.Refresh(context.Background()); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
	}
	return lastErr
}
