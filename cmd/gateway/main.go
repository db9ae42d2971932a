// Package main runs the warehouse table gateway: a uniform HTTP surface over
// a whitelisted set of tables, served from Postgres when it is reachable and
// from the local JSON file store when it is not.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/audit"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/config"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/httpapi"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/metrics"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/persistence"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/receipts"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/schema"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/storage"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/storage/filestore"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/storage/postgres"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	registry := schema.Default()

	// An empty DSN disables the relational backend entirely; the probe
	// controller then pins file-backed mode.
	var db *sql.DB
	if cfg.Database.DSN != "" {
		db, err = sql.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			log.WithError(err).Fatal("opening database handle")
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeSec) * time.Second)
	} else {
		log.Warn("no database DSN configured; running file-backed only")
	}

	files, err := filestore.New(cfg.Storage.DataDir)
	if err != nil {
		log.WithError(err).Fatal("initializing file store")
	}

	ctrl := persistence.NewController(
		db,
		time.Duration(cfg.Probe.IntervalSec)*time.Second,
		time.Duration(cfg.Database.PingTimeoutSec)*time.Second,
		log,
	)
	ctrl.OnModeSwitch = metrics.ObserveModeSwitch

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	var rel *postgres.Store
	var relBackend storage.TableBackend
	var relAudit audit.Backend
	if db != nil {
		rel = postgres.New(db)
		relBackend = rel
		relAudit = rel
	}

	recorder := audit.NewRecorder(registry, ctrl, relAudit, files, log)
	gateway := storage.NewGateway(ctrl, relBackend, files, recorder, log)
	receiptSvc := receipts.NewService(registry, ctrl, db, files, recorder, log)

	handler := httpapi.NewHandler(
		registry,
		gateway,
		receiptSvc,
		recorder,
		ctrl,
		rawOrNil(rel),
		files,
		[]byte(cfg.Auth.JWTSecret),
		time.Duration(cfg.Auth.TokenTTLMins)*time.Minute,
		log,
	)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.WithError(err).Error("server failed")
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

// rawOrNil avoids handing the handler an interface wrapping a typed nil.
func rawOrNil(s *postgres.Store) httpapi.RawReader {
	if s == nil {
		return nil
	}
	return s
}
