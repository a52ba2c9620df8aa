/*
	Backpacking
	Copyright (c) 2025 The Backpacking Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package bpapp provides the backpacking application: configuration,
// the HTTP server and its API, signals and shutdown.
package bpapp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/backpacking/backpacking/internal/vipsenc"
	"github.com/backpacking/backpacking/journal"
	"go.uber.org/zap"
)

// App wires the journal components together.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc // shuts down the app

	cfg *Config
	log *zap.Logger

	db        journal.Store
	closeDB   func() error
	storage   *journal.Storage
	pool      *journal.WorkerPool
	generator *journal.VariantGenerator
	ingestor  *journal.Ingestor

	server server

	closeOnce sync.Once
}

// New opens the database and upload root described by cfg and returns
// an app ready to serve or run commands.
func New(ctx context.Context, cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := journal.SetupLog(cfg.Log.options()); err != nil {
		return nil, err
	}

	db, err := journal.OpenDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	newApp, err := assemble(ctx, cfg, db, newEncoder(cfg, journal.Log.Named("encoder")))
	if err != nil {
		db.Close()
		return nil, err
	}
	newApp.closeDB = db.Close

	appMu.Lock()
	app = newApp
	appMu.Unlock()

	return newApp, nil
}

// assemble builds an app around an open store and an encoder.
func assemble(ctx context.Context, cfg *Config, db journal.Store, enc journal.Encoder) (*App, error) {
	storage, err := journal.NewStorage(cfg.UploadDir, cfg.TempDir)
	if err != nil {
		return nil, err
	}

	logger := journal.Log
	pool := journal.NewWorkerPool(cfg.Workers, logger.Named("workers"))
	generator := journal.NewVariantGenerator(storage, pool, enc, cfg.WebP.Quality, cfg.fallbackFormat(), logger.Named("variants"))

	var zones journal.TimezoneFinder
	if cfg.InferTimezone {
		zones = journal.NewTimezoneFinder(logger.Named("timezone"))
	}

	ctx, cancel := context.WithCancel(ctx)
	newApp := &App{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		log:       logger,
		db:        db,
		closeDB:   func() error { return nil },
		storage:   storage,
		pool:      pool,
		generator: generator,
		ingestor:  journal.NewIngestor(db, storage, generator, zones, cfg.PublicPath, logger.Named("ingest")),
	}
	newApp.server = server{
		app: newApp,
		log: logger.Named("http"),
	}
	newApp.server.router = newApp.server.routes()

	return newApp, nil
}

// newEncoder returns the configured WebP encoder, behind a circuit
// breaker unless that is disabled.
func newEncoder(cfg *Config, logger *zap.Logger) journal.Encoder {
	var enc journal.Encoder
	switch cfg.WebP.Encoder {
	case "vips":
		vipsenc.Startup()
		enc = vipsenc.Encoder{Effort: cfg.WebP.CompressionLevel}
	default:
		enc = journal.FFmpegEncoder{
			Path:             cfg.WebP.FFmpegPath,
			Timeout:          cfg.WebP.Timeout,
			CompressionLevel: cfg.WebP.CompressionLevel,
			Logger:           logger,
		}
	}
	if cfg.Breaker.Failures == 0 {
		return enc
	}
	return journal.NewBreakerEncoder(enc, cfg.Breaker.Failures, cfg.Breaker.Cooldown, logger)
}

// Ingestor returns the app's ingestion coordinator.
func (a *App) Ingestor() *journal.Ingestor { return a.ingestor }

// Store returns the app's record store.
func (a *App) Store() journal.Store { return a.db }

// Serve starts the HTTP server and returns once it is listening. It
// keeps running in the background until the app is closed.
func (a *App) Serve() error {
	if a.server.ln != nil {
		return fmt.Errorf("server already running on %s", a.server.ln.Addr())
	}

	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("opening listener: %w", err)
	}
	a.server.ln = ln

	a.server.httpServer = &http.Server{
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1024 * 512,
		BaseContext:       func(net.Listener) context.Context { return a.ctx },
	}

	a.log.Info("started server", zap.String("listener", ln.Addr().String()))

	go func() {
		err := a.server.httpServer.Serve(ln)
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			a.log.Info("stopped server", zap.String("listener", ln.Addr().String()))
		} else if err != nil {
			a.log.Error("server failed", zap.String("listener", ln.Addr().String()), zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the address the server is listening on, or nil.
func (a *App) Addr() net.Addr {
	if a.server.ln == nil {
		return nil
	}
	return a.server.ln.Addr()
}

// Done is closed once the app has shut down.
func (a *App) Done() <-chan struct{} { return a.ctx.Done() }

// Close shuts the app down: the HTTP server is given time to finish
// its requests, running variant tasks get the configured grace period,
// then the app context is cancelled and the database is closed. It is
// safe to call more than once.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.server.httpServer != nil {
			const shutdownTimeout = 10 * time.Second
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if serr := a.server.httpServer.Shutdown(shutdownCtx); serr != nil {
				a.log.Error("shutting down HTTP server", zap.Error(serr))
			}
			shutdownCancel()
		}

		if !a.pool.Shutdown(a.cfg.ShutdownGrace) {
			a.log.Warn("variant tasks were cancelled at shutdown")
		}

		// request contexts derive from a.ctx; it stays live until
		// in-flight uploads have had their chance to finish
		a.cancel()

		err = a.closeDB()
	})
	return err
}

var (
	app   *App
	appMu sync.Mutex
)
