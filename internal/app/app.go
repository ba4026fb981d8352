package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/grandcat/zeroconf"

	"telemetrybridge/go-mqtt-ingester/internal/amqpsub"
	"telemetrybridge/go-mqtt-ingester/internal/config"
	"telemetrybridge/go-mqtt-ingester/internal/ingest"
	"telemetrybridge/go-mqtt-ingester/internal/mqttsub"
	"telemetrybridge/go-mqtt-ingester/internal/store"
)

// subscription is a bus connection feeding the pipeline.
type subscription interface {
	Start(ctx context.Context) error
	Stop()
}

// App wires together the ingester services and manages their lifecycle.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	pipeline *ingest.Pipeline
	sub      subscription
	mdns     *zeroconf.Server

	// subscribe builds the bus connection once the pipeline exists.
	subscribe func() (subscription, error)
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	a := &App{cfg: cfg, logger: logger}
	a.subscribe = a.newSubscription
	return a
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return err
	}
	a.store = db

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	a.pipeline = ingest.New(a.store, a.logger,
		ingest.WithRejectionRecorder(a.store),
		ingest.WithStoreTimeout(a.cfg.StoreTimeout),
	)

	var httpServer *http.Server
	httpErrCh := make(chan error, 1)

	if a.cfg.HTTPPort > 0 {
		httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
			Handler:           a.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			a.logger.Info("http server started", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("http server: %w", err)
			}
		}()

		if a.cfg.MDNS {
			if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
				a.logger.Warn("mDNS advertisement failed", "error", err)
			}
			defer a.stopMDNS()
		}
	}

	sub, err := a.subscribe()
	if err != nil {
		a.shutdownHTTP(httpServer)
		return err
	}
	if err := sub.Start(ctx); err != nil {
		a.shutdownHTTP(httpServer)
		return err
	}
	a.sub = sub

	select {
	case <-ctx.Done():
		a.sub.Stop()
		a.shutdownHTTP(httpServer)
		return nil
	case err := <-httpErrCh:
		a.sub.Stop()
		return err
	}
}

func (a *App) newSubscription() (subscription, error) {
	switch a.cfg.Bus {
	case config.BusMQTT:
		return mqttsub.New(a.cfg.MQTT, a.logger, a.pipeline.Handle), nil
	case config.BusAMQP:
		return amqpsub.New(a.cfg.AMQP, a.logger, a.pipeline.Handle), nil
	default:
		return nil, fmt.Errorf("unsupported bus %q", a.cfg.Bus)
	}
}

func (a *App) shutdownHTTP(srv *http.Server) {
	if srv == nil {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown", "error", err)
		return
	}
	a.logger.Info("http server stopped")
}
