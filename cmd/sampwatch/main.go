// main is the entry point of the sampwatch service. It wires the
// configuration, logger, storage, GeoIP provider, query client, cache,
// monitor, and HTTP server together.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sampwatch/sampwatch/internal/admission"
	"github.com/sampwatch/sampwatch/internal/cache"
	"github.com/sampwatch/sampwatch/internal/config"
	"github.com/sampwatch/sampwatch/internal/geoip"
	"github.com/sampwatch/sampwatch/internal/logger"
	"github.com/sampwatch/sampwatch/internal/maintenance"
	"github.com/sampwatch/sampwatch/internal/monitor"
	"github.com/sampwatch/sampwatch/internal/query"
	"github.com/sampwatch/sampwatch/internal/server"
	"github.com/sampwatch/sampwatch/internal/storage"
)

func main() {
	cfg := config.Parse()

	logger.Setup(cfg.Logger)
	log.Info().Msg("Starting sampwatch service...")

	// GeoIP
	var geoProvider *geoip.Provider
	if !cfg.GeoIP.Disable {
		if err := geoip.Ensure(cfg.GeoIP.Path, cfg.GeoIP.URL, cfg.GeoIP.Interval); err != nil {
			log.Error().Err(err).Msg("Failed to download GeoIP database")
		}

		var err error
		geoProvider, err = geoip.Open(cfg.GeoIP.Path)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open GeoIP database, country detection disabled")
			geoProvider = nil
		} else {
			defer func() {
				if err := geoProvider.Close(); err != nil {
					log.Error().Err(err).Msg("Error closing GeoIP provider")
				}
			}()
		}
	}

	// Storage: the external cache tier. A broken database degrades to
	// process-local caching instead of aborting.
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open database, running with in-process cache only")
		store = nil
	} else {
		defer func() {
			if err := store.Close(); err != nil {
				log.Error().Err(err).Msg("Error closing database")
			}
		}()
	}

	// Query core
	limiter := admission.New()
	client := query.New(limiter)
	client.Timeout = cfg.Query.Timeout
	client.BufferSize = cfg.Query.BufferSize

	if maintenance.Run(cfg, store, client) {
		return
	}

	var geo cache.GeoResolver
	if geoProvider != nil {
		geo = geoProvider
	}
	qcache := cache.New(client, storeOrNil(store), geo)

	// Monitor
	targets, err := cfg.MonitorTargets()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid monitor targets")
	}
	mon := monitor.New(qcache, store, targets, cfg.Monitor.Interval)
	mon.Start()

	// HTTP server
	srvHandler := server.New(client, qcache, limiter, store, cfg)
	srvHandler.StartWorkers()

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srvHandler.Run(),
		ReadTimeout:  5 * time.Second,
		// FullInfo can take several 5s exchanges against a dead target.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	mon.Stop()
	srvHandler.StopWorkers()

	log.Info().Msg("Server exited")
}

// storeOrNil avoids handing the cache a non-nil interface wrapping a nil
// repository pointer.
func storeOrNil(store *storage.Repository) cache.Store {
	if store == nil {
		return nil
	}
	return store
}
