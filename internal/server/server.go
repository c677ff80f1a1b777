// Package server implements the HTTP query API, middleware, and request
// handlers.
package server

import (
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/sampwatch/sampwatch/internal/admission"
	"github.com/sampwatch/sampwatch/internal/cache"
	"github.com/sampwatch/sampwatch/internal/config"
	"github.com/sampwatch/sampwatch/internal/query"
	"github.com/sampwatch/sampwatch/internal/storage"
)

// New creates a Server wired to the query client, cache, limiter, and
// optional storage.
func New(client *query.Client, qcache *cache.Cache, limiter *admission.Limiter, store *storage.Repository, cfg *config.Config) *Server {
	hosts := make(map[uint64]struct{})
	for _, host := range cfg.Server.AllowedHosts {
		hosts[xxhash.Sum64String(host)] = struct{}{}
	}

	return &Server{
		client:         client,
		cache:          qcache,
		limiter:        limiter,
		store:          store,
		allowedHosts:   hosts,
		authToken:      cfg.Server.AuthToken,
		trustProxy:     cfg.Server.TrustProxy,
		hardLimitCount: cfg.RateLimit.HardLimitCount,
		hardLimitWin:   cfg.RateLimit.HardLimitWin,

		shutdown: make(chan struct{}),
	}
}

// StartWorkers launches the background sweepers for the admission
// limiter and the memory cache tier.
func (s *Server) StartWorkers() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-s.shutdown:
				return
			case <-ticker.C:
				s.limiter.Sweep()
				s.cache.Sweep()
			}
		}
	}()
}

// StopWorkers signals the background goroutines and waits for them.
func (s *Server) StopWorkers() {
	close(s.shutdown)
	s.wg.Wait()
}

// Run configures the HTTP routes and returns the main handler.
func (s *Server) Run() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /api/info", s.RateLimitMiddleware(http.HandlerFunc(s.handleInfo)))
	mux.Handle("GET /api/server", s.RateLimitMiddleware(http.HandlerFunc(s.handleServer)))
	mux.Handle("GET /api/players", s.RateLimitMiddleware(http.HandlerFunc(s.handlePlayers)))
	mux.Handle("GET /api/rules", s.RateLimitMiddleware(http.HandlerFunc(s.handleRules)))
	mux.Handle("GET /api/ping", s.RateLimitMiddleware(http.HandlerFunc(s.handlePing)))

	mux.Handle("GET /api/targets", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleTargets)))

	mux.Handle("GET /healthz", http.HandlerFunc(s.handleHealthz))

	return s.LoggingMiddleware(mux)
}
