package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/sampwatch/sampwatch/internal/admission"
	"github.com/sampwatch/sampwatch/internal/config"
	"github.com/sampwatch/sampwatch/internal/query"
	"github.com/sampwatch/sampwatch/internal/storage"
	"github.com/sampwatch/sampwatch/internal/vars"
)

// targetFromRequest builds the query target from ?host= and ?port=
// parameters and enforces the host allowlist.
func (s *Server) targetFromRequest(r *http.Request) (query.Server, int, string) {
	host := r.URL.Query().Get("host")
	port := r.URL.Query().Get("port")
	if host == "" || port == "" {
		return query.Server{}, http.StatusBadRequest, "missing host or port"
	}

	srv, err := config.ParseTarget(host + ":" + port)
	if err != nil {
		return query.Server{}, http.StatusBadRequest, "invalid host or port"
	}

	if len(s.allowedHosts) > 0 {
		if _, ok := s.allowedHosts[xxhash.Sum64String(srv.Host)]; !ok {
			return query.Server{}, http.StatusForbidden, "host not allowed"
		}
	}

	return srv, 0, ""
}

// caller tags this request for outbound admission accounting.
func (s *Server) caller(r *http.Request) admission.Caller {
	return admission.Caller{Context: GetRealIP(r, s.trustProxy)}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondQueryError maps the outbound error taxonomy onto HTTP statuses:
// rate limited is "try later", a forged or malformed reply is a bad
// gateway, anything else is the server being offline.
func respondQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admission.ErrLimited):
		respondError(w, http.StatusTooManyRequests, "rate limited, try later")
	case errors.Is(err, query.ErrMalformed):
		respondError(w, http.StatusBadGateway, "malformed response from server")
	default:
		respondError(w, http.StatusGatewayTimeout, "server unavailable")
	}
}

// handleInfo returns the cached player count and metadata for a server,
// refreshing through the cache on a miss.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	srv, status, msg := s.targetFromRequest(r)
	if status != 0 {
		respondError(w, status, msg)
		return
	}
	// One admission charge covers both facts; fetching them separately
	// would push the second fetch into the caller's own cooldown.
	count, meta, err := s.cache.Refresh(srv, s.caller(r))
	if err != nil {
		respondQueryError(w, err)
		return
	}

	resp := map[string]any{
		"name":        count.Name,
		"players":     count.Players,
		"max_players": count.MaxPlayers,
		"cached_at":   count.CachedAt,
	}
	if count.RateLimited {
		resp["stale"] = true
	}
	if meta != nil {
		resp["metadata"] = meta
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleServer performs the full aggregate query.
func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	srv, status, msg := s.targetFromRequest(r)
	if status != 0 {
		respondError(w, status, msg)
		return
	}

	full, err := s.client.FullInfo(srv, s.caller(r))
	if err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, full)
}

// handlePlayers returns the basic player list.
func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	srv, status, msg := s.targetFromRequest(r)
	if status != 0 {
		respondError(w, status, msg)
		return
	}

	detailed := r.URL.Query().Get("detailed") != ""
	caller := s.caller(r)

	if detailed {
		players, err := s.client.DetailedPlayers(srv, caller)
		if err != nil {
			respondQueryError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, players)
		return
	}

	players, err := s.client.Players(srv, caller)
	if err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, players)
}

// handleRules returns the server rules.
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	srv, status, msg := s.targetFromRequest(r)
	if status != 0 {
		respondError(w, status, msg)
		return
	}

	rules, err := s.client.Rules(srv, s.caller(r))
	if err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rules)
}

// handlePing measures the round trip to the server.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	srv, status, msg := s.targetFromRequest(r)
	if status != 0 {
		respondError(w, status, msg)
		return
	}

	rtt, err := s.client.Ping(srv, s.caller(r))
	if err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ping_ms": rtt.Milliseconds(),
		"ping_ns": rtt.Nanoseconds(),
	})
}

// handleTargets lists every monitored server snapshot. Admin only.
func (s *Server) handleTargets(w http.ResponseWriter, _ *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	snaps, err := s.store.Snapshots()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch snapshots")
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if snaps == nil {
		snaps = []storage.Snapshot{}
	}

	respondJSON(w, http.StatusOK, snaps)
}

// handleHealthz reports liveness and build info.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"build":  vars.Info(),
		"time":   time.Now().UTC(),
	})
}
