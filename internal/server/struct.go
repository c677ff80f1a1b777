package server

import (
	"sync"
	"time"

	"github.com/sampwatch/sampwatch/internal/admission"
	"github.com/sampwatch/sampwatch/internal/cache"
	"github.com/sampwatch/sampwatch/internal/query"
	"github.com/sampwatch/sampwatch/internal/storage"
)

// Server holds the dependencies, configuration, and runtime state of the
// HTTP query API.
type Server struct {
	// client is the admission-gated query facade for live per-opcode
	// endpoints.
	client *query.Client

	// cache fronts the facade for the info endpoint so repeated requests
	// inside a freshness window never reach the network.
	cache *cache.Cache

	// limiter is the shared outbound admission state; its sweeper runs
	// under this server's worker lifecycle.
	limiter *admission.Limiter

	// store may be nil when the external tier is unavailable; the
	// targets endpoint then answers 503.
	store *storage.Repository

	// allowedHosts is a set of hashed game server hosts that may be
	// queried through the API. Empty means any host.
	allowedHosts map[uint64]struct{}

	// authToken protects administrative endpoints.
	authToken string

	// shutdown broadcasts a stop signal to background goroutines.
	shutdown chan struct{}

	// wg waits for background goroutines during shutdown.
	wg sync.WaitGroup

	// hardLimitCount / hardLimitWin shape the per-client-IP request
	// limit.
	hardLimitCount int
	hardLimitWin   time.Duration

	// trustProxy enables X-Forwarded-For / CF-Connecting-IP handling.
	trustProxy bool
}
