// Package monitor polls a configured set of servers on a fixed interval
// through the cache, recording snapshots for the targets API.
package monitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sampwatch/sampwatch/internal/admission"
	"github.com/sampwatch/sampwatch/internal/cache"
	"github.com/sampwatch/sampwatch/internal/query"
	"github.com/sampwatch/sampwatch/internal/storage"
)

// pollWorkers bounds how many targets are refreshed concurrently. The
// per-target admission state stays consistent regardless; this only
// caps socket and goroutine pressure.
const pollWorkers = 4

// Monitor drives the periodic polling cycle.
type Monitor struct {
	cache    *cache.Cache
	store    *storage.Repository
	targets  []query.Server
	interval time.Duration

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a monitor over the given targets. store may be nil, in
// which case cycles still keep the cache warm but record nothing.
func New(qcache *cache.Cache, store *storage.Repository, targets []query.Server, interval time.Duration) *Monitor {
	return &Monitor{
		cache:    qcache,
		store:    store,
		targets:  targets,
		interval: interval,
		shutdown: make(chan struct{}),
	}
}

// Start launches the polling loop. A cycle runs immediately, then on
// every interval tick.
func (m *Monitor) Start() {
	if len(m.targets) == 0 {
		log.Info().Msg("No monitor targets configured")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		log.Info().Int("targets", len(m.targets)).Dur("interval", m.interval).Msg("Monitor started")
		m.cycle()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.shutdown:
				return
			case <-ticker.C:
				m.cycle()
			}
		}
	}()
}

// Stop signals the loop and waits for the running cycle to finish.
func (m *Monitor) Stop() {
	close(m.shutdown)
	m.wg.Wait()
}

// cycle refreshes every target once through a small worker pool.
func (m *Monitor) cycle() {
	jobs := make(chan query.Server)

	var wg sync.WaitGroup
	for i := 0; i < pollWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for srv := range jobs {
				m.poll(srv)
			}
		}()
	}

	for _, srv := range m.targets {
		jobs <- srv
	}
	close(jobs)
	wg.Wait()
}

// poll refreshes one target and records a snapshot. The whole snapshot
// derives from a single admission-charged cache refresh: a second gated
// query issued right after it would land inside the monitor cooldown
// and be rejected every cycle.
func (m *Monitor) poll(srv query.Server) {
	caller := admission.Caller{Context: "monitor", Monitor: true}

	count, meta, err := m.cache.Refresh(srv, caller)
	if err != nil {
		log.Debug().Err(err).Str("server", srv.Addr()).Msg("Monitor poll failed")
		return
	}

	if m.store == nil {
		return
	}

	now := time.Now()
	snap := storage.Snapshot{
		Key:        srv.Key(),
		Host:       srv.Host,
		Port:       srv.Port,
		Name:       count.Name,
		Players:    count.Players,
		MaxPlayers: count.MaxPlayers,
		FirstSeen:  now,
		LastSeen:   now,
	}
	if meta != nil {
		snap.Gamemode = meta.Gamemode
		snap.Language = meta.Language
		snap.Version = meta.Version
		snap.Country = meta.Country
		snap.OpenMP = meta.OpenMP
		snap.PingMS = meta.PingMS
	}

	if err := m.store.UpsertSnapshot(snap); err != nil {
		log.Error().Err(err).Str("server", srv.Addr()).Msg("Failed to save snapshot")
		return
	}

	log.Debug().Str("server", srv.Addr()).Int("players", count.Players).Msg("Snapshot saved")
}
