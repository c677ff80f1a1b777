// Package maintenance provides one-shot database upkeep modes.
package maintenance

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sampwatch/sampwatch/internal/admission"
	"github.com/sampwatch/sampwatch/internal/config"
	"github.com/sampwatch/sampwatch/internal/query"
	"github.com/sampwatch/sampwatch/internal/storage"
)

const checkWorkers = 10

// Run executes any requested maintenance task. Returns true when a task
// ran, indicating the program should exit instead of serving.
func Run(cfg *config.Config, store *storage.Repository, client *query.Client) bool {
	if store == nil {
		return false
	}

	if cfg.Storage.PurgeExpired {
		count, err := store.PurgeExpired()
		if err != nil {
			log.Error().Err(err).Msg("Failed to purge expired cache rows")
		} else {
			log.Info().Int64("deleted", count).Msg("Purge finished")
		}
		return true
	}

	if cfg.Storage.CheckTargets {
		checkTargets(store, client)
		return true
	}

	return false
}

// checkTargets re-queries every stored server once: responsive servers
// get a refreshed snapshot, unresponsive ones are deleted.
func checkTargets(store *storage.Repository, client *query.Client) {
	snaps, err := store.Snapshots()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch snapshots")
		return
	}
	if len(snaps) == 0 {
		log.Info().Msg("No stored servers to check")
		return
	}

	log.Info().Int("count", len(snaps)).Msg("Re-checking stored servers...")

	jobs := make(chan storage.Snapshot)
	var wg sync.WaitGroup
	for i := 0; i < checkWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for snap := range jobs {
				checkOne(store, client, snap)
			}
		}()
	}

	for _, snap := range snaps {
		jobs <- snap
	}
	close(jobs)
	wg.Wait()

	log.Info().Msg("Maintenance task completed")
}

func checkOne(store *storage.Repository, client *query.Client, snap storage.Snapshot) {
	srv := query.Server{Host: snap.Host, Port: snap.Port, ID: snap.Key}

	// Maintenance runs as a monitoring context so the 1s cooldown
	// applies rather than the interactive one.
	info, err := client.Info(srv, admission.Caller{Context: "maintenance", Monitor: true})
	if err != nil {
		// Only a timed-out or unreachable server counts as DOWN. A
		// malformed (possibly forged) reply or a rate-limit rejection is
		// inconclusive and must not destroy the snapshot.
		if !errors.Is(err, query.ErrUnavailable) {
			log.Warn().Err(err).Str("server", srv.Addr()).Msg("Check inconclusive, keeping snapshot")
			return
		}
		log.Info().Str("server", srv.Addr()).Msg("Server DOWN, deleting snapshot")
		if err := store.DeleteSnapshot(snap.Key); err != nil {
			log.Error().Err(err).Str("server", srv.Addr()).Msg("Failed to delete snapshot")
		}
		return
	}

	snap.Name = info.Hostname
	snap.Players = info.Players
	snap.MaxPlayers = info.MaxPlayers
	snap.Passworded = info.Passworded
	snap.Gamemode = info.Gamemode
	snap.Language = info.Language
	snap.LastSeen = time.Now()

	if err := store.UpsertSnapshot(snap); err != nil {
		log.Error().Err(err).Str("server", srv.Addr()).Msg("Failed to update snapshot")
		return
	}
	log.Debug().Str("server", srv.Addr()).Msg("Server UP, snapshot updated")
}
