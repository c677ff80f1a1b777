// Package cache fronts the query facade with a two-tier, TTL-bounded
// cache so repeated queries for the same server inside a freshness
// window never reach the network.
package cache

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sampwatch/sampwatch/internal/admission"
	"github.com/sampwatch/sampwatch/internal/query"
)

// TTLs per entry kind. Player counts refreshed by the monitor live
// longer because the monitor refreshes them on every cycle anyway;
// interactive refreshes stay fresh for a minute.
const (
	CountTTL        = 60 * time.Second
	MonitorCountTTL = 240 * time.Second
	MetadataTTL     = 24 * time.Hour
)

// defaultVersion is reported for SA:MP servers that expose no version
// rule at all.
const defaultVersion = "0.3.7"

// Querier is the slice of the query facade the cache refreshes through.
type Querier interface {
	Info(srv query.Server, caller admission.Caller) (*query.BasicInfo, error)
	FullInfo(srv query.Server, caller admission.Caller) (*query.FullInfo, error)
}

// Store is the external cache tier. Get returns a nil value on miss;
// any error degrades the cache to memory-only for that operation.
type Store interface {
	Get(key string) ([]byte, time.Time, error)
	Set(key string, value []byte, ttl time.Duration) error
}

// GeoResolver maps a server host to an ISO country code, best effort.
type GeoResolver interface {
	Country(host string) string
}

// PlayerCount is the fast-changing cached fact about a server.
type PlayerCount struct {
	CachedAt   time.Time `json:"cached_at"`
	Name       string    `json:"name"`
	Players    int       `json:"players"`
	MaxPlayers int       `json:"max_players"`

	// RateLimited marks a stale best-effort value returned because a
	// refresh was refused by admission control. Never persisted.
	RateLimited bool `json:"-"`
}

// Metadata is the slow-changing cached fact about a server.
type Metadata struct {
	UpdatedAt   time.Time `json:"updated_at"`
	Hostname    string    `json:"hostname"`
	Gamemode    string    `json:"gamemode"`
	Language    string    `json:"language"`
	Version     string    `json:"version"`
	Country     string    `json:"country,omitempty"`
	BannerLight string    `json:"banner_light,omitempty"`
	BannerDark  string    `json:"banner_dark,omitempty"`
	LogoURL     string    `json:"logo_url,omitempty"`
	LastPlayers int       `json:"last_players"`
	MaxPlayers  int       `json:"max_players"`
	PingMS      int64     `json:"ping_ms"`
	OpenMP      bool      `json:"openmp"`
}

type memEntry struct {
	expires time.Time
	value   any
}

// Cache is a process-local tier over an optional external store over the
// query facade. Instances are independent; tests build their own.
type Cache struct {
	q     Querier
	store Store
	geo   GeoResolver

	mu  sync.Mutex
	mem map[string]memEntry

	now func() time.Time
}

// New creates a cache. store and geo may be nil.
func New(q Querier, store Store, geo GeoResolver) *Cache {
	return &Cache{
		q:     q,
		store: store,
		geo:   geo,
		mem:   make(map[string]memEntry),
		now:   time.Now,
	}
}

func countKey(srv query.Server) string { return "count:" + srv.Key() }
func metaKey(srv query.Server) string  { return "meta:" + srv.Key() }

// PlayerCount returns the cached player count, refreshing through the
// admission-gated info query on a miss. A rate-limited refresh falls
// back to the last known metadata, marked stale, when one exists.
func (c *Cache) PlayerCount(srv query.Server, caller admission.Caller) (*PlayerCount, error) {
	key := countKey(srv)

	if pc, ok := memGet[PlayerCount](c, key); ok {
		return pc, nil
	}
	if pc, ok := storeGet[PlayerCount](c, key); ok {
		return pc, nil
	}

	info, err := c.q.Info(srv, caller)
	if err != nil {
		if errors.Is(err, admission.ErrLimited) {
			if meta, ok := c.cachedMetadata(srv); ok {
				return &PlayerCount{
					Players:     meta.LastPlayers,
					MaxPlayers:  meta.MaxPlayers,
					Name:        displayName(srv, meta.Hostname),
					CachedAt:    meta.UpdatedAt,
					RateLimited: true,
				}, nil
			}
		}
		return nil, err
	}

	pc := &PlayerCount{
		Players:    info.Players,
		MaxPlayers: info.MaxPlayers,
		Name:       displayName(srv, info.Hostname),
		CachedAt:   c.now(),
	}

	c.put(key, pc, countTTL(caller))

	return pc, nil
}

func countTTL(caller admission.Caller) time.Duration {
	if caller.Monitor {
		return MonitorCountTTL
	}
	return CountTTL
}

// Metadata returns the cached slow-changing server facts, refreshing
// through the full aggregate query on a miss.
func (c *Cache) Metadata(srv query.Server, caller admission.Caller) (*Metadata, error) {
	key := metaKey(srv)

	if meta, ok := memGet[Metadata](c, key); ok {
		return meta, nil
	}
	if meta, ok := storeGet[Metadata](c, key); ok {
		return meta, nil
	}

	full, err := c.q.FullInfo(srv, caller)
	if err != nil {
		return nil, err
	}

	meta := &Metadata{
		Hostname:    full.Info.Hostname,
		Gamemode:    full.Info.Gamemode,
		Language:    full.Info.Language,
		Version:     resolveVersion(full.OpenMP, full.Rules),
		OpenMP:      full.OpenMP,
		LastPlayers: full.Info.Players,
		MaxPlayers:  full.Info.MaxPlayers,
		PingMS:      full.Ping.Milliseconds(),
		UpdatedAt:   c.now(),
	}
	if full.Extra != nil {
		meta.BannerLight = full.Extra.BannerLight
		meta.BannerDark = full.Extra.BannerDark
		meta.LogoURL = full.Extra.LogoURL
	}
	if c.geo != nil {
		meta.Country = c.geo.Country(srv.Host)
	}

	c.put(key, meta, MetadataTTL)

	// The aggregate reply already carries the player count; filling the
	// fast entry from it spares the caller a second admission charge.
	c.put(countKey(srv), &PlayerCount{
		Players:    full.Info.Players,
		MaxPlayers: full.Info.MaxPlayers,
		Name:       displayName(srv, full.Info.Hostname),
		CachedAt:   meta.UpdatedAt,
	}, countTTL(caller))

	return meta, nil
}

// Refresh returns the player count and metadata together, performing at
// most one admission-charged query to fill whatever is missing. Callers
// needing both facts must go through here rather than issuing
// back-to-back PlayerCount and Metadata calls: the second of those lands
// inside the cooldown the first one just started.
func (c *Cache) Refresh(srv query.Server, caller admission.Caller) (*PlayerCount, *Metadata, error) {
	if _, ok := c.cachedMetadata(srv); !ok {
		meta, err := c.Metadata(srv, caller)
		if err != nil {
			return nil, nil, err
		}
		count, ok := c.cachedCount(srv)
		if !ok {
			count = &PlayerCount{
				Players:    meta.LastPlayers,
				MaxPlayers: meta.MaxPlayers,
				Name:       displayName(srv, meta.Hostname),
				CachedAt:   meta.UpdatedAt,
			}
		}
		return count, meta, nil
	}

	count, err := c.PlayerCount(srv, caller)
	if err != nil {
		return nil, nil, err
	}
	meta, _ := c.cachedMetadata(srv)
	return count, meta, nil
}

// cachedCount consults both tiers without triggering a refresh.
func (c *Cache) cachedCount(srv query.Server) (*PlayerCount, bool) {
	if pc, ok := memGet[PlayerCount](c, countKey(srv)); ok {
		return pc, true
	}
	return storeGet[PlayerCount](c, countKey(srv))
}

// cachedMetadata consults both tiers without triggering a refresh.
func (c *Cache) cachedMetadata(srv query.Server) (*Metadata, bool) {
	if meta, ok := memGet[Metadata](c, metaKey(srv)); ok {
		return meta, true
	}
	return storeGet[Metadata](c, metaKey(srv))
}

// put writes an entry into both tiers. A failing external store is
// logged and otherwise ignored.
func (c *Cache) put(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.mem[key] = memEntry{value: value, expires: c.now().Add(ttl)}
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.store.Set(key, data, ttl); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Cache store write failed")
	}
}

// Sweep drops expired entries from the memory tier.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.mem {
		if !e.expires.After(now) {
			delete(c.mem, key)
		}
	}
}

func memGet[T any](c *Cache, key string) (*T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.mem[key]
	if !ok || !e.expires.After(c.now()) {
		return nil, false
	}
	v, ok := e.value.(*T)
	return v, ok
}

func storeGet[T any](c *Cache, key string) (*T, bool) {
	if c.store == nil {
		return nil, false
	}

	data, expires, err := c.store.Get(key)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Cache store read failed")
		return nil, false
	}
	if data == nil {
		return nil, false
	}

	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, false
	}

	// Promote into the memory tier for the remaining lifetime.
	c.mu.Lock()
	c.mem[key] = memEntry{value: v, expires: expires}
	c.mu.Unlock()

	return v, true
}

func displayName(srv query.Server, hostname string) string {
	if srv.Name != "" {
		return srv.Name
	}
	if hostname != "" {
		return hostname
	}
	return srv.Addr()
}

// resolveVersion picks the reported version string: open.mp servers
// prefer their rules version and fall back to the literal "open.mp";
// SA:MP servers try the known rule spellings before the stock default.
func resolveVersion(openMP bool, rules query.Rules) string {
	if openMP {
		if v := rules["version"]; v != "" {
			return v
		}
		return "open.mp"
	}

	for _, key := range []string{"version", "Ver", "v"} {
		if v := rules[key]; v != "" {
			return v
		}
	}
	return defaultVersion
}
