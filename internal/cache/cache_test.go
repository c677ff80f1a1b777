package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sampwatch/sampwatch/internal/admission"
	"github.com/sampwatch/sampwatch/internal/query"
)

var testServer = query.Server{Host: "203.0.113.5", Port: 7777}

// fakeQuerier counts calls and returns canned results.
type fakeQuerier struct {
	info     *query.BasicInfo
	full     *query.FullInfo
	err      error
	infoHits int
	fullHits int
}

func (f *fakeQuerier) Info(query.Server, admission.Caller) (*query.BasicInfo, error) {
	f.infoHits++
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

func (f *fakeQuerier) FullInfo(query.Server, admission.Caller) (*query.FullInfo, error) {
	f.fullHits++
	if f.err != nil {
		return nil, f.err
	}
	return f.full, nil
}

// fakeStore is an in-memory external tier.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
	exp  map[string]time.Time
	fail bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string][]byte{}, exp: map[string]time.Time{}}
}

func (s *fakeStore) Get(key string) ([]byte, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, time.Time{}, errors.New("store down")
	}
	v, ok := s.data[key]
	if !ok || !s.exp[key].After(time.Now()) {
		return nil, time.Time{}, nil
	}
	return v, s.exp[key], nil
}

func (s *fakeStore) Set(key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store down")
	}
	s.data[key] = value
	s.exp[key] = time.Now().Add(ttl)
	return nil
}

func interactive() admission.Caller { return admission.Caller{Context: "guild-1"} }

func basicInfo() *query.BasicInfo {
	return &query.BasicInfo{Players: 7, MaxPlayers: 50, Hostname: "Test", Gamemode: "dm", Language: "en"}
}

func TestPlayerCountCachedWithinTTL(t *testing.T) {
	q := &fakeQuerier{info: basicInfo()}
	c := New(q, nil, nil)

	first, err := c.PlayerCount(testServer, interactive())
	if err != nil {
		t.Fatalf("PlayerCount() error: %v", err)
	}
	second, err := c.PlayerCount(testServer, interactive())
	if err != nil {
		t.Fatalf("PlayerCount() error: %v", err)
	}

	if q.infoHits != 1 {
		t.Errorf("info queries = %d, want 1", q.infoHits)
	}
	if first.Players != 7 || second.Players != 7 {
		t.Errorf("players = %d / %d", first.Players, second.Players)
	}
}

func TestPlayerCountRefreshAfterExpiry(t *testing.T) {
	q := &fakeQuerier{info: basicInfo()}
	c := New(q, nil, nil)

	now := time.Now()
	c.now = func() time.Time { return now }

	if _, err := c.PlayerCount(testServer, interactive()); err != nil {
		t.Fatalf("PlayerCount() error: %v", err)
	}

	now = now.Add(CountTTL + time.Second)
	if _, err := c.PlayerCount(testServer, interactive()); err != nil {
		t.Fatalf("PlayerCount() error: %v", err)
	}

	if q.infoHits != 2 {
		t.Errorf("info queries = %d, want exactly 2", q.infoHits)
	}
}

func TestPlayerCountMonitorTTL(t *testing.T) {
	q := &fakeQuerier{info: basicInfo()}
	c := New(q, nil, nil)

	now := time.Now()
	c.now = func() time.Time { return now }

	monitor := admission.Caller{Context: "monitor", Monitor: true}
	if _, err := c.PlayerCount(testServer, monitor); err != nil {
		t.Fatalf("PlayerCount() error: %v", err)
	}

	// Beyond the interactive TTL but inside the monitor TTL.
	now = now.Add(CountTTL + time.Second)
	if _, err := c.PlayerCount(testServer, monitor); err != nil {
		t.Fatalf("PlayerCount() error: %v", err)
	}

	if q.infoHits != 1 {
		t.Errorf("info queries = %d, want 1", q.infoHits)
	}
}

func TestPlayerCountStaleOnRateLimit(t *testing.T) {
	q := &fakeQuerier{info: basicInfo(), full: &query.FullInfo{Info: basicInfo()}}
	c := New(q, nil, nil)

	now := time.Now()
	c.now = func() time.Time { return now }

	// Populate metadata first, then let the count entry it filled expire
	// while the metadata stays valid.
	if _, err := c.Metadata(testServer, interactive()); err != nil {
		t.Fatalf("Metadata() error: %v", err)
	}
	now = now.Add(CountTTL + time.Second)

	q.err = admission.ErrLimited

	pc, err := c.PlayerCount(testServer, interactive())
	if err != nil {
		t.Fatalf("PlayerCount() error: %v, want stale fallback", err)
	}
	if !pc.RateLimited {
		t.Error("RateLimited = false, want true")
	}
	if pc.Players != 7 {
		t.Errorf("stale players = %d, want 7", pc.Players)
	}
}

func TestPlayerCountRateLimitWithoutMetadata(t *testing.T) {
	q := &fakeQuerier{err: admission.ErrLimited}
	c := New(q, nil, nil)

	if _, err := c.PlayerCount(testServer, interactive()); !errors.Is(err, admission.ErrLimited) {
		t.Errorf("PlayerCount() error = %v, want ErrLimited", err)
	}
}

func TestStoreTierRoundTrip(t *testing.T) {
	store := newFakeStore()

	q1 := &fakeQuerier{info: basicInfo()}
	c1 := New(q1, store, nil)
	if _, err := c1.PlayerCount(testServer, interactive()); err != nil {
		t.Fatalf("PlayerCount() error: %v", err)
	}

	// A fresh process (new cache instance) hits the external tier, not
	// the network.
	q2 := &fakeQuerier{info: basicInfo()}
	c2 := New(q2, store, nil)
	pc, err := c2.PlayerCount(testServer, interactive())
	if err != nil {
		t.Fatalf("PlayerCount() error: %v", err)
	}

	if q2.infoHits != 0 {
		t.Errorf("info queries on second instance = %d, want 0", q2.infoHits)
	}
	if pc.Players != 7 {
		t.Errorf("players = %d, want 7", pc.Players)
	}
}

func TestStoreFailureDegradesToQuery(t *testing.T) {
	store := newFakeStore()
	store.fail = true

	q := &fakeQuerier{info: basicInfo()}
	c := New(q, store, nil)

	pc, err := c.PlayerCount(testServer, interactive())
	if err != nil {
		t.Fatalf("PlayerCount() error: %v", err)
	}
	if pc.Players != 7 || q.infoHits != 1 {
		t.Errorf("players = %d, queries = %d", pc.Players, q.infoHits)
	}
}

func TestMetadataVersionResolution(t *testing.T) {
	tests := []struct {
		name   string
		openMP bool
		rules  query.Rules
		want   string
	}{
		{"openmp with rules version", true, query.Rules{"version": "omp 1.2.0"}, "omp 1.2.0"},
		{"openmp without rules version", true, query.Rules{}, "open.mp"},
		{"samp version rule", false, query.Rules{"version": "0.3.7-R2"}, "0.3.7-R2"},
		{"samp Ver rule", false, query.Rules{"Ver": "0.3.DL"}, "0.3.DL"},
		{"samp v rule", false, query.Rules{"v": "0.3z"}, "0.3z"},
		{"samp no rule", false, query.Rules{}, defaultVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveVersion(tt.openMP, tt.rules); got != tt.want {
				t.Errorf("resolveVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMetadataFields(t *testing.T) {
	q := &fakeQuerier{full: &query.FullInfo{
		Info:   basicInfo(),
		Rules:  query.Rules{"version": "omp 1.4"},
		OpenMP: true,
		Ping:   21 * time.Millisecond,
		Extra:  &query.ExtraInfo{DiscordURL: "https://discord.gg/x", LogoURL: "https://x/logo.png"},
	}}
	c := New(q, nil, nil)

	meta, err := c.Metadata(testServer, interactive())
	if err != nil {
		t.Fatalf("Metadata() error: %v", err)
	}

	if !meta.OpenMP || meta.Version != "omp 1.4" {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.LogoURL != "https://x/logo.png" {
		t.Errorf("LogoURL = %q", meta.LogoURL)
	}
	if meta.LastPlayers != 7 || meta.MaxPlayers != 50 {
		t.Errorf("players = %d/%d", meta.LastPlayers, meta.MaxPlayers)
	}
	if meta.PingMS != 21 {
		t.Errorf("PingMS = %d, want 21", meta.PingMS)
	}
	if q.fullHits != 1 {
		t.Errorf("full queries = %d, want 1", q.fullHits)
	}
}

func TestMetadataFillsCountEntry(t *testing.T) {
	q := &fakeQuerier{info: basicInfo(), full: &query.FullInfo{Info: basicInfo()}}
	c := New(q, nil, nil)

	if _, err := c.Metadata(testServer, interactive()); err != nil {
		t.Fatalf("Metadata() error: %v", err)
	}

	// The count was in the aggregate reply; no separate info query.
	pc, err := c.PlayerCount(testServer, interactive())
	if err != nil {
		t.Fatalf("PlayerCount() error: %v", err)
	}
	if pc.Players != 7 || pc.MaxPlayers != 50 {
		t.Errorf("count = %d/%d, want 7/50", pc.Players, pc.MaxPlayers)
	}
	if q.infoHits != 0 {
		t.Errorf("info queries = %d, want 0", q.infoHits)
	}
}

func TestRefreshSingleQueryOnColdCache(t *testing.T) {
	q := &fakeQuerier{info: basicInfo(), full: &query.FullInfo{
		Info: basicInfo(),
		Ping: 34 * time.Millisecond,
	}}
	c := New(q, nil, nil)

	count, meta, err := c.Refresh(testServer, interactive())
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	if count == nil || meta == nil {
		t.Fatalf("Refresh() = %v / %v, want both", count, meta)
	}
	if count.Players != 7 || meta.PingMS != 34 {
		t.Errorf("players = %d, ping = %d", count.Players, meta.PingMS)
	}
	if q.fullHits != 1 || q.infoHits != 0 {
		t.Errorf("queries = %d full / %d info, want exactly one full", q.fullHits, q.infoHits)
	}
}

func TestRefreshUsesInfoWhenMetadataFresh(t *testing.T) {
	q := &fakeQuerier{info: basicInfo(), full: &query.FullInfo{Info: basicInfo()}}
	c := New(q, nil, nil)

	now := time.Now()
	c.now = func() time.Time { return now }

	if _, _, err := c.Refresh(testServer, interactive()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	// Count expired, metadata still valid for hours: only the cheap info
	// query goes out.
	now = now.Add(CountTTL + time.Second)
	q.info.Players = 12

	count, meta, err := c.Refresh(testServer, interactive())
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	if count.Players != 12 {
		t.Errorf("players = %d, want refreshed 12", count.Players)
	}
	if meta == nil {
		t.Fatal("metadata = nil, want cached entry")
	}
	if q.fullHits != 1 || q.infoHits != 1 {
		t.Errorf("queries = %d full / %d info, want 1 / 1", q.fullHits, q.infoHits)
	}
}

func TestRefreshStaleOnRateLimit(t *testing.T) {
	q := &fakeQuerier{info: basicInfo(), full: &query.FullInfo{Info: basicInfo()}}
	c := New(q, nil, nil)

	now := time.Now()
	c.now = func() time.Time { return now }

	if _, _, err := c.Refresh(testServer, interactive()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	now = now.Add(CountTTL + time.Second)
	q.err = admission.ErrLimited

	count, meta, err := c.Refresh(testServer, interactive())
	if err != nil {
		t.Fatalf("Refresh() error: %v, want stale fallback", err)
	}
	if !count.RateLimited {
		t.Error("RateLimited = false, want true")
	}
	if meta == nil {
		t.Error("metadata = nil, want cached entry")
	}
}

func TestSweepEvictsExpired(t *testing.T) {
	q := &fakeQuerier{info: basicInfo()}
	c := New(q, nil, nil)

	now := time.Now()
	c.now = func() time.Time { return now }

	if _, err := c.PlayerCount(testServer, interactive()); err != nil {
		t.Fatalf("PlayerCount() error: %v", err)
	}

	now = now.Add(CountTTL + time.Second)
	c.Sweep()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.mem) != 0 {
		t.Errorf("mem entries after sweep = %d, want 0", len(c.mem))
	}
}
