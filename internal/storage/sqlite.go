// Package storage is the external cache tier and snapshot store, backed
// by SQLite. Its absence must never abort a query: callers treat a nil
// or failed repository as "no external tier".
package storage

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite" // Driver sqlite
)

// Repository manages the SQLite database connection.
type Repository struct {
	db *sql.DB
}

// Snapshot is one monitored server's last observed state.
type Snapshot struct {
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Key        string    `json:"key"`
	Host       string    `json:"host"`
	Name       string    `json:"name"`
	Gamemode   string    `json:"gamemode"`
	Language   string    `json:"language"`
	Version    string    `json:"version"`
	Country    string    `json:"country"`
	PingMS     int64     `json:"ping_ms"`
	Port       int       `json:"port"`
	Players    int       `json:"players"`
	MaxPlayers int       `json:"max_players"`
	OpenMP     bool      `json:"openmp"`
	Passworded bool      `json:"passworded"`
}

// Open initializes the SQLite connection, sets pool parameters, and runs
// migrations.
func Open(dbPath string) (*Repository, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Get returns the value and expiry of an unexpired cache entry, or a nil
// value when the key is absent or expired.
func (r *Repository) Get(key string) ([]byte, time.Time, error) {
	var (
		value     []byte
		expiresAt time.Time
	)

	row := r.db.QueryRow(
		`SELECT value, expires_at FROM kv_cache WHERE key = ? AND expires_at > ?`,
		key, time.Now(),
	)
	if err := row.Scan(&value, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, err
	}

	return value, expiresAt, nil
}

// Set stores a cache entry, replacing any previous value for the key.
func (r *Repository) Set(key string, value []byte, ttl time.Duration) error {
	_, err := r.db.Exec(`
		INSERT INTO kv_cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at`,
		key, value, time.Now().Add(ttl),
	)
	return err
}

// PurgeExpired deletes cache rows whose TTL has passed.
func (r *Repository) PurgeExpired() (int64, error) {
	res, err := r.db.Exec(`DELETE FROM kv_cache WHERE expires_at <= ?`, time.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertSnapshot inserts or refreshes a server snapshot. Slow-changing
// fields keep their previous value when the new one is blank, so a cycle
// where only the info opcode answered does not wipe rule-derived data.
func (r *Repository) UpsertSnapshot(s Snapshot) error {
	_, err := r.db.Exec(`
		INSERT INTO servers (
			key, host, port, name, gamemode, language, version, country,
			openmp, passworded, players, max_players, ping_ms, first_seen, last_seen
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_seen   = excluded.last_seen,
			players     = excluded.players,
			max_players = excluded.max_players,
			passworded  = excluded.passworded,
			ping_ms     = excluded.ping_ms,
			openmp      = excluded.openmp,

			name     = CASE WHEN excluded.name     != '' THEN excluded.name     ELSE servers.name     END,
			gamemode = CASE WHEN excluded.gamemode != '' THEN excluded.gamemode ELSE servers.gamemode END,
			language = CASE WHEN excluded.language != '' THEN excluded.language ELSE servers.language END,
			version  = CASE WHEN excluded.version  != '' THEN excluded.version  ELSE servers.version  END,
			country  = CASE WHEN excluded.country  != '' THEN excluded.country  ELSE servers.country  END`,
		s.Key, s.Host, s.Port, s.Name, s.Gamemode, s.Language, s.Version, s.Country,
		s.OpenMP, s.Passworded, s.Players, s.MaxPlayers, s.PingMS, s.FirstSeen, s.LastSeen,
	)
	return err
}

// Snapshots returns every stored server, most recently seen first.
func (r *Repository) Snapshots() ([]Snapshot, error) {
	rows, err := r.db.Query(`
		SELECT key, host, port, name, gamemode, language, version, country,
		       openmp, passworded, players, max_players, ping_ms, first_seen, last_seen
		FROM servers
		ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var snaps []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(
			&s.Key, &s.Host, &s.Port, &s.Name, &s.Gamemode, &s.Language, &s.Version, &s.Country,
			&s.OpenMP, &s.Passworded, &s.Players, &s.MaxPlayers, &s.PingMS, &s.FirstSeen, &s.LastSeen,
		); err != nil {
			continue
		}
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return snaps, nil
}

// DeleteSnapshot removes a server snapshot by key.
func (r *Repository) DeleteSnapshot(key string) error {
	_, err := r.db.Exec(`DELETE FROM servers WHERE key = ?`, key)
	return err
}
