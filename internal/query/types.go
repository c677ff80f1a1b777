// Package query implements the SA:MP / open.mp server query protocol:
// request building, response authentication, payload decoding, and the
// one-datagram UDP transport that ties them together.
package query

import (
	"errors"
	"net"
	"strconv"
	"time"
)

var (
	// ErrUnavailable is returned when the server did not answer within the
	// timeout or the socket failed. The target is treated as offline.
	ErrUnavailable = errors.New("server unavailable")

	// ErrMalformed is returned when a datagram arrived but failed
	// authentication or decoding. Distinct from ErrUnavailable because it
	// may indicate a spoofed or forged reply.
	ErrMalformed = errors.New("malformed response")
)

// Server identifies a queryable game server endpoint.
type Server struct {
	// Host is an IPv4 literal or a hostname.
	Host string `json:"host"`

	// Port is the game server query port.
	Port int `json:"port"`

	// ID is a stable identifier used for admission accounting and cache
	// keys. Optional; falls back to "host:port".
	ID string `json:"id,omitempty"`

	// Name is a human-readable label for the server.
	Name string `json:"name,omitempty"`
}

// Key returns the identity used for rate limiting and caching.
func (s Server) Key() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Addr()
}

// Addr returns the "host:port" dial address.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ip4 returns the literal IPv4 address of the host, or nil for hostnames.
func (s Server) ip4() net.IP {
	ip := net.ParseIP(s.Host)
	if ip == nil {
		return nil
	}
	return ip.To4()
}

// BasicInfo is the decoded 'i' opcode reply.
type BasicInfo struct {
	Hostname   string `json:"hostname"`
	Gamemode   string `json:"gamemode"`
	Language   string `json:"language"`
	Players    int    `json:"players"`
	MaxPlayers int    `json:"max_players"`
	Passworded bool   `json:"passworded"`
}

// Player is one entry of the basic player list ('c' opcode).
type Player struct {
	Name  string `json:"name"`
	Score int32  `json:"score"`
}

// DetailedPlayer is one entry of the detailed player list ('d' opcode).
type DetailedPlayer struct {
	Name  string `json:"name"`
	Score int32  `json:"score"`
	Ping  uint32 `json:"ping"`
	Slot  byte   `json:"slot"`
}

// Rules is the decoded 'r' opcode reply. Keys are unique, order is not
// meaningful.
type Rules map[string]string

// ExtraInfo is the decoded open.mp 'o' opcode reply. Every field is
// optional on the wire; absent fields are empty strings.
type ExtraInfo struct {
	DiscordURL  string `json:"discord_url,omitempty"`
	BannerLight string `json:"banner_light,omitempty"`
	BannerDark  string `json:"banner_dark,omitempty"`
	LogoURL     string `json:"logo_url,omitempty"`
}

// FullInfo aggregates every opcode the server answered. Pieces the server
// did not answer are zero values; a failed sub-query never aborts the
// aggregate.
type FullInfo struct {
	Info     *BasicInfo       `json:"info"`
	Extra    *ExtraInfo       `json:"extra,omitempty"`
	Rules    Rules            `json:"rules,omitempty"`
	Players  []Player         `json:"players,omitempty"`
	Detailed []DetailedPlayer `json:"detailed,omitempty"`
	Ping     time.Duration    `json:"ping_ns"`
	OpenMP   bool             `json:"openmp"`
}
