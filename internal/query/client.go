package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sampwatch/sampwatch/internal/admission"
)

// maxListablePlayers gates player list retrieval in FullInfo. Servers
// reporting more players than this are too large to enumerate reliably
// over single datagrams.
const maxListablePlayers = 100

// openMPMarker appears in the rules "version" value of open.mp servers.
const openMPMarker = "omp"

// Client is the public query facade. Every exported method charges
// admission control once, performs the exchanges it needs, and returns a
// typed result or ErrUnavailable / ErrMalformed / admission.ErrLimited.
type Client struct {
	limiter *admission.Limiter

	// Timeout bounds each UDP exchange.
	Timeout time.Duration

	// BufferSize is the receive buffer for one datagram.
	BufferSize int
}

// New creates a client gated by the given limiter. A nil limiter disables
// admission control, which tests rely on.
func New(limiter *admission.Limiter) *Client {
	return &Client{
		limiter:    limiter,
		Timeout:    DefaultTimeout,
		BufferSize: DefaultBufferSize,
	}
}

func (c *Client) admit(srv Server, caller admission.Caller) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Allow(srv.Key(), caller)
}

// exchange sends one opcode request and returns the authenticated raw
// reply. Forged or malformed datagrams are logged apart from timeouts
// because they may indicate a spoofing attempt.
func (c *Client) exchange(srv Server, op byte, pkt []byte) ([]byte, error) {
	raw, err := roundTrip(srv, pkt, c.Timeout, c.BufferSize)
	if err != nil {
		log.Debug().Err(err).Str("server", srv.Addr()).Str("opcode", string(op)).Msg("No response")
		return nil, err
	}

	if err := authenticate(raw, srv, op); err != nil {
		log.Warn().Err(err).Str("server", srv.Addr()).Str("opcode", string(op)).Msg("Rejected response")
		return nil, err
	}

	return raw, nil
}

// Info queries the 'i' opcode.
func (c *Client) Info(srv Server, caller admission.Caller) (*BasicInfo, error) {
	if err := c.admit(srv, caller); err != nil {
		return nil, err
	}
	return c.info(srv)
}

func (c *Client) info(srv Server) (*BasicInfo, error) {
	raw, err := c.exchange(srv, OpInfo, buildRequest(srv, OpInfo))
	if err != nil {
		return nil, err
	}

	info, err := decodeInfo(raw)
	if err != nil {
		log.Warn().Err(err).Str("server", srv.Addr()).Msg("Rejected info payload")
		return nil, err
	}
	return info, nil
}

// Rules queries the 'r' opcode. A reachable server with no rules yields
// an empty, non-nil map.
func (c *Client) Rules(srv Server, caller admission.Caller) (Rules, error) {
	if err := c.admit(srv, caller); err != nil {
		return nil, err
	}
	return c.rules(srv)
}

func (c *Client) rules(srv Server) (Rules, error) {
	raw, err := c.exchange(srv, OpRules, buildRequest(srv, OpRules))
	if err != nil {
		return nil, err
	}
	return decodeRules(raw), nil
}

// Players queries the 'c' opcode.
func (c *Client) Players(srv Server, caller admission.Caller) ([]Player, error) {
	if err := c.admit(srv, caller); err != nil {
		return nil, err
	}
	return c.players(srv)
}

func (c *Client) players(srv Server) ([]Player, error) {
	raw, err := c.exchange(srv, OpPlayers, buildRequest(srv, OpPlayers))
	if err != nil {
		return nil, err
	}
	return decodePlayers(raw), nil
}

// DetailedPlayers queries the 'd' opcode.
func (c *Client) DetailedPlayers(srv Server, caller admission.Caller) ([]DetailedPlayer, error) {
	if err := c.admit(srv, caller); err != nil {
		return nil, err
	}
	return c.detailedPlayers(srv)
}

func (c *Client) detailedPlayers(srv Server) ([]DetailedPlayer, error) {
	raw, err := c.exchange(srv, OpDetailed, buildRequest(srv, OpDetailed))
	if err != nil {
		return nil, err
	}
	return decodeDetailedPlayers(raw), nil
}

// Ping measures the round trip of a 'p' exchange. Correlation is via the
// echoed challenge, not a connection; a reply with the wrong echo is
// treated as forged.
func (c *Client) Ping(srv Server, caller admission.Caller) (time.Duration, error) {
	if err := c.admit(srv, caller); err != nil {
		return 0, err
	}
	return c.ping(srv)
}

func (c *Client) ping(srv Server) (time.Duration, error) {
	pkt, nonce := buildPing(srv)

	start := time.Now()
	raw, err := c.exchange(srv, OpPing, pkt)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)

	echo, err := decodePing(raw)
	if err != nil {
		return 0, err
	}
	if echo != nonce {
		log.Warn().Str("server", srv.Addr()).Msg("Ping challenge mismatch")
		return 0, fmt.Errorf("%w: ping challenge mismatch", ErrMalformed)
	}

	return elapsed, nil
}

// IsOpenMP reports whether the target runs open.mp rather than stock
// SA:MP. Three independent signals are checked in order, first positive
// wins: an authenticated reply to the 'o' probe, an "allowed_clients"
// rule, or an open.mp marker in the rules version value.
func (c *Client) IsOpenMP(srv Server, caller admission.Caller) (bool, error) {
	if err := c.admit(srv, caller); err != nil {
		return false, err
	}

	// Each signal is independent; a failed rules fetch just leaves the
	// rule-based signals negative.
	rules, _ := c.rules(srv)
	return c.openMP(srv, rules), nil
}

func (c *Client) openMP(srv Server, rules Rules) bool {
	if raw, err := c.exchange(srv, OpExtra, buildRequest(srv, OpExtra)); err == nil && len(raw) > 0 {
		return true
	}

	if _, ok := rules["allowed_clients"]; ok {
		return true
	}

	return strings.Contains(strings.ToLower(rules["version"]), openMPMarker)
}

// ExtraInfo queries the open.mp 'o' opcode. Stock SA:MP servers do not
// answer it.
func (c *Client) ExtraInfo(srv Server, caller admission.Caller) (*ExtraInfo, error) {
	if err := c.admit(srv, caller); err != nil {
		return nil, err
	}
	return c.extraInfo(srv)
}

func (c *Client) extraInfo(srv Server) (*ExtraInfo, error) {
	raw, err := c.exchange(srv, OpExtra, buildRequest(srv, OpExtra))
	if err != nil {
		return nil, err
	}
	return decodeExtraInfo(raw), nil
}

// FullInfo aggregates every opcode. The basic info must succeed; every
// other piece is best-effort and its failure leaves the field absent.
// Player lists are fetched only when the reported count is in (0, 100]:
// zero has nothing to list, and larger servers are skipped entirely.
func (c *Client) FullInfo(srv Server, caller admission.Caller) (*FullInfo, error) {
	if err := c.admit(srv, caller); err != nil {
		return nil, err
	}

	info, err := c.info(srv)
	if err != nil {
		return nil, err
	}
	full := &FullInfo{Info: info}

	rules, err := c.rules(srv)
	if err == nil {
		full.Rules = rules
	}

	full.OpenMP = c.openMP(srv, rules)
	if full.OpenMP {
		if extra, err := c.extraInfo(srv); err == nil {
			full.Extra = extra
		}
	}

	if ping, err := c.ping(srv); err == nil {
		full.Ping = ping
	}

	if info.Players > 0 && info.Players <= maxListablePlayers {
		if players, err := c.players(srv); err == nil {
			full.Players = players
		}
		if detailed, err := c.detailedPlayers(srv); err == nil {
			full.Detailed = detailed
		}
	}

	return full, nil
}
