// Package config handles the parsing and validation of application
// configuration from command-line arguments and environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/sampwatch/sampwatch/internal/logger"
	"github.com/sampwatch/sampwatch/internal/query"
	"github.com/sampwatch/sampwatch/internal/vars"
)

// Config represents the complete application flags configuration.
type Config struct {
	// betteralign:ignore

	Server    Server        `group:"Server Options" env-namespace:"SAMPWATCH"`
	Storage   Storage       `group:"Storage Options" namespace:"db" env-namespace:"SAMPWATCH_DB"`
	GeoIP     GeoIP         `group:"GeoIP Options" namespace:"geoip" env-namespace:"SAMPWATCH_GEOIP"`
	RateLimit RateLimit     `group:"Rate Limit Options" namespace:"rate-limit" env-namespace:"SAMPWATCH_RATE_LIMIT"`
	Query     Query         `group:"Query Options" namespace:"query" env-namespace:"SAMPWATCH_QUERY"`
	Monitor   Monitor       `group:"Monitor Options" namespace:"monitor" env-namespace:"SAMPWATCH_MONITOR"`
	Logger    logger.Config `group:"Logger Options" namespace:"log" env-namespace:"SAMPWATCH_LOG"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`
}

// Server holds web server configuration.
type Server struct {
	// betteralign:ignore

	Address      string   `short:"l" long:"address" env:"LISTEN_ADDRESS" description:"Server listen address" default:":8080"`
	AuthToken    string   `short:"t" long:"auth-token" env:"AUTH_TOKEN" description:"Admin authentication token"`
	AllowedHosts []string `short:"a" long:"allowed-host" env:"ALLOWED_HOSTS" description:"Game server hosts that may be queried through the API (empty allows any)" env-delim:","`
	TrustProxy   bool     `long:"trust-proxy" env:"TRUST_PROXY" description:"Trust X-Forwarded-For headers"`
}

// Storage holds database configuration and one-shot maintenance flags.
type Storage struct {
	// betteralign:ignore

	Path         string `short:"d" long:"path" env:"PATH" description:"Path to SQLite database" default:"sampwatch.db"`
	PurgeExpired bool   `long:"purge-expired" description:"Delete expired cache rows and exit"`
	CheckTargets bool   `long:"check-targets" description:"Re-query every stored server once; update if UP, delete if DOWN, then exit"`
}

// GeoIP holds MaxMind GeoIP configuration.
type GeoIP struct {
	// betteralign:ignore

	Path     string        `short:"g" long:"path" env:"PATH" description:"Path to MMDB file" default:"sampwatch.mmdb"`
	URL      string        `long:"url" env:"URL" description:"URL to download MMDB" default:"https://git.io/GeoLite2-Country.mmdb"`
	Interval time.Duration `long:"interval" env:"INTERVAL" description:"Update interval check" default:"24h"`
	Disable  bool          `long:"disable" env:"DISABLE" description:"Disable GeoIP entirely"`
}

// Query holds SA:MP query protocol configuration.
type Query struct {
	// betteralign:ignore

	Timeout    time.Duration `long:"timeout" env:"TIMEOUT" description:"Query timeout" default:"5s"`
	BufferSize int           `long:"buffer-size" env:"BUFFER_SIZE" description:"Response datagram buffer size" default:"2048"`
}

// RateLimit holds API rate limiting configuration.
type RateLimit struct {
	// betteralign:ignore

	HardLimitCount int           `long:"hard-count" env:"HARD_COUNT" description:"Hard IP limit: requests count" default:"8"`
	HardLimitWin   time.Duration `long:"hard-window" env:"HARD_WINDOW" description:"Hard IP limit: window duration" default:"1m"`
}

// Monitor holds the periodic polling configuration.
type Monitor struct {
	// betteralign:ignore

	Targets  []string      `short:"m" long:"target" env:"TARGETS" description:"Servers to poll, as host:port or name@host:port" env-delim:","`
	Interval time.Duration `long:"interval" env:"INTERVAL" description:"Polling interval" default:"5m"`
}

// Parse reads the configuration from flags and environment variables.
// It terminates the application if the configuration is invalid or if
// the help flag is invoked.
func Parse() *Config {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.NamespaceDelimiter = "-"

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if cfg.Version {
		vars.Print()
		os.Exit(0)
	}

	if _, err := cfg.MonitorTargets(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	return &cfg
}

// MonitorTargets parses the configured target list. Accepted forms are
// "host:port" and "name@host:port".
func (c *Config) MonitorTargets() ([]query.Server, error) {
	servers := make([]query.Server, 0, len(c.Monitor.Targets))
	for _, raw := range c.Monitor.Targets {
		srv, err := ParseTarget(raw)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

// ParseTarget converts "host:port" or "name@host:port" into a Server.
func ParseTarget(raw string) (query.Server, error) {
	var name string
	addr := raw
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		name, addr = raw[:at], raw[at+1:]
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return query.Server{}, fmt.Errorf("invalid target %q: %w", raw, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return query.Server{}, fmt.Errorf("invalid target %q: bad port %q", raw, portStr)
	}

	return query.Server{Host: host, Port: port, Name: name}, nil
}
