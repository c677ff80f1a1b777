// Package geoip resolves game server addresses to country codes using a
// MaxMind GeoLite2 database, downloading and refreshing the database
// file when needed.
package geoip

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"
)

// Provider wraps a GeoLite2 country reader.
type Provider struct {
	reader *geoip2.Reader
}

// Open opens a GeoLite2 database file.
func Open(path string) (*Provider, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &Provider{reader: reader}, nil
}

// Close releases the database reader.
func (p *Provider) Close() error {
	return p.reader.Close()
}

// Country returns the ISO country code of a server host, or "" when the
// host is not a resolvable IPv4 literal or not in the database. Lookup
// failures are not errors for callers; country is an enrichment.
func (p *Provider) Country(host string) string {
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return ""
		}
		ip = addrs[0]
	}

	record, err := p.reader.Country(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

// Ensure downloads the database when the file is missing or older than
// maxAge. The download goes through a temp file so a failed transfer
// never clobbers a working database.
func Ensure(path, url string, maxAge time.Duration) error {
	stat, err := os.Stat(path)
	switch {
	case err == nil && time.Since(stat.ModTime()) < maxAge:
		log.Info().Str("path", path).Msg("GeoIP database is up to date")
		return nil
	case err == nil:
		log.Info().Str("path", path).Msg("GeoIP database is outdated, updating...")
	case os.IsNotExist(err):
		log.Info().Str("path", path).Msg("GeoIP database missing, downloading...")
	default:
		return err
	}

	resp, err := http.Get(url) //nolint:gosec
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geoip download: unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.Create(path + ".tmp")
	if err != nil {
		return err
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
