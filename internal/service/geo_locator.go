package service

import (
	"net"
	"os"
	"sync"

	"github.com/oschwald/geoip2-golang"
	zlog "github.com/rs/zerolog/log"
)

// GeoLocator resolves client IPs to country and city from a MaxMind City
// database. A nil *GeoLocator, or one without a readable database, returns
// empty strings.
type GeoLocator struct {
	path string

	mu     sync.RWMutex
	reader *geoip2.Reader
}

func NewGeoLocator(path string) *GeoLocator {
	g := &GeoLocator{path: path}
	if path != "" {
		if err := g.Reload(); err != nil {
			zlog.Warn().Err(err).Str("path", path).Msg("GeoIP database unavailable, geo fields stay empty")
		}
	}
	return g
}

// Reload reopens the database file, e.g. after it was replaced on disk.
func (g *GeoLocator) Reload() error {
	if _, err := os.Stat(g.path); err != nil {
		return err
	}
	reader, err := geoip2.Open(g.path)
	if err != nil {
		return err
	}
	g.mu.Lock()
	old := g.reader
	g.reader = reader
	g.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	zlog.Info().Str("path", g.path).Msg("GeoIP database loaded")
	return nil
}

func (g *GeoLocator) Lookup(ipStr string) (country, city string) {
	if g == nil {
		return "", ""
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", ""
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.reader == nil {
		return "", ""
	}
	record, err := g.reader.City(ip)
	if err != nil {
		return "", ""
	}
	return record.Country.IsoCode, record.City.Names["en"]
}

func (g *GeoLocator) Close() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reader != nil {
		_ = g.reader.Close()
		g.reader = nil
	}
}
