// Package geo answers where an IP address lives: country, coordinates,
// ASN (from MaxMind databases) and whether it sits inside a known
// anycast prefix (from local prefix list files). Lookups never fail a
// measurement; missing databases degrade to unknown values.
package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Fallback coordinates reported when a location cannot be resolved.
const (
	FallbackLat = 25.0
	FallbackLon = -71.0
)

// Resolver is the lookup interface the orchestrator and gateway use.
type Resolver interface {
	CountryForIP(ip string) string
	CoordinatesForIP(ip string) (lat, lon float64)
	ASNForIP(ip string) string
	IsAnycast(ip string) bool
	ContinentForIP(ip string) string
}

// Config points at the local data files. Empty paths disable the
// corresponding lookup.
type Config struct {
	CityDB    string
	CountryDB string
	ASNDB     string
	AnycastV4 string
	AnycastV6 string
}

// MaxMind resolves against GeoLite2 databases plus anycast prefix files.
type MaxMind struct {
	city    *geoip2.Reader
	country *geoip2.Reader
	asn     *geoip2.Reader
	anycast *anycastTable
}

// Open loads whatever databases the config names. A missing path is
// fine; an unreadable file is not.
func Open(cfg Config) (*MaxMind, error) {
	m := &MaxMind{}
	var err error
	if cfg.CityDB != "" {
		if m.city, err = geoip2.Open(cfg.CityDB); err != nil {
			return nil, fmt.Errorf("open city db: %w", err)
		}
	}
	if cfg.CountryDB != "" {
		if m.country, err = geoip2.Open(cfg.CountryDB); err != nil {
			return nil, fmt.Errorf("open country db: %w", err)
		}
	}
	if cfg.ASNDB != "" {
		if m.asn, err = geoip2.Open(cfg.ASNDB); err != nil {
			return nil, fmt.Errorf("open asn db: %w", err)
		}
	}
	if m.anycast, err = loadAnycast(cfg.AnycastV4, cfg.AnycastV6); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MaxMind) Close() {
	for _, r := range []*geoip2.Reader{m.city, m.country, m.asn} {
		if r != nil {
			r.Close()
		}
	}
}

func (m *MaxMind) CountryForIP(ip string) string {
	parsed := net.ParseIP(ip)
	if m.country == nil || parsed == nil {
		return ""
	}
	rec, err := m.country.Country(parsed)
	if err != nil {
		return ""
	}
	return rec.Country.IsoCode
}

func (m *MaxMind) ContinentForIP(ip string) string {
	parsed := net.ParseIP(ip)
	if m.country == nil || parsed == nil {
		return ""
	}
	rec, err := m.country.Country(parsed)
	if err != nil {
		return ""
	}
	return rec.Continent.Code
}

func (m *MaxMind) CoordinatesForIP(ip string) (float64, float64) {
	parsed := net.ParseIP(ip)
	if m.city == nil || parsed == nil {
		return FallbackLat, FallbackLon
	}
	rec, err := m.city.City(parsed)
	if err != nil || (rec.Location.Latitude == 0 && rec.Location.Longitude == 0) {
		return FallbackLat, FallbackLon
	}
	return rec.Location.Latitude, rec.Location.Longitude
}

func (m *MaxMind) ASNForIP(ip string) string {
	parsed := net.ParseIP(ip)
	if m.asn == nil || parsed == nil {
		return ""
	}
	rec, err := m.asn.ASN(parsed)
	if err != nil || rec.AutonomousSystemNumber == 0 {
		return ""
	}
	return fmt.Sprintf("%d", rec.AutonomousSystemNumber)
}

func (m *MaxMind) IsAnycast(ip string) bool {
	return m.anycast.contains(ip)
}
