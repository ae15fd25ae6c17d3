package gatekeeper

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// CountryResolver maps a request to an ISO-3166 alpha-2 code, or "" when
// unknown.
type CountryResolver interface {
	Country(r *http.Request, clientIP string) string
}

// HeaderCountry trusts a country header set by the edge (for example
// CF-IPCountry) and falls back to Fallback when the header is absent.
type HeaderCountry struct {
	Header   string
	Fallback CountryResolver
}

func (h HeaderCountry) Country(r *http.Request, clientIP string) string {
	header := h.Header
	if header == "" {
		header = "X-Country-Code"
	}
	if v := strings.ToUpper(strings.TrimSpace(r.Header.Get(header))); v != "" {
		return v
	}
	if h.Fallback != nil {
		return h.Fallback.Country(r, clientIP)
	}
	return ""
}

// GeoIPResolver looks the client address up in a MaxMind country or city
// database.
type GeoIPResolver struct {
	reader *geoip2.Reader
}

func OpenGeoIP(path string) (*GeoIPResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip db: %w", err)
	}
	return &GeoIPResolver{reader: reader}, nil
}

func (g *GeoIPResolver) Country(_ *http.Request, clientIP string) string {
	if g == nil || g.reader == nil {
		return ""
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return ""
	}
	rec, err := g.reader.Country(ip)
	if err != nil {
		return ""
	}
	return strings.ToUpper(rec.Country.IsoCode)
}

func (g *GeoIPResolver) Close() error {
	if g == nil || g.reader == nil {
		return nil
	}
	return g.reader.Close()
}
