// Package geoip maps client addresses to countries so locale detection can
// fall back on where a request comes from.
package geoip

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// ErrUnavailable is returned by a Resolver without a database.
var ErrUnavailable = errors.New("geoip: database not loaded")

// Resolver answers country lookups from a MaxMind country database.
type Resolver struct {
	db   *geoip2.Reader
	path string
}

// Open loads the database at path. An empty path disables lookups and
// returns a nil Resolver.
func Open(path string) (*Resolver, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return &Resolver{db: db, path: path}, nil
}

// Path returns the database file the resolver was opened from.
func (r *Resolver) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Country returns the upper-case ISO code for addr, which may carry a port.
// Loopback and private addresses resolve to "" without touching the
// database.
func (r *Resolver) Country(addr string) (string, error) {
	if r == nil {
		return "", ErrUnavailable
	}
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("geoip: %q is not an ip address", addr)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return "", nil
	}
	if r.db == nil {
		return "", ErrUnavailable
	}
	rec, err := r.db.Country(ip)
	if err != nil {
		return "", fmt.Errorf("geoip: lookup %s: %w", ip, err)
	}
	return strings.ToUpper(rec.Country.IsoCode), nil
}

// Close releases the database. It is safe on a nil Resolver.
func (r *Resolver) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
