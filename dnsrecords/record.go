// Package dnsrecords keeps A records at the DNS provider in line with the
// elected master (or the healthy pool) of an application.
package dnsrecords

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

// MasterComment tags the single authoritative record of a domain.
const MasterComment = "master"

type Record struct {
	ID         string    `json:"id,omitempty"`
	Type       string    `json:"type"`
	Name       string    `json:"name"`
	Content    string    `json:"content"`
	TTL        int       `json:"ttl"`
	Comment    string    `json:"comment,omitempty"`
	Proxied    bool      `json:"proxied"`
	ModifiedAt time.Time `json:"modified_on,omitempty"`
}

// Filter narrows a record listing. Empty fields match anything.
type Filter struct {
	Type    string
	Name    string
	Comment string
}

// Matches applies the filter locally. Names are compared canonically, so
// "app.example.com" and "App.Example.com." are the same.
func (f Filter) Matches(r Record) bool {
	if f.Type != "" && f.Type != r.Type {
		return false
	}
	if f.Name != "" && !SameName(f.Name, r.Name) {
		return false
	}
	if f.Comment != "" && f.Comment != r.Comment {
		return false
	}
	return true
}

func SameName(a, b string) bool {
	return dns.CanonicalName(a) == dns.CanonicalName(b)
}

// Provider is the record API of an authoritative DNS provider.
type Provider interface {
	ListRecords(ctx context.Context, zoneID string, filter Filter) ([]Record, error)
	CreateRecord(ctx context.Context, zoneID string, record Record) (Record, error)
	UpdateRecord(ctx context.Context, zoneID string, record Record) (Record, error)
	DeleteRecord(ctx context.Context, zoneID string, recordID string) error
}

// ZoneProvider can look up zones by name and create missing ones.
type ZoneProvider interface {
	FindOrCreateZone(ctx context.Context, name string, accountID string) (string, error)
}
