package dnsrecords

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/miekg/dns"
)

// Memory is an in-process Provider. It backs dry runs and tests.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	zones   map[string]string
	records map[string][]Record
	writes  int
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		clock:   clk,
		zones:   map[string]string{},
		records: map[string][]Record{},
	}
}

// Seed stores a record as is, without counting a write. An empty ID is
// filled in.
func (m *Memory) Seed(zoneID string, record Record) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	m.records[zoneID] = append(m.records[zoneID], record)
	return record
}

// Writes counts create, update and delete calls that succeeded.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Records returns a copy of everything stored in the zone.
func (m *Memory) Records(zoneID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records[zoneID]...)
}

func (m *Memory) ListRecords(ctx context.Context, zoneID string, filter Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records[zoneID] {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) CreateRecord(ctx context.Context, zoneID string, record Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.ID = uuid.NewString()
	record.ModifiedAt = m.clock.Now()
	m.records[zoneID] = append(m.records[zoneID], record)
	m.writes++
	return record, nil
}

func (m *Memory) UpdateRecord(ctx context.Context, zoneID string, record Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.records[zoneID] {
		if r.ID == record.ID {
			record.ModifiedAt = m.clock.Now()
			m.records[zoneID][i] = record
			m.writes++
			return record, nil
		}
	}
	return Record{}, fmt.Errorf("record %s not found in zone %s", record.ID, zoneID)
}

func (m *Memory) DeleteRecord(ctx context.Context, zoneID string, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.records[zoneID]
	for i, r := range records {
		if r.ID == recordID {
			m.records[zoneID] = append(records[:i:i], records[i+1:]...)
			m.writes++
			return nil
		}
	}
	return fmt.Errorf("record %s not found in zone %s", recordID, zoneID)
}

func (m *Memory) FindOrCreateZone(ctx context.Context, name string, accountID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := accountID + "/" + dns.CanonicalName(name)
	if id, ok := m.zones[key]; ok {
		return id, nil
	}
	id := uuid.NewString()
	m.zones[key] = id
	return id, nil
}

// Backdate moves a record's modification time d into the past.
func (m *Memory) Backdate(zoneID string, recordID string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.records[zoneID] {
		if r.ID == recordID {
			m.records[zoneID][i].ModifiedAt = m.clock.Now().Add(-d)
		}
	}
}
