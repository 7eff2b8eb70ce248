package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fluxdnsd/cluster"
	"fluxdnsd/consensus"
	"fluxdnsd/dnsrecords"
	"fluxdnsd/election"
	"fluxdnsd/gate"
	"fluxdnsd/metrics"
	"fluxdnsd/statestore"
)

const testZone = "zone-1"

// peer serves /apps/location/<app> with the given IPs.
func peer(t *testing.T, ips ...string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/apps/location/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		locs := make([]string, 0, len(ips))
		for _, ip := range ips {
			locs = append(locs, fmt.Sprintf(`{"ip":%q,"hash":"h"}`, ip))
		}
		fmt.Fprintf(w, `{"status":"success","data":[%s]}`, strings.Join(locs, ","))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

type staticLiveness map[string]bool

func (s staticLiveness) Probe(ctx context.Context, c cluster.Candidate) error {
	if s[c.IP] {
		return nil
	}
	return errors.New("no answer")
}

type harness struct {
	store    *statestore.MemoryStore
	dns      *dnsrecords.Memory
	metrics  *metrics.Metrics
	liveness staticLiveness
	peers    []string
}

func newHarness(liveness staticLiveness, peers ...string) *harness {
	return &harness{
		store:    statestore.NewMemoryStore(),
		dns:      dnsrecords.NewMemory(nil),
		metrics:  metrics.New(),
		liveness: liveness,
		peers:    peers,
	}
}

func testApp(name string) AppSpec {
	return AppSpec{
		Name:          name,
		Port:          30000,
		DomainNames:   []string{name + ".example.com"},
		ZoneID:        testZone,
		RetryCount:    3,
		RetryInterval: time.Millisecond,
	}.withDefaults()
}

func (h *harness) reconciler(app AppSpec) *appReconciler {
	client := &http.Client{Timeout: 2 * time.Second}
	peers := consensus.NewPeerSource(h.peers, "", 0, client, nil)
	return newAppReconciler(app, appDeps{
		store:    h.store,
		resolver: consensus.NewResolver(peers, client, time.Second, nil),
		gate:     gate.New(nil, nil, nil, app.Port, 0, nil),
		provider: h.dns,
		zones:    h.dns,
		ttl:      60,
		metrics:  h.metrics,
		log:      zap.NewNop(),
		liveness: h.liveness,
	})
}

func TestPass_PluralityMasterGetsRecord(t *testing.T) {
	h := newHarness(
		staticLiveness{"10.0.0.1": true, "10.0.0.2": true},
		peer(t, "10.0.0.1"), peer(t, "10.0.0.1"), peer(t, "10.0.0.2"),
	)
	r := h.reconciler(testApp("foo"))

	res := r.runAndReport(context.Background())

	require.NoError(t, res.err)
	assert.Equal(t, passSuccess, res.status)
	assert.Equal(t, "10.0.0.1", res.master)
	assert.Equal(t, 1, res.created)

	records := h.dns.Records(testZone)
	require.Len(t, records, 1)
	assert.Equal(t, "foo.example.com", records[0].Name)
	assert.Equal(t, "10.0.0.1", records[0].Content)
	assert.Equal(t, dnsrecords.MasterComment, records[0].Comment)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DNSWrites.WithLabelValues("foo", "created")))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.PeersResponded.WithLabelValues("foo")))

	// A second pass with a healthy master changes nothing.
	res = r.runAndReport(context.Background())
	assert.Equal(t, passSuccess, res.status)
	assert.Equal(t, 0, res.created+res.updated+res.deleted)
	assert.Equal(t, 1, h.dns.Writes())
	assert.Equal(t, 1, h.store.Writes())
}

func TestPass_FailedMasterIsReplacedInDNS(t *testing.T) {
	h := newHarness(
		staticLiveness{"10.0.0.2": true, "10.0.0.3": true},
		peer(t, "10.0.0.1", "10.0.0.2", "10.0.0.3"),
	)
	h.store.Seed(cluster.State{Members: []cluster.Member{
		{Candidate: cluster.Candidate{IP: "10.0.0.1", Hash: "h"}, Role: cluster.RoleMaster},
		{Candidate: cluster.Candidate{IP: "10.0.0.2", Hash: "h"}, Role: cluster.RoleSecondary},
		{Candidate: cluster.Candidate{IP: "10.0.0.3", Hash: "h"}, Role: cluster.RoleSecondary},
	}})
	rec := h.dns.Seed(testZone, dnsrecords.Record{Type: "A", Name: "foo.example.com", Content: "10.0.0.1", Comment: dnsrecords.MasterComment})
	h.dns.Backdate(testZone, rec.ID, time.Hour)

	res := h.reconciler(testApp("foo")).runAndReport(context.Background())

	require.NoError(t, res.err)
	assert.Equal(t, passSuccess, res.status)
	assert.Equal(t, 1, res.updated)

	records := h.dns.Records(testZone)
	require.Len(t, records, 1)
	assert.Equal(t, "10.0.0.2", records[0].Content)

	master, ok := h.store.State().Master()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", master.IP)
	assert.False(t, h.store.State().Contains("10.0.0.1"))
}

func TestPass_NoConsensusWritesNothing(t *testing.T) {
	h := newHarness(staticLiveness{}, "http://127.0.0.1:1", "http://127.0.0.1:2")

	res := h.reconciler(testApp("foo")).runAndReport(context.Background())

	assert.Equal(t, passSkipped, res.status)
	assert.Equal(t, "no consensus", res.comment)
	assert.NoError(t, res.err)
	assert.Equal(t, 0, h.store.Writes())
	assert.Equal(t, 0, h.dns.Writes())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Passes.WithLabelValues("foo", "skipped")))
}

func TestPass_RecentRecordIsNotOverwritten(t *testing.T) {
	h := newHarness(staticLiveness{"10.0.0.1": true}, peer(t, "10.0.0.1"))
	h.dns.Seed(testZone, dnsrecords.Record{
		Type: "A", Name: "foo.example.com", Content: "10.0.0.7",
		Comment: dnsrecords.MasterComment, ModifiedAt: time.Now().Add(-time.Minute),
	})

	res := h.reconciler(testApp("foo")).runAndReport(context.Background())

	assert.Equal(t, passSuccess, res.status)
	assert.Equal(t, election.OutcomeVetoed, res.outcome)
	assert.Equal(t, 0, h.dns.Writes())
	assert.Equal(t, "10.0.0.7", h.dns.Records(testZone)[0].Content)
}

func TestPass_FatalConfigOnlyAffectsItsApp(t *testing.T) {
	h := newHarness(staticLiveness{"10.0.0.1": true}, peer(t, "10.0.0.1"))
	bad := testApp("bad")
	bad.DomainNames = nil
	good := h.reconciler(testApp("foo"))
	broken := h.reconciler(bad)

	res := broken.runPass(context.Background())
	assert.Equal(t, passFatal, res.status)
	assert.ErrorIs(t, res.err, errFatalConfig)

	fatal := runOnce(context.Background(), []*appReconciler{broken, good})
	assert.Equal(t, 1, fatal)
	assert.Len(t, h.dns.Records(testZone), 1)
}

func TestPass_ZoneIsFoundOrCreated(t *testing.T) {
	h := newHarness(staticLiveness{"10.0.0.1": true}, peer(t, "10.0.0.1"))
	app := testApp("foo")
	app.ZoneID = ""
	app.ZoneName = "example.com"
	r := h.reconciler(app)

	res := r.runPass(context.Background())
	require.NoError(t, res.err)

	zoneID, err := h.dns.FindOrCreateZone(context.Background(), "example.com", "")
	require.NoError(t, err)
	assert.Equal(t, zoneID, r.zoneID)
	require.Len(t, h.dns.Records(zoneID), 1)
}

func TestPass_PoolMode(t *testing.T) {
	h := newHarness(nil, peer(t, "10.0.0.1", "10.0.0.2"), peer(t, "10.0.0.2"))
	app := testApp("foo")
	app.Mode = modePool
	app.DomainNames = []string{"a.example.com", "b.example.com"}
	h.dns.Seed(testZone, dnsrecords.Record{Type: "A", Name: "a.example.com", Content: "10.0.0.9", Comment: "foo"})
	r := h.reconciler(app)

	res := r.runPass(context.Background())

	require.NoError(t, res.err)
	assert.Equal(t, passSuccess, res.status)
	assert.Equal(t, 2, res.created)
	assert.Equal(t, 1, res.deleted)

	byIP := map[string]string{}
	for _, rec := range h.dns.Records(testZone) {
		assert.Equal(t, "foo", rec.Comment)
		byIP[rec.Content] = rec.Name
	}
	assert.Equal(t, map[string]string{"10.0.0.2": "a.example.com", "10.0.0.1": "b.example.com"}, byIP)
}
