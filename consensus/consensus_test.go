package consensus

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxdnsd/cluster"
)

func loc(ip, hash string) Location {
	return Location{IP: ip, Hash: hash}
}

func rankedIPs(ranking []cluster.Candidate) []string {
	out := make([]string, 0, len(ranking))
	for _, c := range ranking {
		out = append(out, c.IP)
	}
	return out
}

func TestRank_Plurality(t *testing.T) {
	ranking := Rank([][]Location{
		{loc("10.0.0.2", "h"), loc("10.0.0.1", "h")},
		{loc("10.0.0.1", "h")},
		{loc("10.0.0.3", "h"), loc("10.0.0.1", "h")},
	})

	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, rankedIPs(ranking))
}

func TestRank_TiesKeepFirstSeenOrder(t *testing.T) {
	ranking := Rank([][]Location{
		{loc("10.0.0.3", "h"), loc("10.0.0.1", "h")},
		{loc("10.0.0.2", "h"), loc("10.0.0.1", "h")},
		{loc("10.0.0.2", "h"), loc("10.0.0.3", "h")},
	})

	assert.Equal(t, []string{"10.0.0.3", "10.0.0.1", "10.0.0.2"}, rankedIPs(ranking))
}

func TestRank_StripsEmbeddedPort(t *testing.T) {
	ranking := Rank([][]Location{
		{loc("10.0.0.1:16137", "h")},
		{loc("10.0.0.1", "h")},
		{loc("10.0.0.2", "h")},
	})

	require.Len(t, ranking, 2)
	assert.Equal(t, "10.0.0.1", ranking[0].IP)
	assert.Equal(t, 16137, ranking[0].Port, "port of first report is kept")
	assert.Equal(t, cluster.DefaultPort, ranking[1].Port)
}

func TestRank_MajorityHash(t *testing.T) {
	ranking := Rank([][]Location{
		{loc("10.0.0.1", "old")},
		{loc("10.0.0.1", "new")},
		{loc("10.0.0.1", "new")},
	})

	require.Len(t, ranking, 1)
	assert.Equal(t, "new", ranking[0].Hash)
}

func TestRank_IgnoresAddressesThatAreNotIPv4(t *testing.T) {
	ranking := Rank([][]Location{
		{loc("2001:db8::1", "h"), loc("[2001:db8::1]:16127", "h")},
		{loc("2001:db8::1", "h"), loc("node.example.com", "h")},
		{loc("10.0.0.1", "h")},
	})

	assert.Equal(t, []string{"10.0.0.1"}, rankedIPs(ranking))
}

func TestRank_Empty(t *testing.T) {
	assert.Empty(t, Rank(nil))
	assert.Empty(t, Rank([][]Location{nil, {}}))
}

func TestPeerBaseURL(t *testing.T) {
	assert.Equal(t, "http://1.2.3.4:16127", peerBaseURL("1.2.3.4"))
	assert.Equal(t, "http://1.2.3.4:16137", peerBaseURL(" 1.2.3.4:16137 "))
	assert.Equal(t, "https://peer.example", peerBaseURL("https://peer.example/"))
	assert.Equal(t, "", peerBaseURL(""))
}

type staticPeers []string

func (s staticPeers) Peers(ctx context.Context) []string { return s }

func peerServer(t *testing.T, app string, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/apps/location/"+app {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolver_PartialFailure(t *testing.T) {
	good1 := peerServer(t, "foo", `{"status":"success","data":[{"ip":"10.0.0.1","hash":"h"},{"ip":"10.0.0.2:16137","hash":"h"}]}`)
	good2 := peerServer(t, "foo", `{"data":[{"ip":"10.0.0.1:16127","hash":"h"}]}`)
	broken := peerServer(t, "foo", `not json`)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer slow.Close()

	peers := staticPeers{good1.URL, broken.URL, slow.URL, "http://127.0.0.1:1", good2.URL}
	r := NewResolver(peers, &http.Client{}, 200*time.Millisecond, nil)

	result := r.Resolve(context.Background(), "foo")

	assert.Equal(t, 5, result.Asked)
	assert.Equal(t, 2, result.Responded)
	assert.False(t, result.NoConsensus())
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, rankedIPs(result.Ranking))
}

func TestResolver_NoPeersRespond(t *testing.T) {
	r := NewResolver(staticPeers{"http://127.0.0.1:1"}, &http.Client{}, 100*time.Millisecond, nil)

	result := r.Resolve(context.Background(), "foo")

	assert.True(t, result.NoConsensus())
	assert.Empty(t, result.Ranking)
}

func TestPeerSource_SamplesNodeList(t *testing.T) {
	nodeList := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","data":[{"ip":"10.1.0.1"},{"ip":"10.1.0.2:16137"},{"ip":""},{"ip":"10.1.0.3"}]}`)
	}))
	defer nodeList.Close()

	src := NewPeerSource([]string{"10.9.9.9"}, nodeList.URL, 3, nodeList.Client(), nil)
	// Reverse instead of shuffling so the test is deterministic.
	src.shuffle = func(n int, swap func(i, j int)) {
		for i := 0; i < n/2; i++ {
			swap(i, n-1-i)
		}
	}

	peers := src.Peers(context.Background())

	assert.Equal(t, []string{
		"http://10.9.9.9:16127",
		"http://10.1.0.3:16127",
		"http://10.1.0.2:16137",
	}, peers)
}

func TestPeerSource_NodeListFailureFallsBack(t *testing.T) {
	src := NewPeerSource([]string{"10.9.9.9", "10.9.9.9"}, "http://127.0.0.1:1/list", 0, &http.Client{Timeout: time.Second}, nil)

	peers := src.Peers(context.Background())

	assert.Equal(t, []string{"http://10.9.9.9:16127"}, peers)
}
