package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"fluxdnsd/cluster"
)

// PeerSource produces the working subset of discovery peers for a pass:
// the configured static peers plus a random sample of the network's node
// list, if one is configured.
type PeerSource struct {
	static      []string
	nodeListURL string
	sampleSize  int
	client      *http.Client
	log         *zap.Logger

	shuffle func(n int, swap func(i, j int))
}

func NewPeerSource(static []string, nodeListURL string, sampleSize int, client *http.Client, log *zap.Logger) *PeerSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &PeerSource{
		static:      static,
		nodeListURL: nodeListURL,
		sampleSize:  sampleSize,
		client:      client,
		log:         log.Named("peers"),
		shuffle:     rand.Shuffle,
	}
}

type nodeListResponse struct {
	Data []struct {
		IP string `json:"ip"`
	} `json:"data"`
}

// Peers returns base URLs such as http://1.2.3.4:16127. A failing node
// list is logged and only the static peers are used.
func (p *PeerSource) Peers(ctx context.Context) []string {
	var peers []string
	seen := map[string]bool{}
	add := func(peer string) {
		base := peerBaseURL(peer)
		if base == "" || seen[base] {
			return
		}
		seen[base] = true
		peers = append(peers, base)
	}

	for _, peer := range p.static {
		add(peer)
	}

	if p.nodeListURL != "" {
		nodes, err := p.fetchNodeList(ctx)
		if err != nil {
			p.log.Warn("Failed to fetch node list, using static peers only", zap.Error(err))
		} else {
			p.shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
			for _, node := range nodes {
				add(node)
			}
		}
	}

	if p.sampleSize > 0 && len(peers) > p.sampleSize {
		peers = peers[:p.sampleSize]
	}
	return peers
}

func (p *PeerSource) fetchNodeList(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.nodeListURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %s: %d", p.nodeListURL, resp.StatusCode)
	}

	var body nodeListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode node list: %w", err)
	}

	nodes := make([]string, 0, len(body.Data))
	for _, n := range body.Data {
		if n.IP != "" {
			nodes = append(nodes, n.IP)
		}
	}
	return slices.Clip(nodes), nil
}

// peerBaseURL turns "1.2.3.4", "1.2.3.4:16137" or a full URL into a base
// URL without trailing slash.
func peerBaseURL(peer string) string {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return ""
	}
	if strings.Contains(peer, "://") {
		return strings.TrimRight(peer, "/")
	}
	if _, _, err := net.SplitHostPort(peer); err != nil {
		peer = net.JoinHostPort(peer, strconv.Itoa(cluster.DefaultPort))
	}
	return "http://" + peer
}
