// Package consensus asks a sample of discovery peers which nodes serve an
// application and turns their answers into a ranking by plurality.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fluxdnsd/cluster"
)

type PeerLister interface {
	Peers(ctx context.Context) []string
}

// Result is a consensus ranking together with how many peers took part.
type Result struct {
	Ranking   []cluster.Candidate
	Asked     int
	Responded int
}

// NoConsensus reports that no peer answered, so the ranking carries no
// information.
func (r Result) NoConsensus() bool {
	return r.Responded == 0 || len(r.Ranking) == 0
}

type Resolver struct {
	peers   PeerLister
	client  *http.Client
	timeout time.Duration
	log     *zap.Logger
}

func NewResolver(peers PeerLister, client *http.Client, timeout time.Duration, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		peers:   peers,
		client:  client,
		timeout: timeout,
		log:     log.Named("consensus"),
	}
}

type locationResponse struct {
	Data []Location `json:"data"`
}

// Resolve queries every peer concurrently, each under its own timeout.
// Peers that fail contribute nothing; that is expected and never an
// error.
func (r *Resolver) Resolve(ctx context.Context, appName string) Result {
	peers := r.peers.Peers(ctx)
	reports := make([][]Location, len(peers))
	ok := make([]bool, len(peers))

	var eg errgroup.Group
	for i, peer := range peers {
		eg.Go(func() error {
			locs, err := r.fetch(ctx, peer, appName)
			if err != nil {
				r.log.Debug("Peer did not answer", zap.String("peer", peer), zap.String("app", appName), zap.Error(err))
				return nil
			}
			reports[i] = locs
			ok[i] = true
			return nil
		})
	}
	eg.Wait()

	result := Result{Asked: len(peers)}
	for _, answered := range ok {
		if answered {
			result.Responded++
		}
	}
	for _, report := range reports {
		for _, loc := range report {
			if ip, _ := splitIP(loc.IP); !cluster.ValidIP(ip) {
				r.log.Debug("Ignoring location that is not an IPv4 address", zap.String("app", appName), zap.String("ip", loc.IP))
			}
		}
	}
	result.Ranking = Rank(reports)

	r.log.Debug("Consensus resolved",
		zap.String("app", appName),
		zap.Int("asked", result.Asked),
		zap.Int("responded", result.Responded),
		zap.Int("candidates", len(result.Ranking)),
	)
	return result
}

func (r *Resolver) fetch(ctx context.Context, peer string, appName string) ([]Location, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	u := peer + "/apps/location/" + url.PathEscape(appName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %s: %d", u, resp.StatusCode)
	}

	var body locationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode location response: %w", err)
	}
	return body.Data, nil
}
