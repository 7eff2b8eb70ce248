package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultFraudScoreThreshold rejects IPs scored at or above it.
const DefaultFraudScoreThreshold = 74

var ErrBadReputation = errors.New("bad ip reputation")

// reputationResponse accepts both response shapes seen in the wild:
// incolumitas-style is_* flags and ipqualityscore-style flags with a
// fraud score.
type reputationResponse struct {
	IsDatacenter bool `json:"is_datacenter"`
	IsTor        bool `json:"is_tor"`
	IsProxy      bool `json:"is_proxy"`
	IsVPN        bool `json:"is_vpn"`
	IsAbuser     bool `json:"is_abuser"`

	Proxy       bool `json:"proxy"`
	VPN         bool `json:"vpn"`
	Tor         bool `json:"tor"`
	RecentAbuse bool `json:"recent_abuse"`
	FraudScore  *int `json:"fraud_score"`
}

// flags returns the names of all flags that are set.
func (r reputationResponse) flags(threshold int) []string {
	var flags []string
	set := []struct {
		name string
		on   bool
	}{
		{"datacenter", r.IsDatacenter},
		{"tor", r.IsTor || r.Tor},
		{"proxy", r.IsProxy || r.Proxy},
		{"vpn", r.IsVPN || r.VPN},
		{"abuser", r.IsAbuser || r.RecentAbuse},
	}
	for _, f := range set {
		if f.on {
			flags = append(flags, f.name)
		}
	}
	if r.FraudScore != nil && *r.FraudScore >= threshold {
		flags = append(flags, fmt.Sprintf("fraud_score=%d", *r.FraudScore))
	}
	return flags
}

// ReputationClient classifies IPs through an HTTP reputation service.
// Verdicts from successful lookups are cached per IP.
type ReputationClient struct {
	baseURL   string
	threshold int
	client    *http.Client
	cache     *expirable.LRU[string, []string]
}

func NewReputationClient(baseURL string, threshold int, client *http.Client, cacheSize int, cacheTTL time.Duration) *ReputationClient {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &ReputationClient{
		baseURL:   baseURL,
		threshold: threshold,
		client:    client,
		cache:     expirable.NewLRU[string, []string](cacheSize, nil, cacheTTL),
	}
}

func (r *ReputationClient) lookupURL(ip string) string {
	sep := "?"
	if strings.Contains(r.baseURL, "?") {
		sep = "&"
	}
	return r.baseURL + sep + "q=" + url.QueryEscape(ip)
}

func (r *ReputationClient) Check(ctx context.Context, ip string) error {
	flags, ok := r.cache.Get(ip)
	if !ok {
		var err error
		flags, err = r.lookup(ctx, ip)
		if err != nil {
			return err
		}
		r.cache.Add(ip, flags)
	}

	if len(flags) > 0 {
		return fmt.Errorf("%w: %s flagged %s", ErrBadReputation, ip, strings.Join(flags, ","))
	}
	return nil
}

func (r *ReputationClient) lookup(ctx context.Context, ip string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.lookupURL(ip), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reputation lookup for %s: %w", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("reputation lookup for %s: status %d", ip, resp.StatusCode)
	}

	var body reputationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode reputation response for %s: %w", ip, err)
	}
	return body.flags(r.threshold), nil
}
