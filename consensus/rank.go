package consensus

import (
	"net"
	"slices"
	"strconv"

	"fluxdnsd/cluster"
)

// Location is one entry of a peer's answer to "who serves app X".
type Location struct {
	IP   string `json:"ip"`
	Hash string `json:"hash"`
}

// splitIP strips an embedded port from a reported address. Addresses
// without a port get cluster.DefaultPort.
func splitIP(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, cluster.DefaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return host, cluster.DefaultPort
	}
	return host, port
}

type tally struct {
	candidate  cluster.Candidate
	count      int
	hashCounts map[string]int
	hashOrder  []string
}

// bestHash is the most reported hash, ties going to the first seen.
func (t *tally) bestHash() string {
	best := ""
	bestCount := 0
	for _, h := range t.hashOrder {
		if t.hashCounts[h] > bestCount {
			best = h
			bestCount = t.hashCounts[h]
		}
	}
	return best
}

// Rank flattens the reports of all peers, groups them by IP and orders
// the groups by how many reports name them, most first. Groups with equal
// counts keep the order in which their IP was first seen. Reports are
// read in peer order, then in the order each peer listed them. Entries
// that are not IPv4 addresses are ignored.
func Rank(reports [][]Location) []cluster.Candidate {
	var order []*tally
	byIP := map[string]*tally{}

	for _, report := range reports {
		for _, loc := range report {
			ip, port := splitIP(loc.IP)
			if !cluster.ValidIP(ip) {
				continue
			}
			t, ok := byIP[ip]
			if !ok {
				t = &tally{
					candidate:  cluster.Candidate{IP: ip, Port: port},
					hashCounts: map[string]int{},
				}
				byIP[ip] = t
				order = append(order, t)
			}
			t.count++
			if _, seen := t.hashCounts[loc.Hash]; !seen {
				t.hashOrder = append(t.hashOrder, loc.Hash)
			}
			t.hashCounts[loc.Hash]++
		}
	}

	slices.SortStableFunc(order, func(a, b *tally) int {
		return b.count - a.count
	})

	ranking := make([]cluster.Candidate, 0, len(order))
	for _, t := range order {
		c := t.candidate
		c.Hash = t.bestHash()
		ranking = append(ranking, c)
	}
	return ranking
}
