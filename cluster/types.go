package cluster

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
)

// DefaultPort is the well-known Flux node API port. Peers that report an
// IP without an explicit port are assumed to listen here.
const DefaultPort = 16127

// ErrUnencodable is returned (wrapped) by State.Validate.
var ErrUnencodable = errors.New("cluster state cannot be encoded")

// ValidIP reports whether ip can identify a candidate. The row format
// separates fields with colons, so only plain IPv4 addresses qualify.
func ValidIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	return err == nil && addr.Is4()
}

// Candidate is a node that peers report as serving an application.
// Identity is the IP.
type Candidate struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`

	// Hash is the application content hash the node reported. A change
	// for the same IP means the application was silently redeployed.
	Hash string `json:"hash"`
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s:%d", c.IP, c.Port)
}

type Role string

const (
	RoleMaster    Role = "MASTER"
	RoleSecondary Role = "SECONDARY"
	RoleTrio      Role = "TRIO"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleMaster, RoleSecondary, RoleTrio:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Member is a candidate with the role it was assigned by the last
// election.
type Member struct {
	Candidate
	Role Role `json:"role"`
}

// State is the ordered set of known candidates for one application. At
// most one member holds RoleMaster.
type State struct {
	Members []Member `json:"members"`
}

// Master returns the authoritative master, which is the first member
// tagged RoleMaster.
func (s State) Master() (Member, bool) {
	for _, m := range s.Members {
		if m.Role == RoleMaster {
			return m, true
		}
	}
	return Member{}, false
}

func (s State) IsEmpty() bool {
	return len(s.Members) == 0
}

func (s State) Contains(ip string) bool {
	return slices.ContainsFunc(s.Members, func(m Member) bool { return m.IP == ip })
}

// Candidates returns the members without their roles, in order.
func (s State) Candidates() []Candidate {
	out := make([]Candidate, 0, len(s.Members))
	for _, m := range s.Members {
		out = append(out, m.Candidate)
	}
	return out
}

// WithHash returns a copy of the state where the member identified by ip
// carries the given content hash.
func (s State) WithHash(ip string, hash string) State {
	members := slices.Clone(s.Members)
	for i := range members {
		if members[i].IP == ip {
			members[i].Hash = hash
		}
	}
	return State{Members: members}
}

// Normalize enforces the state invariants: the first occurrence of an IP
// wins, and only the first MASTER keeps its role. Later masters are
// demoted to SECONDARY.
func (s State) Normalize() State {
	seen := make(map[string]bool, len(s.Members))
	hasMaster := false
	members := make([]Member, 0, len(s.Members))
	for _, m := range s.Members {
		if seen[m.IP] {
			continue
		}
		seen[m.IP] = true

		if m.Port == 0 {
			m.Port = DefaultPort
		}
		if m.Role == RoleMaster {
			if hasMaster {
				m.Role = RoleSecondary
			}
			hasMaster = true
		}
		members = append(members, m)
	}
	return State{Members: members}
}

// Validate checks that every member survives Encode and Decode.
func (s State) Validate() error {
	for _, m := range s.Members {
		if !ValidIP(m.IP) {
			return fmt.Errorf("%w: %q is not an IPv4 address", ErrUnencodable, m.IP)
		}
	}
	return nil
}

// Equal reports whether two states hold the same members in the same
// order.
func (s State) Equal(other State) bool {
	return slices.Equal(s.Members, other.Members)
}
