package election

import (
	"time"

	"fluxdnsd/cluster"
)

// walkLap returns the index of the first live candidate in ring order,
// starting at pointer.
func walkLap(alive []bool, pointer int) (int, bool) {
	n := len(alive)
	if n == 0 {
		return 0, false
	}
	pointer = ((pointer % n) + n) % n
	for i := range n {
		idx := (pointer + i) % n
		if alive[idx] {
			return idx, true
		}
	}
	return 0, false
}

// assignRoles builds the state for candidates with candidates[master] as
// master. The master row comes first, the rest keep their order and are
// SECONDARY. With extended roles and more than two candidates, the
// non-master rows alternate SECONDARY and TRIO.
func assignRoles(candidates []cluster.Candidate, master int, extended bool) cluster.State {
	members := make([]cluster.Member, 0, len(candidates))
	members = append(members, cluster.Member{Candidate: candidates[master], Role: cluster.RoleMaster})

	k := 0
	for i, c := range candidates {
		if i == master {
			continue
		}
		role := cluster.RoleSecondary
		if extended && len(candidates) > 2 && k%2 == 1 {
			role = cluster.RoleTrio
		}
		members = append(members, cluster.Member{Candidate: c, Role: role})
		k++
	}
	return cluster.State{Members: members}
}

func indexOf(candidates []cluster.Candidate, ip string) int {
	for i, c := range candidates {
		if c.IP == ip {
			return i
		}
	}
	return -1
}

// RecordedMaster is the live authoritative DNS answer for the
// application.
type RecordedMaster struct {
	IP         string
	ModifiedAt time.Time
}

// guardVetoes reports whether writing ip would overwrite a record that
// another writer changed less than grace ago.
func guardVetoes(rec *RecordedMaster, ip string, now time.Time, grace time.Duration) bool {
	if rec == nil || rec.IP == "" || rec.IP == ip {
		return false
	}
	if rec.ModifiedAt.IsZero() {
		return false
	}
	return now.Sub(rec.ModifiedAt) < grace
}
