// Package statestore persists the per-application cluster state between
// reconciliation passes.
package statestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"fluxdnsd/cluster"
)

var (
	// ErrCorruptState means stored data exists but could not be decoded.
	// Callers should treat the state as empty and run a full election.
	ErrCorruptState = errors.New("corrupt cluster state")

	// ErrConflict means a compare-and-swap write lost against another
	// writer.
	ErrConflict = errors.New("cluster state was modified concurrently")
)

// Snapshot is the state as loaded at the start of a pass.
type Snapshot struct {
	State cluster.State

	// Revision identifies the stored version for compare-and-swap
	// writes. It is empty when nothing is stored or the backend does not
	// track revisions. Stores write uuids but hand back whatever raw
	// value they found, so an unreadable revision can still be replaced.
	Revision string
}

// Store loads and saves the cluster state for a single application.
//
// Load returns an empty snapshot and no error when nothing is stored yet.
// When stored data is unreadable it returns ErrCorruptState together with
// a snapshot carrying the current revision, so the next Save can still
// replace it.
//
// Save writes the state if the stored revision still equals prev and
// returns the new revision. An empty prev only succeeds when no readable
// revision is stored. Backends without revisions ignore prev.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, prev string, state cluster.State) (string, error)
}

// checkRevision rejects a stored revision that no Save of ours could have
// written. The caller still returns the raw value in the snapshot.
func checkRevision(rev string) error {
	if rev == "" {
		return nil
	}
	if _, err := uuid.Parse(rev); err != nil {
		return fmt.Errorf("%w: bad revision %q: %w", ErrCorruptState, rev, err)
	}
	return nil
}
