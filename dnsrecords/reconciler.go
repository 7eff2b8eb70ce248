package dnsrecords

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const DefaultTTL = 60

// ErrDuplicateCleanup is returned when the master record is correct but
// one or more duplicates could not be deleted. The next pass retries.
var ErrDuplicateCleanup = errors.New("failed to remove duplicate records")

type Action int

const (
	ActionUnchanged Action = iota
	ActionCreated
	ActionUpdated
)

func (a Action) String() string {
	switch a {
	case ActionCreated:
		return "created"
	case ActionUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Reconciler converges the provider's records on a desired answer. All of
// its operations are idempotent.
type Reconciler struct {
	provider Provider
	ttl      int
	log      *zap.Logger
}

func NewReconciler(provider Provider, ttl int, log *zap.Logger) *Reconciler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		provider: provider,
		ttl:      ttl,
		log:      log.Named("dns"),
	}
}

func masterFilter(domain string) Filter {
	return Filter{Type: "A", Name: domain, Comment: MasterComment}
}

// CurrentMaster returns the authoritative master record of domain, or nil
// if there is none.
func (r *Reconciler) CurrentMaster(ctx context.Context, zoneID string, domain string) (*Record, error) {
	records, err := r.provider.ListRecords(ctx, zoneID, masterFilter(domain))
	if err != nil {
		return nil, fmt.Errorf("failed to list master records for %s: %w", domain, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	rec := records[0]
	return &rec, nil
}

// EnsureMaster makes the master record of domain point at ip. Extra
// master records are deleted, the first one listed is kept and updated in
// place when its content differs.
func (r *Reconciler) EnsureMaster(ctx context.Context, zoneID string, domain string, ip string) (Action, int, error) {
	records, err := r.provider.ListRecords(ctx, zoneID, masterFilter(domain))
	if err != nil {
		return ActionUnchanged, 0, fmt.Errorf("failed to list master records for %s: %w", domain, err)
	}

	var cleanupErr error
	removed := 0
	if len(records) > 1 {
		for _, dup := range records[1:] {
			if err := r.provider.DeleteRecord(ctx, zoneID, dup.ID); err != nil {
				cleanupErr = multierr.Append(cleanupErr, fmt.Errorf("record %s: %w", dup.ID, err))
				continue
			}
			removed++
			r.log.Info("Deleted duplicate master record",
				zap.String("domain", domain),
				zap.String("record_id", dup.ID),
				zap.String("ip", dup.Content),
			)
		}
	}

	action := ActionUnchanged
	switch {
	case len(records) == 0:
		_, err := r.provider.CreateRecord(ctx, zoneID, Record{
			Type:    "A",
			Name:    domain,
			Content: ip,
			TTL:     r.ttl,
			Comment: MasterComment,
		})
		if err != nil {
			return ActionUnchanged, removed, fmt.Errorf("failed to create master record for %s: %w", domain, err)
		}
		action = ActionCreated
	case records[0].Content != ip:
		rec := records[0]
		rec.Content = ip
		if _, err := r.provider.UpdateRecord(ctx, zoneID, rec); err != nil {
			return ActionUnchanged, removed, fmt.Errorf("failed to update master record for %s: %w", domain, err)
		}
		action = ActionUpdated
	}

	if action != ActionUnchanged {
		r.log.Info("Master record written",
			zap.String("domain", domain),
			zap.String("ip", ip),
			zap.Stringer("action", action),
		)
	}

	if cleanupErr != nil {
		return action, removed, fmt.Errorf("%w for %s: %w", ErrDuplicateCleanup, domain, cleanupErr)
	}
	return action, removed, nil
}

// PoolResult counts the writes of one SyncPool call.
type PoolResult struct {
	Created int
	Deleted int
}

// SyncPool makes the records tagged with appName match healthyIPs. Records
// for IPs outside the set are deleted. A missing record for the i-th IP is
// created under domains[i], or domains[0] once the domains run out.
func (r *Reconciler) SyncPool(ctx context.Context, zoneID string, appName string, domains []string, healthyIPs []string) (PoolResult, error) {
	var result PoolResult
	if len(domains) == 0 {
		return result, errors.New("pool mode needs at least one domain")
	}

	records, err := r.provider.ListRecords(ctx, zoneID, Filter{Type: "A", Comment: appName})
	if err != nil {
		return result, fmt.Errorf("failed to list pool records for %s: %w", appName, err)
	}

	var errs error
	present := map[string]bool{}
	for _, rec := range records {
		if slices.Contains(healthyIPs, rec.Content) && !present[rec.Content] {
			present[rec.Content] = true
			continue
		}
		if err := r.provider.DeleteRecord(ctx, zoneID, rec.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to delete pool record %s: %w", rec.ID, err))
			continue
		}
		result.Deleted++
		r.log.Info("Deleted pool record", zap.String("app", appName), zap.String("ip", rec.Content), zap.String("name", rec.Name))
	}

	for i, ip := range healthyIPs {
		if present[ip] {
			continue
		}
		name := domains[0]
		if i < len(domains) {
			name = domains[i]
		}
		_, err := r.provider.CreateRecord(ctx, zoneID, Record{
			Type:    "A",
			Name:    name,
			Content: ip,
			TTL:     r.ttl,
			Comment: appName,
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to create pool record for %s: %w", ip, err))
			continue
		}
		present[ip] = true
		result.Created++
		r.log.Info("Created pool record", zap.String("app", appName), zap.String("ip", ip), zap.String("name", name))
	}

	return result, errs
}
