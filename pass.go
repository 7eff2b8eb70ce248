package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fluxdnsd/cluster"
	"fluxdnsd/consensus"
	"fluxdnsd/dnsrecords"
	"fluxdnsd/election"
	"fluxdnsd/metrics"
	"fluxdnsd/probe"
	"fluxdnsd/statestore"
)

type passStatus string

const (
	passSuccess passStatus = "success"
	passSkipped passStatus = "skipped"
	passFatal   passStatus = "fatal"
)

// passResult is what one reconciliation pass reports to the loop that
// runs it. The loop alone logs it and records metrics.
type passResult struct {
	status  passStatus
	outcome election.OutcomeKind
	master  string
	comment string

	// DNS writes issued by the pass.
	created int
	updated int
	deleted int
	err     error
}

// appReconciler runs passes for one application. Passes of the same
// application must not overlap.
type appReconciler struct {
	app       AppSpec
	accountID string
	zoneID    string

	controller *election.Controller
	resolver   *consensus.Resolver
	gate       election.Gate
	records    *dnsrecords.Reconciler
	zones      dnsrecords.ZoneProvider
	metrics    *metrics.Metrics
	log        *zap.Logger

	// configErr is set when the AppSpec is invalid; every pass then fails
	// without touching the network.
	configErr error
}

type appDeps struct {
	store     statestore.Store
	resolver  *consensus.Resolver
	gate      election.Gate
	provider  dnsrecords.Provider
	zones     dnsrecords.ZoneProvider
	accountID string
	ttl       int
	metrics   *metrics.Metrics
	log       *zap.Logger

	// liveness replaces the probe built from the app spec.
	liveness election.Liveness
}

func newAppReconciler(app AppSpec, deps appDeps) *appReconciler {
	r := &appReconciler{
		app:       app,
		accountID: deps.accountID,
		zoneID:    app.ZoneID,
		resolver:  deps.resolver,
		gate:      deps.gate,
		records:   dnsrecords.NewReconciler(deps.provider, deps.ttl, deps.log),
		zones:     deps.zones,
		metrics:   deps.metrics,
		log:       deps.log.With(zap.String("app", app.Name)),
	}

	if err := app.Validate(); err != nil {
		r.configErr = err
		return r
	}

	liveness := deps.liveness
	if liveness == nil {
		prober, err := probe.New(app.Probe)
		if err != nil {
			r.configErr = fmt.Errorf("%w: %w", errFatalConfig, err)
			return r
		}
		liveness = &appLiveness{prober: prober, port: app.Port}
	}

	controller, err := election.NewController(
		election.Config{
			App:             app.Name,
			RetryCount:      app.RetryCount,
			RetryInterval:   app.RetryInterval,
			RecheckInterval: app.MasterRecheckInterval,
			ExtendedRoles:   app.ExtendedRoles,
		},
		deps.store,
		&consensusRanker{r: r},
		deps.gate,
		liveness,
		&masterRecords{r: r},
		nil,
		deps.log,
	)
	if err != nil {
		r.configErr = fmt.Errorf("%w: %w", errFatalConfig, err)
		return r
	}
	r.controller = controller
	return r
}

func (r *appReconciler) runPass(ctx context.Context) passResult {
	if r.configErr != nil {
		return passResult{status: passFatal, err: r.configErr}
	}

	if r.zoneID == "" {
		id, err := r.zones.FindOrCreateZone(ctx, r.app.ZoneName, r.accountID)
		if err != nil {
			return passResult{status: passSkipped, err: fmt.Errorf("failed to resolve zone %s: %w", r.app.ZoneName, err)}
		}
		r.log.Info("Resolved zone", zap.String("zone", r.app.ZoneName), zap.String("zone_id", id))
		r.zoneID = id
	}

	if r.app.Mode == modePool {
		return r.runPoolPass(ctx)
	}
	return r.runMasterPass(ctx)
}

func (r *appReconciler) runMasterPass(ctx context.Context) passResult {
	out, err := r.controller.Run(ctx)
	if err != nil {
		if errors.Is(err, statestore.ErrConflict) {
			return passResult{status: passSkipped, err: err, comment: "lost state update race"}
		}
		return passResult{status: passSkipped, err: err}
	}

	res := passResult{
		status:  passSuccess,
		outcome: out.Kind,
		master:  out.Master.IP,
		comment: out.Comment,
	}

	switch out.Kind {
	case election.OutcomeNoConsensus:
		res.status = passSkipped
		res.comment = "no consensus"
		return res
	case election.OutcomeNoEligible, election.OutcomeNoLiveCandidate:
		res.status = passSkipped
		return res
	}
	if !out.WantsDNS() {
		return res
	}

	for _, domain := range r.app.DomainNames {
		action, removed, err := r.records.EnsureMaster(ctx, r.zoneID, domain, out.Master.IP)
		res.deleted += removed
		switch action {
		case dnsrecords.ActionCreated:
			res.created++
		case dnsrecords.ActionUpdated:
			res.updated++
		}
		if errors.Is(err, dnsrecords.ErrDuplicateCleanup) {
			r.log.Warn("Master record is correct but duplicates remain", zap.String("domain", domain), zap.Error(err))
			continue
		}
		if err != nil {
			res.status = passSkipped
			res.err = err
			return res
		}
	}
	return res
}

func (r *appReconciler) runPoolPass(ctx context.Context) passResult {
	result := r.resolve(ctx)
	if result.NoConsensus() {
		return passResult{status: passSkipped, outcome: election.OutcomeNoConsensus, comment: "no consensus"}
	}

	gated := r.gate.Filter(ctx, result.Ranking, "")
	ips := make([]string, 0, len(gated))
	for _, c := range gated {
		ips = append(ips, c.IP)
	}

	pool, err := r.records.SyncPool(ctx, r.zoneID, r.app.Name, r.app.DomainNames, ips)
	res := passResult{
		status:  passSuccess,
		created: pool.Created,
		deleted: pool.Deleted,
		comment: fmt.Sprintf("%d of %d candidates healthy", len(gated), len(result.Ranking)),
	}
	if err != nil {
		res.status = passSkipped
		res.err = err
	}
	return res
}

func (r *appReconciler) resolve(ctx context.Context) consensus.Result {
	result := r.resolver.Resolve(ctx, r.app.Name)
	if r.metrics != nil {
		r.metrics.PeersResponded.WithLabelValues(r.app.Name).Set(float64(result.Responded))
	}
	return result
}

// runAndReport runs one pass, then logs and records its result.
func (r *appReconciler) runAndReport(ctx context.Context) passResult {
	passID := uuid.New()
	log := r.log.With(zap.Stringer("pass_id", passID))
	started := time.Now()

	res := r.runPass(ctx)

	fields := []zap.Field{
		zap.String("status", string(res.status)),
		zap.Duration("duration", time.Since(started)),
	}
	if res.outcome != "" {
		fields = append(fields, zap.String("outcome", string(res.outcome)))
	}
	if res.master != "" {
		fields = append(fields, zap.String("master", res.master))
	}
	if res.comment != "" {
		fields = append(fields, zap.String("comment", res.comment))
	}
	if res.err != nil {
		fields = append(fields, zap.Error(res.err))
	}

	switch res.status {
	case passSuccess:
		log.Info("Pass finished", fields...)
	case passSkipped:
		log.Warn("Pass skipped", fields...)
	case passFatal:
		log.Error("Pass failed", fields...)
	}

	if r.metrics != nil {
		name := r.app.Name
		r.metrics.Passes.WithLabelValues(name, string(res.status)).Inc()
		r.metrics.PassDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
		if res.outcome != "" {
			r.metrics.Outcomes.WithLabelValues(name, string(res.outcome)).Inc()
		}
		r.metrics.DNSWrites.WithLabelValues(name, "created").Add(float64(res.created))
		r.metrics.DNSWrites.WithLabelValues(name, "updated").Add(float64(res.updated))
		r.metrics.DNSWrites.WithLabelValues(name, "deleted").Add(float64(res.deleted))
	}
	return res
}

// consensusRanker feeds the election from the peer resolver.
type consensusRanker struct {
	r *appReconciler
}

func (c *consensusRanker) Ranking(ctx context.Context) []cluster.Candidate {
	return c.r.resolve(ctx).Ranking
}

// appLiveness probes a candidate on the application port.
type appLiveness struct {
	prober probe.Prober
	port   int
}

func (l *appLiveness) Probe(ctx context.Context, c cluster.Candidate) error {
	return l.prober.Probe(ctx, net.JoinHostPort(c.IP, strconv.Itoa(l.port)))
}

// masterRecords reads the master record of the first domain.
type masterRecords struct {
	r *appReconciler
}

func (m *masterRecords) CurrentMaster(ctx context.Context) (*election.RecordedMaster, error) {
	rec, err := m.r.records.CurrentMaster(ctx, m.r.zoneID, m.r.app.DomainNames[0])
	if err != nil || rec == nil {
		return nil, err
	}
	return &election.RecordedMaster{IP: rec.Content, ModifiedAt: rec.ModifiedAt}, nil
}
