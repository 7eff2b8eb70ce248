package election

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fluxdnsd/cluster"
	"fluxdnsd/probe"
	"fluxdnsd/statestore"
)

const DefaultGraceWindow = 5 * time.Minute

// Ranker returns the current consensus ranking for the application. An
// empty ranking means no consensus.
type Ranker interface {
	Ranking(ctx context.Context) []cluster.Candidate
}

type Gate interface {
	Filter(ctx context.Context, candidates []cluster.Candidate, exclude string) []cluster.Candidate
}

// Liveness is a single attempt at the application's own health probe.
type Liveness interface {
	Probe(ctx context.Context, c cluster.Candidate) error
}

// MasterRecords returns the live DNS master record, or nil if there is
// none.
type MasterRecords interface {
	CurrentMaster(ctx context.Context) (*RecordedMaster, error)
}

type Config struct {
	App             string
	RetryCount      int
	RetryInterval   time.Duration
	RecheckInterval time.Duration
	GraceWindow     time.Duration
	ExtendedRoles   bool
}

type OutcomeKind string

const (
	OutcomeHealthy         OutcomeKind = "HEALTHY"
	OutcomeElected         OutcomeKind = "ELECTED"
	OutcomeVetoed          OutcomeKind = "VETOED"
	OutcomeNoConsensus     OutcomeKind = "NO_CONSENSUS"
	OutcomeNoEligible      OutcomeKind = "NO_ELIGIBLE"
	OutcomeNoLiveCandidate OutcomeKind = "NO_LIVE_CANDIDATE"
)

// Outcome is the result of one pass. Only HEALTHY and ELECTED outcomes
// ask for DNS to follow Master.
type Outcome struct {
	Kind    OutcomeKind
	Master  cluster.Member
	State   cluster.State
	Phase   Phase
	Comment string

	// Previous is the master IP the pass started with, if any.
	Previous string
}

func (o Outcome) WantsDNS() bool {
	return o.Kind == OutcomeHealthy || o.Kind == OutcomeElected
}

// Controller runs the election for one application. It remembers when
// the master was last checked against consensus, so it must live across
// passes. It is not safe for concurrent use.
type Controller struct {
	cfg      Config
	store    statestore.Store
	ranker   Ranker
	gate     Gate
	liveness Liveness
	records  MasterRecords
	clock    clock.Clock
	log      *zap.Logger

	lastRecheck time.Time
}

func NewController(cfg Config, store statestore.Store, ranker Ranker, gate Gate, liveness Liveness, records MasterRecords, clk clock.Clock, log *zap.Logger) (*Controller, error) {
	if cfg.RetryCount < 1 {
		return nil, fmt.Errorf("retry count must be at least 1, got %d", cfg.RetryCount)
	}
	if cfg.RetryInterval < 0 {
		return nil, fmt.Errorf("retry interval must not be negative")
	}
	if cfg.GraceWindow == 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Controller{
		cfg:      cfg,
		store:    store,
		ranker:   ranker,
		gate:     gate,
		liveness: liveness,
		records:  records,
		clock:    clk,
		log:      log.Named("election").With(zap.String("app", cfg.App)),
	}, nil
}

// pass carries what one Run has learned so far.
type pass struct {
	phase    Phase
	revision string
	state    cluster.State
	previous string
}

func (p *pass) step(ev Event) error {
	next, err := transition(p.phase, ev)
	if err != nil {
		return err
	}
	p.phase = next
	return nil
}

// Run executes one pass. Errors mean the pass could not reach a decision
// (store or DNS provider unavailable, or a lost compare-and-swap) and
// should be retried later; every decided pass returns an Outcome.
func (c *Controller) Run(ctx context.Context) (Outcome, error) {
	p := &pass{phase: PhaseLoading}

	snap, err := c.store.Load(ctx)
	switch {
	case errors.Is(err, statestore.ErrCorruptState):
		c.log.Warn("Stored cluster state is corrupt, running a full election", zap.Error(err))
		snap.State = cluster.State{}
	case err != nil:
		return Outcome{}, fmt.Errorf("failed to load cluster state: %w", err)
	}
	p.revision = snap.Revision
	p.state = snap.State

	master, ok := p.state.Master()
	if !ok {
		if err := p.step(EventNoMaster); err != nil {
			return Outcome{}, err
		}
		c.log.Info("No master in cluster state")
	} else {
		p.previous = master.IP
		attempts, err := probe.Retry(ctx, c.clock, c.cfg.RetryCount, c.cfg.RetryInterval, func(ctx context.Context) error {
			return c.liveness.Probe(ctx, master.Candidate)
		})
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}

		if err == nil {
			if err := p.step(EventMasterAlive); err != nil {
				return Outcome{}, err
			}
			out, dropped, err := c.masterHealthy(ctx, p, master)
			if err != nil || !dropped {
				return out, err
			}
			if err := p.step(EventMasterDropped); err != nil {
				return Outcome{}, err
			}
		} else {
			c.log.Warn("Master failed liveness",
				zap.String("ip", master.IP),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			if err := p.step(EventMasterDead); err != nil {
				return Outcome{}, err
			}
		}
	}

	if err := p.step(EventElect); err != nil {
		return Outcome{}, err
	}
	return c.elect(ctx, p)
}

// masterHealthy handles a master that passed liveness. It reports
// dropped when consensus no longer lists the master.
func (c *Controller) masterHealthy(ctx context.Context, p *pass, master cluster.Member) (Outcome, bool, error) {
	now := c.clock.Now()
	if c.cfg.RecheckInterval > 0 && (c.lastRecheck.IsZero() || now.Sub(c.lastRecheck) >= c.cfg.RecheckInterval) {
		c.lastRecheck = now

		ranking := c.ranker.Ranking(ctx)
		if len(ranking) > 0 {
			idx := indexOf(ranking, master.IP)
			if idx < 0 {
				c.log.Warn("Master is no longer reported by peers", zap.String("ip", master.IP))
				return Outcome{}, true, nil
			}

			if hash := ranking[idx].Hash; hash != "" && hash != master.Hash {
				c.log.Info("Master was redeployed, refreshing hash",
					zap.String("ip", master.IP),
					zap.String("old_hash", master.Hash),
					zap.String("new_hash", hash),
				)
				state := p.state.WithHash(master.IP, hash)
				if err := c.save(ctx, p, state); err != nil {
					return Outcome{}, false, err
				}
				master.Hash = hash
			}
		}
	}

	rec, err := c.records.CurrentMaster(ctx)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("failed to read master record: %w", err)
	}
	if guardVetoes(rec, master.IP, c.clock.Now(), c.cfg.GraceWindow) {
		candidates := p.state.Candidates()
		adopt := indexOf(candidates, rec.IP)
		if adopt >= 0 && !c.recordedUsable(ctx, candidates[adopt]) {
			adopt = -1
		}
		out, err := c.veto(ctx, p, rec, candidates, adopt)
		return out, false, err
	}

	return Outcome{
		Kind:     OutcomeHealthy,
		Master:   master,
		State:    p.state,
		Phase:    p.phase,
		Previous: p.previous,
		Comment:  "Master is alive",
	}, false, nil
}

func (c *Controller) elect(ctx context.Context, p *pass) (Outcome, error) {
	out := Outcome{Phase: p.phase, State: p.state, Previous: p.previous}

	ranking := c.ranker.Ranking(ctx)
	if len(ranking) == 0 {
		out.Kind = OutcomeNoConsensus
		out.Comment = "No peer reported any candidate"
		return out, nil
	}

	gated := c.gate.Filter(ctx, ranking, p.previous)
	if len(gated) == 0 {
		out.Kind = OutcomeNoEligible
		out.Comment = fmt.Sprintf("None of %d candidates passed the gate", len(ranking))
		return out, nil
	}

	rec, err := c.records.CurrentMaster(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to read master record: %w", err)
	}

	pointer := 0
	for lap := 1; lap <= c.cfg.RetryCount; lap++ {
		alive := c.probeLap(ctx, gated)
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}

		if winner, ok := walkLap(alive, pointer); ok {
			chosen := gated[winner]
			if guardVetoes(rec, chosen.IP, c.clock.Now(), c.cfg.GraceWindow) {
				adopt := indexOf(gated, rec.IP)
				if adopt >= 0 && !alive[adopt] {
					adopt = -1
				}
				return c.veto(ctx, p, rec, gated, adopt)
			}

			state := assignRoles(gated, winner, c.cfg.ExtendedRoles)
			if err := c.save(ctx, p, state); err != nil {
				return Outcome{}, err
			}
			c.log.Info("Elected master",
				zap.String("ip", chosen.IP),
				zap.String("previous", p.previous),
				zap.Int("lap", lap),
			)

			out.Kind = OutcomeElected
			out.Master, _ = state.Master()
			out.State = state
			out.Comment = fmt.Sprintf("Elected %s in lap %d", chosen.IP, lap)
			return out, nil
		}

		// Nobody answered. Persist the candidate under consideration so a
		// crash mid-election leaves a usable state behind.
		guess := assignRoles(gated, pointer, c.cfg.ExtendedRoles)
		if err := c.save(ctx, p, guess); err != nil {
			return Outcome{}, err
		}
		c.log.Warn("No candidate passed liveness in lap",
			zap.Int("lap", lap),
			zap.Int("candidates", len(gated)),
			zap.String("best_guess", gated[pointer].IP),
		)
		pointer = (pointer + 1) % len(gated)

		if lap < c.cfg.RetryCount {
			if err := probe.Wait(ctx, c.clock, c.cfg.RetryInterval); err != nil {
				return Outcome{}, err
			}
		}
	}

	out.Kind = OutcomeNoLiveCandidate
	out.State = p.state
	out.Comment = fmt.Sprintf("No candidate passed liveness in %d laps", c.cfg.RetryCount)
	return out, nil
}

// veto keeps the recorded master. candidates[adopt] becomes MASTER in the
// state unless adopt is negative.
func (c *Controller) veto(ctx context.Context, p *pass, rec *RecordedMaster, candidates []cluster.Candidate, adopt int) (Outcome, error) {
	age := c.clock.Now().Sub(rec.ModifiedAt)
	c.log.Warn("Master record changed recently, not overwriting it",
		zap.String("record_ip", rec.IP),
		zap.Duration("age", age),
		zap.Duration("grace", c.cfg.GraceWindow),
	)

	out := Outcome{
		Kind:     OutcomeVetoed,
		Phase:    p.phase,
		Previous: p.previous,
		Comment:  fmt.Sprintf("Record points at %s since %s ago", rec.IP, age.Round(time.Second)),
	}

	if adopt >= 0 {
		state := assignRoles(candidates, adopt, c.cfg.ExtendedRoles)
		if !state.Equal(p.state) {
			if err := c.save(ctx, p, state); err != nil {
				return Outcome{}, err
			}
		}
		out.Master, _ = state.Master()
	}
	out.State = p.state
	return out, nil
}

// recordedUsable gates and probes a recorded master taken from stored
// state, which may be stale.
func (c *Controller) recordedUsable(ctx context.Context, cand cluster.Candidate) bool {
	if len(c.gate.Filter(ctx, []cluster.Candidate{cand}, "")) == 0 {
		c.log.Warn("Recorded master failed the gate, not adopting it", zap.String("ip", cand.IP))
		return false
	}
	if err := c.liveness.Probe(ctx, cand); err != nil {
		c.log.Warn("Recorded master failed liveness, not adopting it", zap.String("ip", cand.IP), zap.Error(err))
		return false
	}
	return true
}

func (c *Controller) save(ctx context.Context, p *pass, state cluster.State) error {
	if err := state.Validate(); err != nil {
		return err
	}
	rev, err := c.store.Save(ctx, p.revision, state)
	if err != nil {
		return fmt.Errorf("failed to save cluster state: %w", err)
	}
	p.revision = rev
	p.state = state
	return nil
}

// probeLap tries every candidate once, concurrently.
func (c *Controller) probeLap(ctx context.Context, candidates []cluster.Candidate) []bool {
	alive := make([]bool, len(candidates))
	var eg errgroup.Group
	for i, cand := range candidates {
		eg.Go(func() error {
			if err := c.liveness.Probe(ctx, cand); err != nil {
				c.log.Debug("Candidate failed liveness", zap.String("ip", cand.IP), zap.Error(err))
				return nil
			}
			alive[i] = true
			return nil
		})
	}
	eg.Wait()
	return alive
}
