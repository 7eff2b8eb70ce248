// Package gate decides which consensus candidates are eligible to serve
// an application: reachable on the application port, of clean reputation,
// and running on a node whose own benchmark is sound.
package gate

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fluxdnsd/cluster"
)

type Reachability interface {
	Reachable(ctx context.Context, ip string, port int) error
}

type Reputation interface {
	Check(ctx context.Context, ip string) error
}

type Benchmark interface {
	Check(ctx context.Context, ip string, port int) error
}

// Verdict is the gate's decision about one candidate.
type Verdict struct {
	Candidate cluster.Candidate
	Passed    bool

	// Reason explains a rejection.
	Reason string
}

// Gate ANDs its checks. A nil check is skipped. Every check runs under
// its own timeout and any error, including transport errors, rejects the
// candidate.
type Gate struct {
	reach   Reachability
	rep     Reputation
	bench   Benchmark
	appPort int
	timeout time.Duration
	log     *zap.Logger
}

func New(reach Reachability, rep Reputation, bench Benchmark, appPort int, timeout time.Duration, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		reach:   reach,
		rep:     rep,
		bench:   bench,
		appPort: appPort,
		timeout: timeout,
		log:     log.Named("gate"),
	}
}

func (g *Gate) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return fn(ctx)
}

// Evaluate runs the checks for one candidate, stopping at the first
// rejection.
func (g *Gate) Evaluate(ctx context.Context, c cluster.Candidate) Verdict {
	checks := []struct {
		name string
		run  func(ctx context.Context) error
		on   bool
	}{
		{"reachability", func(ctx context.Context) error { return g.reach.Reachable(ctx, c.IP, g.appPort) }, g.reach != nil},
		{"reputation", func(ctx context.Context) error { return g.rep.Check(ctx, c.IP) }, g.rep != nil},
		{"benchmark", func(ctx context.Context) error { return g.bench.Check(ctx, c.IP, c.Port) }, g.bench != nil},
	}

	for _, check := range checks {
		if !check.on {
			continue
		}
		if err := g.withTimeout(ctx, check.run); err != nil {
			return Verdict{Candidate: c, Reason: check.name + ": " + err.Error()}
		}
	}
	return Verdict{Candidate: c, Passed: true}
}

// Filter evaluates all candidates concurrently and returns those that
// pass, in their original order. The candidate whose IP equals exclude is
// dropped without being checked.
func (g *Gate) Filter(ctx context.Context, candidates []cluster.Candidate, exclude string) []cluster.Candidate {
	verdicts := make([]Verdict, len(candidates))

	var eg errgroup.Group
	for i, c := range candidates {
		if c.IP == exclude {
			verdicts[i] = Verdict{Candidate: c, Reason: "excluded"}
			continue
		}
		eg.Go(func() error {
			verdicts[i] = g.Evaluate(ctx, c)
			return nil
		})
	}
	eg.Wait()

	passed := make([]cluster.Candidate, 0, len(candidates))
	for _, v := range verdicts {
		if v.Passed {
			passed = append(passed, v.Candidate)
			continue
		}
		g.log.Info("Candidate rejected", zap.String("ip", v.Candidate.IP), zap.String("reason", v.Reason))
	}
	return passed
}
