package ecse

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Lianghan-Zhang/ecse-test/pkg/invariance"
	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
	"github.com/Lianghan-Zhang/ecse-test/pkg/prune"
)

// GroupResult is the outcome for one fact table. Err is set when the group
// panicked, timed out, or was cancelled; Result then holds whatever stats
// were recorded before the failure.
type GroupResult struct {
	FactTable string        `json:"fact_table"`
	Result    Result        `json:"ecse"`
	Pruned    prune.Result  `json:"pruned"`
	Duration  time.Duration `json:"duration_ns"`
	Err       error         `json:"-"`
}

// Survivors returns the JoinSets kept by pruning.
func (g GroupResult) Survivors() []joinset.JoinSet { return g.Pruned.Kept }

type groupConfig struct {
	timeout time.Duration
	logger  *zap.Logger
	onGroup func(GroupResult)
}

// GroupOption configures RunGroups.
type GroupOption func(*groupConfig)

// WithTimeout bounds each group's run. Zero means no bound.
func WithTimeout(d time.Duration) GroupOption {
	return func(c *groupConfig) { c.timeout = d }
}

func WithLogger(l *zap.Logger) GroupOption {
	return func(c *groupConfig) { c.logger = l }
}

// WithCallback is called once per finished group. Calls are serialized.
func WithCallback(fn func(GroupResult)) GroupOption {
	return func(c *groupConfig) { c.onGroup = fn }
}

// RunGroups runs the pipeline and pruning for every fact group in coll, at
// most parallelism groups at a time (GOMAXPROCS when < 1). A failing group
// never stops the others; the returned error aggregates every group error.
// Results are sorted by fact table.
func RunGroups(ctx context.Context, coll *Collection, s invariance.Schema, opt Options, popt prune.Options, parallelism int, gopts ...GroupOption) ([]GroupResult, error) {
	cfg := groupConfig{logger: zap.L()}
	for _, o := range gopts {
		o(&cfg)
	}
	if parallelism < 1 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	facts := coll.FactTables()
	results := make([]GroupResult, len(facts))

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(parallelism)
	for i, fact := range facts {
		items := coll.Items(fact)
		g.Go(func() error {
			results[i] = runGroup(ctx, fact, items, s, opt, popt, cfg)
			if cfg.onGroup != nil {
				mu.Lock()
				cfg.onGroup(results[i])
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	var err error
	for _, r := range results {
		if r.Err != nil {
			err = multierr.Append(err, errors.Wrapf(r.Err, "fact group %s", r.FactTable))
		}
	}
	return results, err
}

func runGroup(ctx context.Context, fact string, items []joinset.JoinSet, s invariance.Schema, opt Options, popt prune.Options, cfg groupConfig) (gr GroupResult) {
	start := time.Now()
	gr.FactTable = fact
	log := cfg.logger.With(zap.String("fact_table", fact))

	defer func() {
		gr.Duration = time.Since(start)
		if r := recover(); r != nil {
			gr.Err = fmt.Errorf("panic: %v", r)
			log.Error("fact group panicked", zap.Any("panic", r))
		}
	}()

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	res, err := run(ctx, items, s, opt)
	gr.Result = res
	for _, rej := range res.Rejected {
		log.Warn("joinset rejected", zap.String("class", rej.Class), zap.String("reason", rej.Reason),
			zap.Strings("qb_ids", rej.JoinSet.QBIDs()))
	}
	for _, rej := range res.RejectedEdges {
		log.Warn("edge rejected", zap.String("edge", rej.Edge.String()), zap.String("reason", rej.Reason))
	}
	if err != nil {
		gr.Err = err
		log.Warn("fact group stopped", zap.Error(err))
		return gr
	}

	gr.Pruned = prune.Apply(res.JoinSets, popt)
	log.Debug("fact group done",
		zap.Any("stats", res.Stats),
		zap.Any("prune", gr.Pruned.Stats),
		zap.Duration("elapsed", time.Since(start)),
	)
	return gr
}
