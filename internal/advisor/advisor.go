// Package advisor runs the whole generator: extract query blocks, group their
// join shapes by fact table, run the algebra and pruning per group, and emit
// view candidates. The CLI and the HTTP service both go through it.
package advisor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Lianghan-Zhang/ecse-test/internal/config"
	"github.com/Lianghan-Zhang/ecse-test/internal/logutil"
	"github.com/Lianghan-Zhang/ecse-test/internal/metrics"
	"github.com/Lianghan-Zhang/ecse-test/pkg/ecse"
	"github.com/Lianghan-Zhang/ecse-test/pkg/mvemit"
	"github.com/Lianghan-Zhang/ecse-test/pkg/prune"
	"github.com/Lianghan-Zhang/ecse-test/pkg/qbextract"
	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

// ErrNoSchema is returned when an Advisor has no schema metadata.
var ErrNoSchema = errors.New("advisor has no schema metadata")

type Advisor struct {
	Meta    *richcatalog.Meta
	Config  config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Stats struct {
	Files       int           `json:"files"`
	QueryBlocks int           `json:"query_blocks"`
	Eligible    int           `json:"eligible_query_blocks"`
	JoinSets    int           `json:"collected_joinsets"`
	FactGroups  int           `json:"fact_groups"`
	Candidates  int           `json:"candidates"`
	Degraded    int           `json:"degraded_candidates"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// Report is the outcome of one run. Errors lists non-fatal failures (files
// that did not parse, fact groups that failed); the rest of the run still
// completed.
type Report struct {
	RunID       string                 `json:"run_id"`
	QueryBlocks []qbextract.QueryBlock `json:"query_blocks"`
	Groups      []ecse.GroupResult     `json:"groups"`
	Candidates  []mvemit.Candidate     `json:"candidates"`
	Stats       Stats                  `json:"stats"`
	Warnings    []string               `json:"warnings,omitempty"`
	Errors      []string               `json:"errors,omitempty"`
}

// Run is RunStream without a callback.
func (a *Advisor) Run(ctx context.Context, files []qbextract.File) (*Report, error) {
	return a.RunStream(ctx, files, nil)
}

// RunStream runs the generator over files, calling fn once per finished fact
// group (calls are serialized). The returned error is only set when the run
// could not start or ctx ended; per-file and per-group failures are in
// Report.Errors.
func (a *Advisor) RunStream(ctx context.Context, files []qbextract.File, fn func(ecse.GroupResult)) (*Report, error) {
	if a.Meta == nil {
		return nil, ErrNoSchema
	}
	start := time.Now()
	rep := &Report{RunID: uuid.NewString()}
	log := a.logger(ctx).With(zap.String("run_id", rep.RunID))
	defer a.Metrics.RunStarted()()

	qbs, warnings, err := qbextract.ExtractAll(files, a.Meta)
	rep.QueryBlocks, rep.Warnings = qbs, warnings
	rep.addErrors(err)
	for _, e := range multierr.Errors(err) {
		log.Warn("workload file skipped", zap.Error(e))
	}

	coll := ecse.NewCollection(a.Meta)
	byID := make(map[string]qbextract.QueryBlock, len(qbs))
	for _, qb := range qbs {
		byID[qb.ID] = qb
		if qb.Eligibility.Eligible {
			rep.Stats.Eligible++
			coll.Add(qb.JoinSet(""))
		}
	}

	cfg := a.Config
	groups, err := ecse.RunGroups(ctx, coll, a.Meta, cfg.ECSE, cfg.Prune, cfg.Parallelism,
		ecse.WithTimeout(cfg.GroupTimeout),
		ecse.WithLogger(log),
		ecse.WithCallback(func(g ecse.GroupResult) {
			a.Metrics.ObserveGroup(g)
			if fn != nil {
				fn(g)
			}
		}),
	)
	rep.Groups = groups
	rep.addErrors(err)

	rep.Candidates = mvemit.Emit(groups, byID, a.Meta)
	a.Metrics.ObserveCandidates(rep.Candidates)
	for _, c := range rep.Candidates {
		if c.Status == mvemit.StatusDegraded {
			rep.Stats.Degraded++
			log.Warn("candidate degraded", zap.String("mv", c.Name), zap.Strings("reasons", c.Reasons))
		}
	}

	rep.Stats.Files = len(files)
	rep.Stats.QueryBlocks = len(qbs)
	rep.Stats.JoinSets = coll.Len()
	rep.Stats.FactGroups = len(groups)
	rep.Stats.Candidates = len(rep.Candidates)
	rep.Stats.Elapsed = time.Since(start)
	log.Info("advisor run complete", logutil.Values(
		zap.Int("files", rep.Stats.Files),
		zap.Int("query_blocks", rep.Stats.QueryBlocks),
		zap.Int("eligible", rep.Stats.Eligible),
		zap.Int("fact_groups", rep.Stats.FactGroups),
		zap.Int("candidates", rep.Stats.Candidates),
		zap.Int("degraded", rep.Stats.Degraded),
		zap.Int("errors", len(rep.Errors)),
	), zap.Duration("elapsed", rep.Stats.Elapsed))

	return rep, ctx.Err()
}

func (a *Advisor) logger(ctx context.Context) *zap.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return logutil.FromContext(ctx)
}

func (r *Report) addErrors(err error) {
	for _, e := range multierr.Errors(err) {
		r.Errors = append(r.Errors, e.Error())
	}
}

// WriteFiles writes mv_candidates.sql, qb_joins.json, and mv_column_map.json
// into dir, creating it if needed.
func (r *Report) WriteFiles(dir string, meta *richcatalog.Meta, cfg config.Config) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create output dir")
	}
	info := map[string]any{
		"run_id":          r.RunID,
		"alpha":           cfg.Prune.Alpha,
		"beta":            cfg.Prune.Beta,
		"enable_union":    cfg.ECSE.EnableUnion,
		"enable_superset": cfg.ECSE.EnableSuperset,
		"stats":           r.Stats,
		"groups":          groupStats(r.Groups),
	}
	if meta != nil {
		info["schema_checksum"] = meta.Checksum()
	}
	if len(r.Errors) > 0 {
		info["errors"] = r.Errors
	}
	report := mvemit.QBJoinsReport{Meta: info, QueryBlocks: r.QueryBlocks, Candidates: r.Candidates}
	if meta != nil {
		report.Schema = meta
	}
	err := multierr.Combine(
		writeFile(filepath.Join(dir, mvemit.SQLFile), func(f *os.File) error { return mvemit.WriteSQL(f, r.Candidates) }),
		writeFile(filepath.Join(dir, mvemit.QBJoinsFile), func(f *os.File) error { return mvemit.WriteQBJoins(f, report) }),
		writeFile(filepath.Join(dir, mvemit.ColumnMapFile), func(f *os.File) error { return mvemit.WriteColumnMap(f, r.Candidates) }),
	)
	if cfg.SplitViews {
		err = multierr.Append(err, r.writeSplit(filepath.Join(dir, mvemit.SplitDir)))
	}
	return err
}

// writeSplit writes each non-degraded candidate to dir/<name>.sql.
func (r *Report) writeSplit(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create split dir")
	}
	var err error
	for _, c := range r.Candidates {
		if c.Status == mvemit.StatusDegraded {
			continue
		}
		err = multierr.Append(err, writeFile(filepath.Join(dir, c.Name+".sql"), func(f *os.File) error {
			return mvemit.WriteView(f, c)
		}))
	}
	return err
}

type groupStat struct {
	Stats ecse.Stats  `json:"ecse"`
	Prune prune.Stats `json:"prune"`
	Error string      `json:"error,omitempty"`
}

func groupStats(groups []ecse.GroupResult) map[string]groupStat {
	out := make(map[string]groupStat, len(groups))
	for _, g := range groups {
		s := groupStat{Stats: g.Result.Stats, Prune: g.Pruned.Stats}
		if g.Err != nil {
			s.Error = g.Err.Error()
		}
		out[g.FactTable] = s
	}
	return out
}

func writeFile(path string, write func(*os.File) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return write(f)
}
