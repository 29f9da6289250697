// Package ecse runs the JoinSet algebra over the per-query-block join shapes of
// one fact table: Equivalence, Intersection, Union, Equivalence again, then
// Superset/Subset propagation.
//
// Every stage returns new JoinSets and iterates pairs in Key order, so
// repeated runs on identical input produce identical output.
package ecse

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/Lianghan-Zhang/ecse-test/pkg/invariance"
	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
	"github.com/Lianghan-Zhang/ecse-test/pkg/matcher"
	"github.com/Lianghan-Zhang/ecse-test/pkg/normalize"
)

type Options struct {
	EnableUnion          bool `json:"enable_union" yaml:"enable_union"`
	EnableSuperset       bool `json:"enable_superset" yaml:"enable_superset"`
	MinIntersectionEdges int  `json:"min_intersection_edges" yaml:"min_intersection_edges"`
}

func DefaultOptions() Options {
	return Options{EnableUnion: true, EnableSuperset: true, MinIntersectionEdges: 1}
}

// Stats counts JoinSets after each stage.
type Stats struct {
	InputCount             int `json:"input_count"`
	Rejected               int `json:"rejected"`
	AfterEquiv1            int `json:"after_equiv_1"`
	IntersectionsGenerated int `json:"intersections_generated"`
	AfterIntersection      int `json:"after_intersection"`
	UnionsGenerated        int `json:"unions_generated"`
	AfterUnion             int `json:"after_union"`
	AfterEquiv2            int `json:"after_equiv_2"`
	AfterSupersetSubset    int `json:"after_superset_subset"`
}

// Rejection classes.
const (
	ClassAmbiguity     = "ambiguity"
	ClassInputContract = "input_contract"
)

// Rejection is an input JoinSet excluded before the algebra ran.
type Rejection struct {
	JoinSet joinset.JoinSet `json:"joinset"`
	Class   string          `json:"class"`
	Reason  string          `json:"reason"`
}

type Result struct {
	FactTable string            `json:"fact_table"`
	JoinSets  []joinset.JoinSet `json:"joinsets"`
	Rejected  []Rejection       `json:"rejected,omitempty"`
	// RejectedEdges are single edges dropped during normalization; the
	// JoinSet they came from was kept without them.
	RejectedEdges []normalize.Rejected `json:"rejected_edges,omitempty"`
	Stats         Stats                `json:"stats"`
}

// Run executes the pipeline on the JoinSets of one fact table.
func Run(input []joinset.JoinSet, s invariance.Schema, opt Options) Result {
	res, _ := run(context.Background(), input, s, opt)
	return res
}

// run is Run with a context checked between stages and between outer pair
// iterations, so a host can bound the wall-clock time of one group.
func run(ctx context.Context, input []joinset.JoinSet, s invariance.Schema, opt Options) (Result, error) {
	if opt.MinIntersectionEdges < 1 {
		opt.MinIntersectionEdges = 1
	}
	res := Result{Stats: Stats{InputCount: len(input)}}
	if len(input) > 0 {
		res.FactTable = input[0].FactTable
	}

	var cur []joinset.JoinSet
	for _, js := range input {
		out, rep, err := normalize.Normalize(js, s)
		if err != nil {
			class := ClassInputContract
			if errors.Is(err, normalize.ErrAmbiguous) {
				class = ClassAmbiguity
			}
			res.Rejected = append(res.Rejected, Rejection{JoinSet: js, Class: class, Reason: err.Error()})
			continue
		}
		res.RejectedEdges = append(res.RejectedEdges, rep.Rejected...)
		cur = append(cur, out)
	}
	res.Stats.Rejected = len(res.Rejected)

	cur = Equivalence(cur)
	res.Stats.AfterEquiv1 = len(cur)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	inter, err := intersection(ctx, cur, opt.MinIntersectionEdges)
	if err != nil {
		return res, err
	}
	res.Stats.IntersectionsGenerated = len(inter)
	cur = append(cur, inter...)
	res.Stats.AfterIntersection = len(cur)

	if opt.EnableUnion {
		unions, err := union(ctx, cur, s)
		if err != nil {
			return res, err
		}
		res.Stats.UnionsGenerated = len(unions)
		cur = append(cur, unions...)
	}
	res.Stats.AfterUnion = len(cur)

	cur = Equivalence(cur)
	res.Stats.AfterEquiv2 = len(cur)

	cur, err = supersetSubset(ctx, cur, s, opt.EnableSuperset)
	if err != nil {
		return res, err
	}
	res.Stats.AfterSupersetSubset = len(cur)
	res.JoinSets = cur
	return res, nil
}

// Equivalence merges JoinSets with the same shape and grouping signature.
// Each JoinSet, in Key order, merges into the earliest representative with
// an equal Key, or else one it aligns onto exactly; its qb_ids join the
// representative's and the rollup flags are ORed.
func Equivalence(in []joinset.JoinSet) []joinset.JoinSet {
	var reps []joinset.JoinSet
	for _, js := range sortByKey(in) {
		merged := false
		for k, rep := range reps {
			if !sameShape(js, rep) {
				continue
			}
			reps[k] = rep.
				WithQBIDs(js.QBIDs()...).
				WithGrouping(rep.GroupingSignature, rep.HasRollupSemantics || js.HasRollupSemantics).
				WithLineage(fmt.Sprintf("equiv_merge(%s)", strings.Join(js.QBIDs(), ",")))
			merged = true
			break
		}
		if !merged {
			reps = append(reps, js)
		}
	}
	return reps
}

// sameShape reports whether js equals rep as written or after renaming its
// instances onto rep's.
func sameShape(js, rep joinset.JoinSet) bool {
	if js.Key() == rep.Key() {
		return true
	}
	if rep.GroupingSignature != js.GroupingSignature || !maps.Equal(rep.BaseTableCounts(), js.BaseTableCounts()) {
		return false
	}
	aligned, _, ok := matcher.Align(js, rep)
	return ok && aligned.Key() == rep.Key()
}

// Intersection returns the new shapes formed by intersecting every unordered
// pair of in. It does not recurse into its own output. Pairs involving
// rollup semantics are skipped, since dropping a table could drop a rollup
// column.
func Intersection(in []joinset.JoinSet, minEdges int) []joinset.JoinSet {
	out, _ := intersection(context.Background(), in, minEdges)
	return out
}

func intersection(ctx context.Context, in []joinset.JoinSet, minEdges int) ([]joinset.JoinSet, error) {
	in = sortByKey(in)
	seen := keys(in)
	var out []joinset.JoinSet
	for i := range in {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := i + 1; j < len(in); j++ {
			a, b := in[i], in[j]
			if a.HasRollupSemantics || b.HasRollupSemantics {
				continue
			}
			a2, b2, ok := alignPair(a, b)
			if !ok {
				continue
			}
			edges := joinset.IntersectEdges(a2.Edges(), b2.Edges())
			if len(edges) < minEdges {
				continue
			}
			insts := joinset.InstancesFromEdges(edges)
			if !joinset.Connected(insts, edges) {
				continue
			}
			x := joinset.New(edges, insts, append(a.QBIDs(), b.QBIDs()...)...).
				WithFact(factOf(a, b)).
				WithLineage(fmt.Sprintf("intersect(%d,%d)", i, j))
			if seen[x.Key()] {
				continue
			}
			seen[x.Key()] = true
			out = append(out, x)
		}
	}
	return out, nil
}

// Union returns the new shapes formed by joining overlapping pairs whose
// additions cannot change either side's row multiplicity. Both parents stay
// in the caller's list.
func Union(in []joinset.JoinSet, s invariance.Schema) []joinset.JoinSet {
	out, _ := union(context.Background(), in, s)
	return out
}

func union(ctx context.Context, in []joinset.JoinSet, s invariance.Schema) ([]joinset.JoinSet, error) {
	in = sortByKey(in)
	seen := keys(in)
	var out []joinset.JoinSet
	for i := range in {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := i + 1; j < len(in); j++ {
			a, b := in[i], in[j]
			if a.GroupingSignature != b.GroupingSignature || !a.SharesBaseTable(b) {
				continue
			}
			a2, b2, ok := alignPair(a, b)
			if !ok || a2.EdgesSubsetOf(b2) || b2.EdgesSubsetOf(a2) {
				continue
			}
			edges := joinset.UnionEdges(a2.Edges(), b2.Edges())
			insts := joinset.UnionInstances(a2.Instances(), b2.Instances())
			if !unionInvariant(a2, b2, edges, s) || !joinset.Connected(insts, edges) {
				continue
			}
			x := joinset.New(edges, insts, append(a.QBIDs(), b.QBIDs()...)...).
				WithFact(factOf(a, b)).
				WithGrouping(a.GroupingSignature, a.HasRollupSemantics || b.HasRollupSemantics).
				WithLineage(fmt.Sprintf("union(%d,%d)", i, j))
			if seen[x.Key()] {
				continue
			}
			seen[x.Key()] = true
			out = append(out, x)
		}
	}
	return out, nil
}

// unionInvariant requires every instance one side adds to the other to be
// invariant-reachable, and every edge present on only one side between
// instances both sides share to be invariant.
func unionInvariant(a, b joinset.JoinSet, edges []joinset.Edge, s invariance.Schema) bool {
	ai, bi := a.Instances(), b.Instances()
	if !invariance.InvariantReachable(ai, joinset.MinusInstances(bi, ai), edges, s) {
		return false
	}
	if !invariance.InvariantReachable(bi, joinset.MinusInstances(ai, bi), edges, s) {
		return false
	}
	unique := append(joinset.MinusEdges(a.Edges(), b.Edges()), joinset.MinusEdges(b.Edges(), a.Edges())...)
	for _, e := range unique {
		if a.HasInstance(e.Left()) && a.HasInstance(e.Right()) && b.HasInstance(e.Left()) && b.HasInstance(e.Right()) &&
			!invariance.IsInvariant(e, s) {
			return false
		}
	}
	return true
}

// SupersetSubset propagates qb_ids between JoinSets where one, after
// alignment, is a proper edge subset of the other with a subset of its
// instances. The subset always inherits the superset's qb_ids; with
// enableSuperset the superset inherits the subset's qb_ids when its extra
// instances and extra edges are invariant. Propagation repeats until
// nothing changes, so the result does not depend on pair order.
func SupersetSubset(in []joinset.JoinSet, s invariance.Schema, enableSuperset bool) []joinset.JoinSet {
	out, _ := supersetSubset(context.Background(), in, s, enableSuperset)
	return out
}

type containment struct {
	sub bool // y ⊂ x
	sup bool // x may inherit from y
}

func supersetSubset(ctx context.Context, in []joinset.JoinSet, s invariance.Schema, enableSuperset bool) ([]joinset.JoinSet, error) {
	out := sortByKey(in)
	n := len(out)
	rel := make([][]containment, n)
	for x := range out {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel[x] = make([]containment, n)
		for y := range out {
			if x == y {
				continue
			}
			y2, ok := containedIn(out[y], out[x])
			if !ok {
				continue
			}
			rel[x][y].sub = true
			rel[x][y].sup = enableSuperset && supersetInvariant(out[x], y2, s)
		}
	}

	for changed := true; changed; {
		changed = false
		for x := range out {
			for y := range out {
				r := rel[x][y]
				if !r.sub {
					continue
				}
				if add := missing(out[x], out[y]); len(add) > 0 {
					out[y] = out[y].WithQBIDs(add...).WithLineage(fmt.Sprintf("subset_inherit(%d<%d)", y, x))
					changed = true
				}
				if !r.sup {
					continue
				}
				if add := missing(out[y], out[x]); len(add) > 0 {
					out[x] = out[x].WithQBIDs(add...).WithLineage(fmt.Sprintf("superset_inherit(%d>%d)", x, y))
					changed = true
				}
			}
		}
	}
	return out, nil
}

// containedIn returns y in x's instance ids when y is a proper edge subset of
// x. y is tried as written first and renamed only when that fails.
func containedIn(y, x joinset.JoinSet) (joinset.JoinSet, bool) {
	contained := func(c joinset.JoinSet) bool {
		return c.EdgesProperSubsetOf(x) && c.InstancesSubsetOf(x)
	}
	if matcher.Compatible(y, x) && contained(y) {
		return y, true
	}
	y2, _, ok := matcher.Align(y, x)
	if !ok || !contained(y2) {
		return joinset.JoinSet{}, false
	}
	return y2, true
}

// supersetInvariant reports whether x can serve y's query blocks: x's extra
// instances are invariant-reachable from y and x's extra edges among y's
// instances are invariant.
func supersetInvariant(x, y joinset.JoinSet, s invariance.Schema) bool {
	yi := y.Instances()
	if !invariance.InvariantReachable(yi, joinset.MinusInstances(x.Instances(), yi), x.Edges(), s) {
		return false
	}
	for _, e := range joinset.MinusEdges(x.Edges(), y.Edges()) {
		if y.HasInstance(e.Left()) && y.HasInstance(e.Right()) && !invariance.IsInvariant(e, s) {
			return false
		}
	}
	return true
}

// alignPair puts a and b in one instance id space. Pairs whose ids already
// agree and where one edge set contains the other are returned as written.
// Otherwise b is aligned onto a, then a onto b. When both alignments fail,
// id-compatible pairs are still compared as written.
func alignPair(a, b joinset.JoinSet) (joinset.JoinSet, joinset.JoinSet, bool) {
	compatible := matcher.Compatible(a, b)
	if compatible && (a.EdgesSubsetOf(b) || b.EdgesSubsetOf(a)) {
		return a, b, true
	}
	if b2, _, ok := matcher.Align(b, a); ok {
		return a, b2, true
	}
	if a2, _, ok := matcher.Align(a, b); ok {
		return a2, b, true
	}
	if compatible {
		return a, b, true
	}
	return joinset.JoinSet{}, joinset.JoinSet{}, false
}

// missing returns from's qb_ids absent in to.
func missing(from, to joinset.JoinSet) []string {
	var out []string
	for _, id := range from.QBIDs() {
		if !to.HasQB(id) {
			out = append(out, id)
		}
	}
	return out
}

func factOf(a, b joinset.JoinSet) string {
	if a.FactTable != "" {
		return a.FactTable
	}
	return b.FactTable
}

func keys(in []joinset.JoinSet) map[string]bool {
	m := make(map[string]bool, len(in))
	for _, js := range in {
		m[js.Key()] = true
	}
	return m
}

func sortByKey(in []joinset.JoinSet) []joinset.JoinSet {
	out := make([]joinset.JoinSet, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
