// Package prune filters ECSE output with three heuristics: too few tables (B),
// too few query blocks (C), and non-maximal shapes (D).
package prune

import (
	"fmt"
	"sort"

	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
)

// Rule names a pruning heuristic.
type Rule string

const (
	RuleB Rule = "B"
	RuleC Rule = "C"
	RuleD Rule = "D"
)

// Options configures Apply. The zero value disables every rule; use
// DefaultOptions for the usual alpha=2, beta=2, all rules on.
type Options struct {
	Alpha   int  `json:"alpha" yaml:"alpha"`
	Beta    int  `json:"beta" yaml:"beta"`
	EnableB bool `json:"enable_b" yaml:"enable_b"`
	EnableC bool `json:"enable_c" yaml:"enable_c"`
	EnableD bool `json:"enable_d" yaml:"enable_d"`
}

func DefaultOptions() Options {
	return Options{Alpha: 2, Beta: 2, EnableB: true, EnableC: true, EnableD: true}
}

// Removed is a pruned JoinSet with its lineage extended by the rule entry.
type Removed struct {
	JoinSet joinset.JoinSet `json:"joinset"`
	Rule    Rule            `json:"rule"`
	Reason  string          `json:"reason"`
}

// Stats counts JoinSets per rule.
type Stats struct {
	Input   int `json:"input"`
	PrunedB int `json:"pruned_B"`
	PrunedC int `json:"pruned_C"`
	PrunedD int `json:"pruned_D"`
	Output  int `json:"output"`
}

type Result struct {
	Kept    []joinset.JoinSet `json:"kept"`
	Removed []Removed         `json:"removed"`
	Stats   Stats             `json:"stats"`
}

// Apply runs the enabled rules in order B, C, D. Kept JoinSets are returned
// unchanged and in input order; qb_ids are never merged.
func Apply(js []joinset.JoinSet, opt Options) Result {
	res := Result{Stats: Stats{Input: len(js)}}
	cur := js

	if opt.EnableB {
		cur = res.filter(cur, RuleB, func(x joinset.JoinSet) (string, string, bool) {
			n := x.InstanceCount()
			if n >= opt.Alpha {
				return "", "", false
			}
			return fmt.Sprintf("pruned_B(tables=%d<%d)", n, opt.Alpha),
				fmt.Sprintf("table_count=%d < alpha=%d", n, opt.Alpha), true
		})
		res.Stats.PrunedB = len(res.Removed)
	}

	if opt.EnableC {
		before := len(res.Removed)
		cur = res.filter(cur, RuleC, func(x joinset.JoinSet) (string, string, bool) {
			n := x.QBCount()
			if n >= opt.Beta {
				return "", "", false
			}
			return fmt.Sprintf("pruned_C(qbs=%d<%d)", n, opt.Beta),
				fmt.Sprintf("qbset_size=%d < beta=%d", n, opt.Beta), true
		})
		res.Stats.PrunedC = len(res.Removed) - before
	}

	if opt.EnableD {
		before := len(res.Removed)
		dom := dominators(cur)
		i := 0
		cur = res.filter(cur, RuleD, func(x joinset.JoinSet) (string, string, bool) {
			d := dom[i]
			i++
			if d < 0 {
				return "", "", false
			}
			return "pruned_D(non-maximal)", "dominated by " + cur[d].Key(), true
		})
		res.Stats.PrunedD = len(res.Removed) - before
	}

	res.Kept = cur
	res.Stats.Output = len(cur)
	return res
}

func (r *Result) filter(in []joinset.JoinSet, rule Rule, drop func(joinset.JoinSet) (string, string, bool)) []joinset.JoinSet {
	out := make([]joinset.JoinSet, 0, len(in))
	for _, x := range in {
		entry, reason, ok := drop(x)
		if !ok {
			out = append(out, x)
			continue
		}
		r.Removed = append(r.Removed, Removed{JoinSet: x.WithLineage(entry), Rule: rule, Reason: reason})
	}
	return out
}

// dominators returns, per index, the index of a JoinSet that dominates it or
// -1. Y is dominated by X when Y.edges ⊆ X.edges and Y.qb_ids ⊆ X.qb_ids with
// at least one inclusion proper. Every Y is checked against the full input,
// so two JoinSets with equal edges and equal qb_ids are both kept. Among
// several dominators the one with the smallest Key is reported.
func dominators(js []joinset.JoinSet) []int {
	order := make([]int, len(js))
	for i := range order {
		order[i] = i
	}
	keys := make([]string, len(js))
	for i, x := range js {
		keys[i] = x.Key()
	}
	sort.SliceStable(order, func(a, b int) bool { return keys[order[a]] < keys[order[b]] })

	out := make([]int, len(js))
	for y := range js {
		out[y] = -1
		for _, x := range order {
			if x == y {
				continue
			}
			if dominates(js[x], js[y]) {
				out[y] = x
				break
			}
		}
	}
	return out
}

func dominates(x, y joinset.JoinSet) bool {
	if !y.EdgesSubsetOf(x) || !y.QBSubsetOf(x) {
		return false
	}
	return y.EdgeCount() < x.EdgeCount() || y.QBCount() < x.QBCount()
}
