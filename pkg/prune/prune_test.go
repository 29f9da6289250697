package prune

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
)

var (
	ss = joinset.NewInstance("ss", "store_sales")
	d  = joinset.NewInstance("d", "date_dim")
	i  = joinset.NewInstance("i", "item")
	st = joinset.NewInstance("s", "store")

	ssD  = joinset.NewEdge(ss, "ss_sold_date_sk", d, "d_date_sk", "=", joinset.Inner)
	ssI  = joinset.NewEdge(ss, "ss_item_sk", i, "i_item_sk", "=", joinset.Inner)
	ssSt = joinset.NewEdge(ss, "ss_store_sk", st, "s_store_sk", "=", joinset.Inner)
)

func js(edges []joinset.Edge, qbs ...string) joinset.JoinSet {
	return joinset.FromEdges(edges, qbs...)
}

func TestRuleCPrunesSingleQB(t *testing.T) {
	res := Apply([]joinset.JoinSet{js([]joinset.Edge{ssI}, "q1")}, DefaultOptions())
	require.Empty(t, res.Kept)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, RuleC, res.Removed[0].Rule)
	assert.Equal(t, []string{"pruned_C(qbs=1<2)"}, res.Removed[0].JoinSet.Lineage)
	assert.Equal(t, Stats{Input: 1, PrunedC: 1}, res.Stats)
}

func TestRuleB(t *testing.T) {
	single := joinset.New(nil, []joinset.TableInstance{ss}, "q1", "q2")
	res := Apply([]joinset.JoinSet{single}, DefaultOptions())
	require.Len(t, res.Removed, 1)
	assert.Equal(t, RuleB, res.Removed[0].Rule)
	assert.Equal(t, "table_count=1 < alpha=2", res.Removed[0].Reason)
	assert.Equal(t, []string{"pruned_B(tables=1<2)"}, res.Removed[0].JoinSet.Lineage)
	assert.Empty(t, single.Lineage, "input untouched")
}

func TestRuleD(t *testing.T) {
	small := js([]joinset.Edge{ssD}, "q1", "q2")
	big := js([]joinset.Edge{ssD, ssI}, "q1", "q2", "q3")
	wideQBs := js([]joinset.Edge{ssD}, "q1", "q2", "q3", "q4")
	other := js([]joinset.Edge{ssSt, ssI}, "q5", "q6")

	tests := []struct {
		name    string
		in      []joinset.JoinSet
		kept    int
		removed int
	}{
		{"proper edge and qb superset", []joinset.JoinSet{small, big}, 1, 1},
		{"larger qbs but fewer edges", []joinset.JoinSet{wideQBs, big}, 2, 0},
		{"disjoint", []joinset.JoinSet{small, other}, 2, 0},
		{"equal shape and qbs both survive", []joinset.JoinSet{small, small}, 2, 0},
		{"same edges more qbs", []joinset.JoinSet{small, wideQBs}, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Apply(tt.in, DefaultOptions())
			assert.Len(t, res.Kept, tt.kept)
			assert.Len(t, res.Removed, tt.removed)
			for _, r := range res.Removed {
				assert.Equal(t, RuleD, r.Rule)
				assert.Contains(t, r.JoinSet.Lineage, "pruned_D(non-maximal)")
				assert.Contains(t, r.Reason, "dominated by ")
			}
		})
	}
}

func TestRulesCanBeDisabled(t *testing.T) {
	in := []joinset.JoinSet{js([]joinset.Edge{ssI}, "q1")}
	res := Apply(in, Options{Alpha: 2, Beta: 2})
	require.Len(t, res.Kept, 1)
	require.Empty(t, res.Removed)
}

func TestApplyIsIdempotent(t *testing.T) {
	in := []joinset.JoinSet{
		js([]joinset.Edge{ssD}, "q1", "q2"),
		js([]joinset.Edge{ssD, ssI}, "q1", "q2", "q3"),
		js([]joinset.Edge{ssSt}, "q4"),
		js([]joinset.Edge{ssSt, ssI}, "q4", "q5"),
		joinset.New(nil, []joinset.TableInstance{d}, "q1", "q7"),
	}
	first := Apply(in, DefaultOptions())
	second := Apply(first.Kept, DefaultOptions())
	require.Empty(t, second.Removed)
	require.Equal(t, len(first.Kept), len(second.Kept))
	for k := range first.Kept {
		require.True(t, first.Kept[k].Equal(second.Kept[k]))
	}
	require.Equal(t, first.Stats.Input, first.Stats.Output+first.Stats.PrunedB+first.Stats.PrunedC+first.Stats.PrunedD)
}
