package joinplan

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
)

var (
	ss = joinset.NewInstance("ss", "store_sales")
	sr = joinset.NewInstance("sr", "store_returns")
	d  = joinset.NewInstance("d", "date_dim")
	i  = joinset.NewInstance("i", "item")
	c  = joinset.NewInstance("c", "customer")
)

func inner(l joinset.TableInstance, lc string, r joinset.TableInstance, rc string) joinset.Edge {
	return joinset.NewEdge(l, lc, r, rc, "=", joinset.Inner)
}

func left(l joinset.TableInstance, lc string, r joinset.TableInstance, rc string) joinset.Edge {
	return joinset.NewEdge(l, lc, r, rc, "=", joinset.Left)
}

func TestLeftJoinPlacesPreservedSideFirst(t *testing.T) {
	e := left(ss, "ss_ticket_number", sr, "sr_ticket_number")
	p, err := Build([]joinset.TableInstance{sr, ss}, []joinset.Edge{e})
	require.NoError(t, err)
	require.Equal(t, []string{"ss", "sr"}, p.Order(), "sr sorts first but is nullable")
	require.Equal(t, joinset.Left, p.Steps[1].JoinType)
	require.Equal(t, []joinset.Edge{e}, p.Steps[1].On)

	_, err = Build([]joinset.TableInstance{sr, ss}, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDisconnected))
}

func TestInnerStarOrdersByID(t *testing.T) {
	p, err := Build(
		[]joinset.TableInstance{ss, d, i},
		[]joinset.Edge{inner(ss, "ss_sold_date_sk", d, "d_date_sk"), inner(ss, "ss_item_sk", i, "i_item_sk")},
	)
	require.NoError(t, err)
	// d is the smallest root; ss is the only instance it reaches.
	assert.Equal(t, []string{"d", "ss", "i"}, p.Order())
	assert.Empty(t, p.Steps[0].On)
	for _, s := range p.Steps[1:] {
		assert.Equal(t, joinset.Inner, s.JoinType)
		assert.Len(t, s.On, 1)
	}
}

func TestLeftChainWithInnerDimension(t *testing.T) {
	edges := []joinset.Edge{
		inner(ss, "ss_sold_date_sk", d, "d_date_sk"),
		left(ss, "ss_ticket_number", sr, "sr_ticket_number"),
	}
	p, err := Build([]joinset.TableInstance{ss, sr, d}, edges)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "ss", "sr"}, p.Order())
	assert.Equal(t, joinset.Left, p.Steps[2].JoinType)
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name  string
		insts []joinset.TableInstance
		edges []joinset.Edge
		want  error
	}{
		{
			name:  "isolated instance",
			insts: []joinset.TableInstance{ss, d, c},
			edges: []joinset.Edge{inner(ss, "ss_sold_date_sk", d, "d_date_sk")},
			want:  ErrDisconnected,
		},
		{
			name:  "mixed inner and left into one instance",
			insts: []joinset.TableInstance{ss, sr},
			edges: []joinset.Edge{
				left(ss, "ss_ticket_number", sr, "sr_ticket_number"),
				inner(ss, "ss_item_sk", sr, "sr_item_sk"),
			},
			want: ErrMixedJoin,
		},
		{
			name:  "left cycle has no root",
			insts: []joinset.TableInstance{ss, sr},
			edges: []joinset.Edge{
				left(ss, "ss_ticket_number", sr, "sr_ticket_number"),
				left(sr, "sr_item_sk", ss, "ss_item_sk"),
			},
			want: ErrTopology,
		},
		{
			name:  "unknown instance",
			insts: []joinset.TableInstance{ss},
			edges: []joinset.Edge{inner(ss, "ss_sold_date_sk", d, "d_date_sk")},
			want:  ErrUnknownInstance,
		},
		{
			name: "empty",
			want: ErrDisconnected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.insts, tt.edges)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			var perr *PlanError
			assert.True(t, errors.As(err, &perr))
		})
	}
}

func TestTopologyBlocked(t *testing.T) {
	// d is the only root. sr is reachable from it over INNER but must follow
	// ss, which in turn must follow sr.
	edges := []joinset.Edge{
		inner(d, "d_date_sk", sr, "sr_returned_date_sk"),
		left(ss, "ss_ticket_number", sr, "sr_ticket_number"),
		left(sr, "sr_item_sk", ss, "ss_item_sk"),
	}
	_, err := Build([]joinset.TableInstance{d, sr, ss}, edges)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTopology), "got %v", err)
}

func TestBacktracksPastMixedStep(t *testing.T) {
	// From ss, placing d before sr would leave sr with an INNER edge to d and
	// a LEFT edge from ss. Placing sr first works.
	edges := []joinset.Edge{
		left(ss, "ss_ticket_number", sr, "sr_ticket_number"),
		inner(sr, "sr_returned_date_sk", d, "d_date_sk"),
		inner(ss, "ss_sold_date_sk", d, "d_date_sk"),
	}
	p, err := Build([]joinset.TableInstance{d, sr, ss}, edges)
	require.NoError(t, err)
	assert.Equal(t, []string{"ss", "sr", "d"}, p.Order())
	assert.Equal(t, joinset.Left, p.Steps[1].JoinType)
	assert.Equal(t, joinset.Inner, p.Steps[2].JoinType)
	assert.Len(t, p.Steps[2].On, 2)

	again, err := Build([]joinset.TableInstance{ss, d, sr}, edges)
	require.NoError(t, err)
	assert.Equal(t, p, again)
}
