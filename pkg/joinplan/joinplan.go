// Package joinplan orders the instances of a JoinSet into a left-deep join
// plan that respects LEFT join direction.
package joinplan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"

	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
)

var (
	// ErrDisconnected means some instance has no edge to the rest.
	ErrDisconnected = errors.New("join graph is disconnected")
	// ErrTopology means the remaining instances are connected but LEFT
	// direction forbids placing any of them.
	ErrTopology = errors.New("no valid join order for LEFT join topology")
	// ErrMixedJoin means an instance connects through both INNER edges and
	// LEFT edges, or through a LEFT edge on its preserved side.
	ErrMixedJoin = errors.New("mixed join types on one step")
	// ErrUnknownInstance means an edge references an instance outside the plan.
	ErrUnknownInstance = errors.New("edge references unknown instance")
)

// PlanError explains why Build failed.
type PlanError struct {
	Err       error
	Placed    []string
	Remaining []string
	Detail    string
}

func (e *PlanError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Placed) > 0 || len(e.Remaining) > 0 {
		fmt.Fprintf(&b, " (placed=[%s] remaining=[%s])", strings.Join(e.Placed, ","), strings.Join(e.Remaining, ","))
	}
	return b.String()
}

func (e *PlanError) Unwrap() error { return e.Err }

// Step adds one instance to the plan. The first step has no join.
type Step struct {
	Instance joinset.TableInstance `json:"instance"`
	JoinType joinset.JoinType      `json:"join_type"`
	On       []joinset.Edge        `json:"on,omitempty"`
}

type Plan struct {
	Steps []Step `json:"steps"`
}

// Order returns the instance ids in plan order.
func (p Plan) Order() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Instance.InstanceID
	}
	return out
}

// builder holds instances as bit positions in id order. Each edge records its
// endpoint set; a LEFT edge also makes the preserved side a prerequisite of
// the nullable side.
type builder struct {
	insts []joinset.TableInstance
	pos   map[string]uint
	edges []edge
	// requires[v] is the set of preserved instances that must be placed
	// before v.
	requires []*bitset.BitSet
	nullable *bitset.BitSet
}

type edge struct {
	e     joinset.Edge
	left  uint
	right uint
}

// Build orders instances so every step joins to at least one placed instance
// and every LEFT edge's preserved side precedes its nullable side. Roots are
// the instances that are never on the nullable side of a LEFT edge, tried in
// id order; at each step the smallest eligible instance id is placed, and a
// choice that later leaves an instance with mixed join types is undone in
// favour of the next eligible one. Build never falls back to an arbitrary
// order.
func Build(instances []joinset.TableInstance, edges []joinset.Edge) (Plan, error) {
	b, err := newBuilder(instances, edges)
	if err != nil {
		return Plan{}, err
	}
	if len(b.insts) == 0 {
		return Plan{}, &PlanError{Err: ErrDisconnected, Detail: "no instances"}
	}

	var first error
	for v := uint(0); v < uint(len(b.insts)); v++ {
		if b.nullable.Test(v) {
			continue
		}
		p, err := b.from(v)
		if err == nil {
			return p, nil
		}
		if first == nil {
			first = err
		}
	}
	if first == nil {
		return Plan{}, &PlanError{Err: ErrTopology, Detail: "every instance is the nullable side of a LEFT join",
			Remaining: b.names(b.all())}
	}
	return Plan{}, first
}

func newBuilder(instances []joinset.TableInstance, edges []joinset.Edge) (*builder, error) {
	insts := joinset.UnionInstances(instances, nil)
	b := &builder{
		insts:    insts,
		pos:      make(map[string]uint, len(insts)),
		requires: make([]*bitset.BitSet, len(insts)),
		nullable: bitset.New(uint(len(insts))),
	}
	for i, ti := range insts {
		b.pos[ti.InstanceID] = uint(i)
		b.requires[i] = bitset.New(uint(len(insts)))
	}

	sorted := joinset.UnionEdges(edges, nil)
	for _, e := range sorted {
		if e.IsSelfLoop() {
			continue
		}
		l, lok := b.pos[e.LeftInstanceID]
		r, rok := b.pos[e.RightInstanceID]
		if !lok || !rok {
			return nil, &PlanError{Err: ErrUnknownInstance, Detail: e.String()}
		}
		b.edges = append(b.edges, edge{e: e, left: l, right: r})
		if e.JoinType == joinset.Left {
			b.nullable.Set(r)
			b.requires[r].Set(l)
		}
	}
	return b, nil
}

func (b *builder) from(root uint) (Plan, error) {
	placed := bitset.New(uint(len(b.insts)))
	placed.Set(root)
	sr := &search{b: b, dead: make(map[string]bool)}
	steps, ok := sr.extend(placed, []Step{{Instance: b.insts[root], JoinType: joinset.Inner}})
	if !ok {
		return Plan{}, sr.first
	}
	return Plan{Steps: steps}, nil
}

// search places instances depth first. Eligible instances are tried in id
// order, so the first complete order found is the greedy one whenever the
// greedy one works. Placed sets that cannot be completed are remembered.
type search struct {
	b     *builder
	dead  map[string]bool
	first error
}

func (sr *search) fail(err error) {
	if sr.first == nil {
		sr.first = err
	}
}

func (sr *search) extend(placed *bitset.BitSet, steps []Step) ([]Step, bool) {
	if placed.Count() == uint(len(sr.b.insts)) {
		return steps, true
	}
	key := placed.String()
	if sr.dead[key] {
		return nil, false
	}
	cands, err := sr.b.eligible(placed)
	if err != nil {
		sr.fail(err)
	}
	for _, c := range cands {
		if c.err != nil {
			sr.fail(c.err)
			continue
		}
		placed.Set(c.v)
		out, ok := sr.extend(placed, append(steps, c.step))
		placed.Clear(c.v)
		if ok {
			return out, true
		}
	}
	sr.dead[key] = true
	return nil, false
}

type candidate struct {
	v    uint
	step Step
	err  error
}

// eligible returns, in id order, every unplaced instance whose LEFT
// prerequisites are placed and which has an edge into placed. An instance
// whose connecting edges mix join types carries an ErrMixedJoin error.
func (b *builder) eligible(placed *bitset.BitSet) ([]candidate, error) {
	var out []candidate
	blocked := false
	for v := uint(0); v < uint(len(b.insts)); v++ {
		if placed.Test(v) {
			continue
		}
		on := b.connecting(v, placed)
		if len(on) == 0 {
			continue
		}
		if !placed.IsSuperSet(b.requires[v]) {
			blocked = true
			continue
		}
		jt, err := b.stepType(v, on)
		if err != nil {
			out = append(out, candidate{v: v, err: &PlanError{Err: ErrMixedJoin, Detail: b.insts[v].InstanceID,
				Placed: b.names(placed), Remaining: b.names(b.all().Difference(placed))}})
			continue
		}
		ons := make([]joinset.Edge, len(on))
		for i, c := range on {
			ons[i] = c.e
		}
		out = append(out, candidate{v: v, step: Step{Instance: b.insts[v], JoinType: jt, On: ons}})
	}
	if len(out) > 0 {
		return out, nil
	}
	err := ErrDisconnected
	if blocked {
		err = ErrTopology
	}
	return nil, &PlanError{Err: err, Placed: b.names(placed), Remaining: b.names(b.all().Difference(placed))}
}

func (b *builder) connecting(v uint, placed *bitset.BitSet) []edge {
	var out []edge
	for _, e := range b.edges {
		switch {
		case e.left == v && placed.Test(e.right), e.right == v && placed.Test(e.left):
			out = append(out, e)
		}
	}
	return out
}

func (b *builder) stepType(v uint, on []edge) (joinset.JoinType, error) {
	var inner, left int
	for _, e := range on {
		switch {
		case e.e.JoinType == joinset.Inner:
			inner++
		case e.right == v:
			left++
		default:
			return 0, ErrMixedJoin
		}
	}
	switch {
	case left == 0:
		return joinset.Inner, nil
	case inner == 0:
		return joinset.Left, nil
	}
	return 0, ErrMixedJoin
}

func (b *builder) all() *bitset.BitSet {
	s := bitset.New(uint(len(b.insts)))
	for i := range b.insts {
		s.Set(uint(i))
	}
	return s
}

func (b *builder) names(s *bitset.BitSet) []string {
	var out []string
	for i, ok := s.NextSet(0); ok; i, ok = s.NextSet(i + 1) {
		out = append(out, b.insts[i].InstanceID)
	}
	sort.Strings(out)
	return out
}
