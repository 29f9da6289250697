// Package normalize reconciles a JoinSet's edges with its instance set before
// any merge: endpoints naming unknown instance ids are attached to an
// existing instance, materialized as a new one, or rejected.
package normalize

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
)

var (
	// ErrAmbiguous means an endpoint could belong to several instances.
	ErrAmbiguous = errors.New("ambiguous instance")
	// ErrUnresolved means an endpoint's base table is missing or a placeholder.
	ErrUnresolved = errors.New("unresolved base table")
)

// Kind classifies a normalization failure.
type Kind uint8

const (
	Ambiguous Kind = iota + 1
	Unresolved
)

func (k Kind) String() string {
	switch k {
	case Ambiguous:
		return "ambiguous"
	case Unresolved:
		return "unresolved"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Error is a fail-closed normalization failure for one edge endpoint.
type Error struct {
	Kind       Kind
	Edge       joinset.Edge
	InstanceID string
	BaseTable  string
	Candidates []string
}

func (e *Error) Error() string {
	switch e.Kind {
	case Ambiguous:
		return fmt.Sprintf("instance %q of %s matches %d instances (%s) in edge %s",
			e.InstanceID, e.BaseTable, len(e.Candidates), strings.Join(e.Candidates, ", "), e.Edge)
	default:
		return fmt.Sprintf("instance %q has unresolved base table %q in edge %s", e.InstanceID, e.BaseTable, e.Edge)
	}
}

func (e *Error) Unwrap() error {
	if e.Kind == Ambiguous {
		return ErrAmbiguous
	}
	return ErrUnresolved
}

// Schema is optional; when given, base tables it does not know count as
// unresolved.
type Schema interface {
	HasTable(table string) bool
}

// Rejected is an edge dropped because one endpoint could not be resolved.
type Rejected struct {
	Edge   joinset.Edge `json:"edge"`
	Reason string       `json:"reason"`
}

// Report lists what normalization changed.
type Report struct {
	Rejected    []Rejected              `json:"rejected,omitempty"`
	Synthesized []joinset.TableInstance `json:"synthesized,omitempty"`
	Remapped    map[string]string       `json:"remapped,omitempty"`
}

// Changed reports whether normalization altered anything.
func (r Report) Changed() bool {
	return len(r.Rejected) > 0 || len(r.Synthesized) > 0 || len(r.Remapped) > 0
}

var placeholders = map[string]bool{
	"":             true,
	"?":            true,
	"unknown":      true,
	"<unresolved>": true,
}

// IsPlaceholder reports whether base names no real table.
func IsPlaceholder(base string) bool {
	return placeholders[strings.ToLower(strings.TrimSpace(base))]
}

// Normalize returns js with every edge endpoint referencing one of its
// instances. For each endpoint whose instance id is not in js:
//   - a missing, placeholder, or (with s) unknown base table rejects the edge;
//   - no instance of that base table: a new instance is synthesized;
//   - exactly one: the endpoint is remapped onto it;
//   - several: normalization fails with an *Error of kind Ambiguous.
//
// Endpoints are processed in edge order, so instances synthesized for one
// edge are visible to later ones. Duplicate edges after remapping collapse.
func Normalize(js joinset.JoinSet, s Schema) (joinset.JoinSet, Report, error) {
	var rep Report
	insts := js.Instances()
	ids := make(map[string]bool, len(insts))
	for _, ti := range insts {
		ids[ti.InstanceID] = true
	}

	resolve := func(e joinset.Edge, end joinset.TableInstance) (joinset.TableInstance, string, error) {
		if ids[end.InstanceID] {
			if cur, ok := instanceByID(insts, end.InstanceID); ok && cur.BaseTable == end.BaseTable {
				return end, "", nil
			}
		}
		if IsPlaceholder(end.BaseTable) {
			return end, fmt.Sprintf("instance %q has placeholder base table %q", end.InstanceID, end.BaseTable), nil
		}
		if s != nil && !s.HasTable(end.BaseTable) {
			return end, fmt.Sprintf("instance %q has base table %q unknown to the schema", end.InstanceID, end.BaseTable), nil
		}
		var same []joinset.TableInstance
		for _, ti := range insts {
			if ti.BaseTable == end.BaseTable {
				same = append(same, ti)
			}
		}
		switch len(same) {
		case 0:
			if ids[end.InstanceID] {
				// The id is taken by an instance of another table.
				return end, "", &Error{Kind: Ambiguous, Edge: e, InstanceID: end.InstanceID, BaseTable: end.BaseTable,
					Candidates: []string{end.InstanceID}}
			}
			insts = append(insts, end)
			ids[end.InstanceID] = true
			rep.Synthesized = append(rep.Synthesized, end)
			return end, "", nil
		case 1:
			if rep.Remapped == nil {
				rep.Remapped = make(map[string]string)
			}
			rep.Remapped[end.InstanceID] = same[0].InstanceID
			return same[0], "", nil
		default:
			cands := make([]string, len(same))
			for i, ti := range same {
				cands[i] = ti.InstanceID
			}
			return end, "", &Error{Kind: Ambiguous, Edge: e, InstanceID: end.InstanceID, BaseTable: end.BaseTable, Candidates: cands}
		}
	}

	var edges []joinset.Edge
	for _, e := range js.Edges() {
		l, lReason, err := resolve(e, e.Left())
		if err != nil {
			return joinset.JoinSet{}, rep, err
		}
		if lReason != "" {
			rep.Rejected = append(rep.Rejected, Rejected{Edge: e, Reason: lReason})
			continue
		}
		r, rReason, err := resolve(e, e.Right())
		if err != nil {
			return joinset.JoinSet{}, rep, err
		}
		if rReason != "" {
			rep.Rejected = append(rep.Rejected, Rejected{Edge: e, Reason: rReason})
			continue
		}
		ne := joinset.NewEdge(l, e.LeftCol, r, e.RightCol, e.Op, e.JoinType)
		if ne.IsSelfLoop() {
			rep.Rejected = append(rep.Rejected, Rejected{Edge: e, Reason: "edge collapses to a self-loop"})
			continue
		}
		edges = append(edges, ne)
	}

	out := js.WithShape(edges, insts)
	if err := out.Validate(); err != nil {
		return joinset.JoinSet{}, rep, errors.Wrap(err, "normalize")
	}
	return out, rep, nil
}

func instanceByID(insts []joinset.TableInstance, id string) (joinset.TableInstance, bool) {
	for _, ti := range insts {
		if ti.InstanceID == id {
			return ti, true
		}
	}
	return joinset.TableInstance{}, false
}
