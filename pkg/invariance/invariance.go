// Package invariance decides whether an equi-join is guaranteed to preserve
// the row count of its child side, using foreign-key and NOT NULL facts.
//
// A join child.col = parent.col is invariant when child.col is NOT NULL and a
// foreign key child(col) -> parent(col) is declared: every child row then finds
// exactly one parent row. Such joins can be added to or removed from a join
// shape without changing the child's multiplicity.
package invariance

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

// Schema is the read-only view of metadata the oracle needs.
// *richcatalog.Meta implements it.
type Schema interface {
	HasTable(table string) bool
	IsNotNull(table, col string) bool
	ForeignKeys(table string) []richcatalog.ForeignKey
}

// Direction names which side of the edge is the FK child.
type Direction uint8

const (
	NoDirection Direction = iota
	LeftToRight
	RightToLeft
)

func (d Direction) String() string {
	switch d {
	case LeftToRight:
		return "left_to_right"
	case RightToLeft:
		return "right_to_left"
	default:
		return "none"
	}
}

// Result is the oracle's decision with its justification.
type Result struct {
	Invariant bool                    `json:"invariant"`
	Reason    string                  `json:"reason"`
	Direction Direction               `json:"-"`
	FK        *richcatalog.ForeignKey `json:"fk,omitempty"`
}

// IsInvariant reports whether e is an invariant FK-PK join under s.
func IsInvariant(e joinset.Edge, s Schema) bool { return Explain(e, s).Invariant }

// Explain is IsInvariant with a reason. Anything it cannot resolve with
// certainty is reported non-invariant.
func Explain(e joinset.Edge, s Schema) Result {
	if e.JoinType != joinset.Inner {
		return Result{Reason: fmt.Sprintf("not INNER join (is %s)", e.JoinType)}
	}
	if e.Op != "=" {
		return Result{Reason: fmt.Sprintf("not equality operator (is %s)", e.Op)}
	}
	if s == nil {
		return Result{Reason: "no schema"}
	}
	lt, rt := strings.ToLower(e.LeftBaseTable), strings.ToLower(e.RightBaseTable)
	if lt == "" || rt == "" || !s.HasTable(lt) || !s.HasTable(rt) {
		return Result{Reason: "unresolved base table"}
	}
	lc, rc := strings.ToLower(e.LeftCol), strings.ToLower(e.RightCol)

	type match struct {
		fk  richcatalog.ForeignKey
		dir Direction
	}
	var matches []match
	for _, fk := range s.ForeignKeys(lt) {
		if !fk.IsSimple() {
			continue
		}
		from, fromCol := strings.ToLower(fk.FromTable), strings.ToLower(fk.FromColumns[0])
		to, toCol := strings.ToLower(fk.ToTable), strings.ToLower(fk.ToColumns[0])
		if from == lt && fromCol == lc && to == rt && toCol == rc {
			matches = append(matches, match{fk, LeftToRight})
		}
		if from == rt && fromCol == rc && to == lt && toCol == lc {
			matches = append(matches, match{fk, RightToLeft})
		}
	}
	switch len(matches) {
	case 0:
		return Result{Reason: "no FK relationship found"}
	case 1:
	default:
		return Result{Reason: fmt.Sprintf("ambiguous: %d FKs match", len(matches))}
	}

	m := matches[0]
	childTable, childCol := lt, lc
	if m.dir == RightToLeft {
		childTable, childCol = rt, rc
	}
	fk := m.fk
	if !s.IsNotNull(childTable, childCol) {
		return Result{Reason: fmt.Sprintf("FK child column %s.%s is nullable", childTable, childCol), Direction: m.dir, FK: &fk}
	}
	return Result{Invariant: true, Reason: "FK-PK invariant (" + m.dir.String() + ")", Direction: m.dir, FK: &fk}
}

// InvariantForAddedTable reports whether candidate can join js without
// changing its row multiplicity: candidate must touch at least one of js's
// instances through edges, and every such connecting edge must be invariant.
// Connecting edges are found by instance id, so a second instance of a table
// already in js is judged by its own edges; IsInvariant then looks the FK up
// by base table.
func InvariantForAddedTable(js joinset.JoinSet, candidate joinset.TableInstance, edges []joinset.Edge, s Schema) bool {
	return addedTable(js.Instances(), candidate, edges, s)
}

func addedTable(present []joinset.TableInstance, candidate joinset.TableInstance, edges []joinset.Edge, s Schema) bool {
	in := make(map[string]bool, len(present))
	for _, ti := range present {
		in[ti.InstanceID] = true
	}
	connected := false
	for _, e := range edges {
		other, _, ok := e.Other(candidate.InstanceID)
		if !ok || e.IsSelfLoop() || !in[other.InstanceID] {
			continue
		}
		if !IsInvariant(e, s) {
			return false
		}
		connected = true
	}
	return connected
}

// InvariantReachable reports whether every instance of added can be attached
// to base one at a time, each step satisfying the added-table rule against
// everything attached so far. Pending instances are retried in id order
// until no progress is made.
func InvariantReachable(base, added []joinset.TableInstance, edges []joinset.Edge, s Schema) bool {
	present := append([]joinset.TableInstance(nil), base...)
	pending := append([]joinset.TableInstance(nil), added...)
	sort.Slice(pending, func(i, j int) bool { return pending[i].InstanceID < pending[j].InstanceID })

	for len(pending) > 0 {
		progressed := false
		rest := pending[:0:0]
		for _, cand := range pending {
			if addedTable(present, cand, edges, s) {
				present = append(present, cand)
				progressed = true
				continue
			}
			rest = append(rest, cand)
		}
		if !progressed {
			return false
		}
		pending = rest
	}
	return true
}
