// Package matcher maps table instances between two join shapes that may alias
// the same base tables differently, using each instance's local edge
// neighborhood as its signature. It never returns a partial or best-guess
// mapping: any ambiguity fails the whole match.
package matcher

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
)

// Mapping renames source instance ids to target instance ids.
type Mapping map[string]string

// Identity reports whether every entry maps an id to itself.
func (m Mapping) Identity() bool {
	for k, v := range m {
		if k != v {
			return false
		}
	}
	return true
}

// Signature describes inst by its base table and the sorted multiset of
// "local_col|op|join_type|peer_base_table|peer_col" over its edges. The op is
// read from inst's side, and LEFT edges are marked with the side inst is on
// ("LEFT>" preserved, "LEFT<" nullable).
func Signature(inst joinset.TableInstance, edges []joinset.Edge) string {
	var parts []string
	for _, e := range edges {
		var local, peerBase, peerCol, op, jt string
		switch inst.InstanceID {
		case e.LeftInstanceID:
			local, peerBase, peerCol, op = e.LeftCol, e.RightBaseTable, e.RightCol, e.Op
			jt = joinTypeToken(e.JoinType, true)
		case e.RightInstanceID:
			local, peerBase, peerCol, op = e.RightCol, e.LeftBaseTable, e.LeftCol, joinset.FlipOp(e.Op)
			jt = joinTypeToken(e.JoinType, false)
		default:
			continue
		}
		parts = append(parts, local+"|"+op+"|"+jt+"|"+peerBase+"|"+peerCol)
	}
	sort.Strings(parts)
	return inst.BaseTable + "{" + strings.Join(parts, ",") + "}"
}

func joinTypeToken(jt joinset.JoinType, preserved bool) string {
	if jt != joinset.Left {
		return jt.String()
	}
	if preserved {
		return "LEFT>"
	}
	return "LEFT<"
}

// Match maps every source instance onto a distinct target instance of the
// same base table. ok is false, with reasons, when:
//   - a base table has more source than target instances,
//   - two target instances of one base table share a signature,
//   - a source instance has no target with an equal signature.
//
// A base table with exactly one instance on each side maps directly.
func Match(srcInstances []joinset.TableInstance, srcEdges []joinset.Edge, tgtInstances []joinset.TableInstance, tgtEdges []joinset.Edge) (Mapping, []string, bool) {
	src := groupByBase(srcInstances)
	tgt := groupByBase(tgtInstances)

	bases := make([]string, 0, len(src))
	for b := range src {
		bases = append(bases, b)
	}
	sort.Strings(bases)

	mapping := make(Mapping, len(srcInstances))
	var reasons []string
	for _, base := range bases {
		s, t := src[base], tgt[base]
		switch {
		case len(s) > len(t):
			reasons = append(reasons, fmt.Sprintf("%s: %d source instances but %d target instances", base, len(s), len(t)))
			continue
		case len(s) == 1 && len(t) == 1:
			mapping[s[0].InstanceID] = t[0].InstanceID
			continue
		}

		bySig := make(map[string]string, len(t))
		dup := false
		for _, ti := range t {
			sig := Signature(ti, tgtEdges)
			if _, seen := bySig[sig]; seen {
				reasons = append(reasons, fmt.Sprintf("%s: target instances share signature %s", base, sig))
				dup = true
				break
			}
			bySig[sig] = ti.InstanceID
		}
		if dup {
			continue
		}

		used := make(map[string]string, len(s))
		for _, si := range s {
			sig := Signature(si, srcEdges)
			to, ok := bySig[sig]
			if !ok {
				reasons = append(reasons, fmt.Sprintf("%s: no target matches %s signature %s", base, si.InstanceID, sig))
				continue
			}
			if prev, taken := used[to]; taken {
				reasons = append(reasons, fmt.Sprintf("%s: %s and %s both match %s", base, prev, si.InstanceID, to))
				continue
			}
			used[to] = si.InstanceID
			mapping[si.InstanceID] = to
		}
	}
	if len(reasons) > 0 {
		return nil, reasons, false
	}
	return mapping, nil, true
}

// Align renames src's instances onto tgt's ids so the two shapes can be
// compared edge by edge. Only instances of base tables present on both sides
// are matched, using the edges among them; the other src instances keep
// their ids and the alignment fails if such an id is already used in tgt.
func Align(src, tgt joinset.JoinSet) (joinset.JoinSet, []string, bool) {
	tgtBases := tgt.BaseTableCounts()
	srcBases := src.BaseTableCounts()

	var srcShared, srcRest, tgtShared []joinset.TableInstance
	for _, ti := range src.Instances() {
		if tgtBases[ti.BaseTable] > 0 {
			srcShared = append(srcShared, ti)
		} else {
			srcRest = append(srcRest, ti)
		}
	}
	for _, ti := range tgt.Instances() {
		if srcBases[ti.BaseTable] > 0 {
			tgtShared = append(tgtShared, ti)
		}
	}

	mapping, reasons, ok := Match(srcShared, within(src.Edges(), srcShared), tgtShared, within(tgt.Edges(), tgtShared))
	if !ok {
		return joinset.JoinSet{}, reasons, false
	}

	tgtIDs := make(map[string]bool)
	for _, ti := range tgt.Instances() {
		tgtIDs[ti.InstanceID] = true
	}
	for _, ti := range srcRest {
		if tgtIDs[ti.InstanceID] {
			return joinset.JoinSet{}, []string{fmt.Sprintf("unmatched instance %s collides with a target id", ti)}, false
		}
	}
	if mapping.Identity() {
		return src, nil, true
	}
	return src.Remap(mapping), nil, true
}

// Compatible reports whether every instance id a and b have in common names
// the same base table, so the two shapes can be compared without renaming.
func Compatible(a, b joinset.JoinSet) bool {
	for _, ti := range a.Instances() {
		if other, ok := b.Instance(ti.InstanceID); ok && other.BaseTable != ti.BaseTable {
			return false
		}
	}
	return true
}

// within returns the edges whose endpoints are both in insts.
func within(edges []joinset.Edge, insts []joinset.TableInstance) []joinset.Edge {
	ids := make(map[string]bool, len(insts))
	for _, ti := range insts {
		ids[ti.InstanceID] = true
	}
	var out []joinset.Edge
	for _, e := range edges {
		if ids[e.LeftInstanceID] && ids[e.RightInstanceID] {
			out = append(out, e)
		}
	}
	return out
}

func groupByBase(insts []joinset.TableInstance) map[string][]joinset.TableInstance {
	out := make(map[string][]joinset.TableInstance)
	for _, ti := range insts {
		out[ti.BaseTable] = append(out[ti.BaseTable], ti)
	}
	return out
}
