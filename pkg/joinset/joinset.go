package joinset

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// JoinSet is a candidate MV join shape plus the query blocks it can serve.
//
// Edges, instances, and qb ids are kept as sorted, de-duplicated slices. Every
// method that changes something returns a new JoinSet; the receiver is never
// modified and no backing array is shared with the result.
type JoinSet struct {
	edges     []Edge
	instances []TableInstance
	qbIDs     []string

	FactTable          string
	Lineage            []string
	GroupingSignature  string
	HasRollupSemantics bool
}

// New builds a JoinSet. Instances referenced by edges but missing from
// instances are not added here; use the normalize package for that.
func New(edges []Edge, instances []TableInstance, qbIDs ...string) JoinSet {
	return JoinSet{
		edges:     sortEdges(edges),
		instances: sortInstances(instances),
		qbIDs:     sortStrings(qbIDs),
	}
}

// FromEdges builds a JoinSet whose instances are exactly the edge endpoints.
func FromEdges(edges []Edge, qbIDs ...string) JoinSet {
	return New(edges, InstancesFromEdges(edges), qbIDs...)
}

func (js JoinSet) Edges() []Edge { return slices.Clone(js.edges) }
func (js JoinSet) Instances() []TableInstance { return slices.Clone(js.instances) }
func (js JoinSet) QBIDs() []string { return slices.Clone(js.qbIDs) }
func (js JoinSet) EdgeCount() int { return len(js.edges) }
func (js JoinSet) InstanceCount() int { return len(js.instances) }
func (js JoinSet) QBCount() int { return len(js.qbIDs) }
func (js JoinSet) HasQB(id string) bool { return containsSorted(js.qbIDs, id) }
func (js JoinSet) HasEdge(e Edge) bool { return indexEdge(js.edges, e) >= 0 }
func (js JoinSet) HasInstance(ti TableInstance) bool {
	i := sort.Search(len(js.instances), func(i int) bool { return !lessInstance(js.instances[i], ti) })
	return i < len(js.instances) && js.instances[i] == ti
}

// Instance looks up an instance by id.
func (js JoinSet) Instance(id string) (TableInstance, bool) {
	for _, ti := range js.instances {
		if ti.InstanceID == id {
			return ti, true
		}
	}
	return TableInstance{}, false
}

// BaseTables returns the sorted distinct base tables.
func (js JoinSet) BaseTables() []string {
	out := make([]string, 0, len(js.instances))
	for _, ti := range js.instances {
		out = append(out, ti.BaseTable)
	}
	return sortStrings(out)
}

// BaseTableCounts returns how many instances each base table has.
func (js JoinSet) BaseTableCounts() map[string]int {
	m := make(map[string]int, len(js.instances))
	for _, ti := range js.instances {
		m[ti.BaseTable]++
	}
	return m
}

// --- Derivations (all return new values) ---

func (js JoinSet) clone() JoinSet {
	out := js
	out.edges = slices.Clone(js.edges)
	out.instances = slices.Clone(js.instances)
	out.qbIDs = slices.Clone(js.qbIDs)
	out.Lineage = slices.Clone(js.Lineage)
	return out
}

// WithQBIDs returns a copy whose qb ids are the union with ids.
func (js JoinSet) WithQBIDs(ids ...string) JoinSet {
	out := js.clone()
	out.qbIDs = sortStrings(append(out.qbIDs, ids...))
	return out
}

// WithLineage returns a copy with entries appended to the lineage.
func (js JoinSet) WithLineage(entries ...string) JoinSet {
	out := js.clone()
	out.Lineage = append(out.Lineage, entries...)
	return out
}

func (js JoinSet) WithFact(fact string) JoinSet {
	out := js.clone()
	out.FactTable = strings.ToLower(fact)
	return out
}

func (js JoinSet) WithGrouping(signature string, rollup bool) JoinSet {
	out := js.clone()
	out.GroupingSignature = signature
	out.HasRollupSemantics = rollup
	return out
}

// WithShape returns a copy with edges and instances replaced.
func (js JoinSet) WithShape(edges []Edge, instances []TableInstance) JoinSet {
	out := js.clone()
	out.edges = sortEdges(edges)
	out.instances = sortInstances(instances)
	return out
}

// Remap renames instance ids through m. Edges are re-canonicalized.
func (js JoinSet) Remap(m map[string]string) JoinSet {
	edges := make([]Edge, len(js.edges))
	for i, e := range js.edges {
		edges[i] = e.Remap(m)
	}
	insts := make([]TableInstance, len(js.instances))
	for i, ti := range js.instances {
		if to, ok := m[ti.InstanceID]; ok {
			ti.InstanceID = to
		}
		insts[i] = ti
	}
	return js.WithShape(edges, insts)
}

// --- Identity ---

// Key is the structural identity: edges, instances, grouping signature.
func (js JoinSet) Key() string {
	var b strings.Builder
	b.WriteString(js.EdgeKey())
	b.WriteString("#")
	for i, ti := range js.instances {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(ti.InstanceID)
		b.WriteString(":")
		b.WriteString(ti.BaseTable)
	}
	b.WriteString("#")
	b.WriteString(js.GroupingSignature)
	return b.String()
}

// EdgeKey covers edges only.
func (js JoinSet) EdgeKey() string {
	parts := make([]string, len(js.edges))
	for i, e := range js.edges {
		parts[i] = e.Key()
	}
	return strings.Join(parts, "|")
}

// Digest is a 64-bit hash of Key().
func (js JoinSet) Digest() uint64 { return xxhash.Sum64String(js.Key()) }

// Equal compares structural identity; qb ids and lineage are ignored.
func (js JoinSet) Equal(other JoinSet) bool { return js.Key() == other.Key() }

func (js JoinSet) String() string {
	return fmt.Sprintf("JoinSet{%d instances, %d edges, %d qbs, %q}", len(js.instances), len(js.edges), len(js.qbIDs), js.GroupingSignature)
}

// --- Set relations ---

// EdgesSubsetOf reports js.edges ⊆ x.edges.
func (js JoinSet) EdgesSubsetOf(x JoinSet) bool { return subsetEdges(js.edges, x.edges) }

// EdgesProperSubsetOf reports js.edges ⊂ x.edges.
func (js JoinSet) EdgesProperSubsetOf(x JoinSet) bool {
	return len(js.edges) < len(x.edges) && subsetEdges(js.edges, x.edges)
}

func (js JoinSet) InstancesSubsetOf(x JoinSet) bool {
	for _, ti := range js.instances {
		if !x.HasInstance(ti) {
			return false
		}
	}
	return true
}

// QBSubsetOf reports js.qb_ids ⊆ x.qb_ids.
func (js JoinSet) QBSubsetOf(x JoinSet) bool {
	for _, id := range js.qbIDs {
		if !containsSorted(x.qbIDs, id) {
			return false
		}
	}
	return true
}

// SharesBaseTable reports whether any base table appears in both.
func (js JoinSet) SharesBaseTable(x JoinSet) bool {
	other := x.BaseTableCounts()
	for _, ti := range js.instances {
		if other[ti.BaseTable] > 0 {
			return true
		}
	}
	return false
}

// IntersectEdges returns the edges present in both, sorted.
func IntersectEdges(a, b []Edge) []Edge {
	set := make(map[Edge]struct{}, len(b))
	for _, e := range b {
		set[e] = struct{}{}
	}
	var out []Edge
	for _, e := range a {
		if _, ok := set[e]; ok {
			out = append(out, e)
		}
	}
	return sortEdges(out)
}

// UnionEdges returns the edges present in either, sorted.
func UnionEdges(a, b []Edge) []Edge {
	return sortEdges(append(slices.Clone(a), b...))
}

// MinusEdges returns a \ b.
func MinusEdges(a, b []Edge) []Edge {
	set := make(map[Edge]struct{}, len(b))
	for _, e := range b {
		set[e] = struct{}{}
	}
	var out []Edge
	for _, e := range a {
		if _, ok := set[e]; !ok {
			out = append(out, e)
		}
	}
	return out
}

// UnionInstances merges two instance lists, sorted.
func UnionInstances(a, b []TableInstance) []TableInstance {
	return sortInstances(append(slices.Clone(a), b...))
}

// MinusInstances returns a \ b.
func MinusInstances(a, b []TableInstance) []TableInstance {
	set := make(map[TableInstance]struct{}, len(b))
	for _, ti := range b {
		set[ti] = struct{}{}
	}
	var out []TableInstance
	for _, ti := range a {
		if _, ok := set[ti]; !ok {
			out = append(out, ti)
		}
	}
	return out
}

// InstancesFromEdges returns the distinct endpoints of edges, sorted.
func InstancesFromEdges(edges []Edge) []TableInstance {
	out := make([]TableInstance, 0, 2*len(edges))
	for _, e := range edges {
		out = append(out, e.Left(), e.Right())
	}
	return sortInstances(out)
}

// Validate checks that every edge endpoint is one of the instances.
func (js JoinSet) Validate() error {
	for _, e := range js.edges {
		for _, end := range []TableInstance{e.Left(), e.Right()} {
			if !js.HasInstance(end) {
				return fmt.Errorf("edge %s references unknown instance %s", e.Key(), end)
			}
		}
	}
	return nil
}

// Connected reports whether js's instances form one component over its edges,
// ignoring edge direction.
func (js JoinSet) Connected() bool { return Connected(js.instances, js.edges) }

// --- JSON ---

type jsonJoinSet struct {
	Edges              []Edge          `json:"edges"`
	Instances          []TableInstance `json:"instances"`
	QBIDs              []string        `json:"qb_ids"`
	FactTable          string          `json:"fact_table,omitempty"`
	Lineage            []string        `json:"lineage,omitempty"`
	GroupingSignature  string          `json:"grouping_signature,omitempty"`
	HasRollupSemantics bool            `json:"has_rollup_semantics,omitempty"`
}

func (js JoinSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonJoinSet{
		Edges:              nonNil(js.edges),
		Instances:          nonNil(js.instances),
		QBIDs:              nonNil(js.qbIDs),
		FactTable:          js.FactTable,
		Lineage:            js.Lineage,
		GroupingSignature:  js.GroupingSignature,
		HasRollupSemantics: js.HasRollupSemantics,
	})
}

func (js *JoinSet) UnmarshalJSON(b []byte) error {
	var raw jsonJoinSet
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	insts := make([]TableInstance, len(raw.Instances))
	for i, ti := range raw.Instances {
		insts[i] = NewInstance(ti.InstanceID, ti.BaseTable)
	}
	out := New(raw.Edges, insts, raw.QBIDs...)
	out.FactTable = strings.ToLower(raw.FactTable)
	out.Lineage = raw.Lineage
	out.GroupingSignature = raw.GroupingSignature
	out.HasRollupSemantics = raw.HasRollupSemantics
	*js = out
	return nil
}

// --- helpers ---

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func sortEdges(in []Edge) []Edge {
	out := slices.Clone(in)
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return slices.Compact(out)
}

func sortInstances(in []TableInstance) []TableInstance {
	out := slices.Clone(in)
	sort.Slice(out, func(i, j int) bool { return lessInstance(out[i], out[j]) })
	return slices.Compact(out)
}

func sortStrings(in []string) []string {
	out := slices.Clone(in)
	sort.Strings(out)
	return slices.Compact(out)
}

func containsSorted(s []string, v string) bool {
	i := sort.SearchStrings(s, v)
	return i < len(s) && s[i] == v
}

func indexEdge(s []Edge, e Edge) int {
	k := e.Key()
	i := sort.Search(len(s), func(i int) bool { return s[i].Key() >= k })
	if i < len(s) && s[i] == e {
		return i
	}
	return -1
}

func subsetEdges(a, b []Edge) bool {
	if len(a) > len(b) {
		return false
	}
	for _, e := range a {
		if indexEdge(b, e) < 0 {
			return false
		}
	}
	return true
}
