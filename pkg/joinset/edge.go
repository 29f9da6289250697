// Package joinset holds the value types the candidate generator works on:
// alias-scoped table instances, canonical join predicates, and JoinSets
// (a join shape plus the query blocks it can serve).
//
// All types are immutable values. Constructors normalize identifiers to lower
// case and canonicalize edges, so structural equality is plain == on
// TableInstance and Edge, and Key() equality on JoinSet.
package joinset

import (
	"encoding/json"
	"fmt"
	"strings"
)

// --- Join type / origin ---

// JoinType is the closed set of join kinds an edge can carry.
type JoinType uint8

const (
	Inner JoinType = iota
	Left
)

func (t JoinType) String() string {
	switch t {
	case Inner:
		return "INNER"
	case Left:
		return "LEFT"
	default:
		return fmt.Sprintf("JoinType(%d)", uint8(t))
	}
}

// ParseJoinType accepts INNER / LEFT (any case). "" and "JOIN" mean INNER.
func ParseJoinType(s string) (JoinType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INNER", "JOIN":
		return Inner, nil
	case "LEFT", "LEFT OUTER":
		return Left, nil
	default:
		return Inner, fmt.Errorf("unsupported join type %q", s)
	}
}

func (t JoinType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *JoinType) UnmarshalText(b []byte) error {
	v, err := ParseJoinType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// EdgeOrigin records which SQL construct produced an edge. It is provenance
// only and never part of edge identity.
type EdgeOrigin uint8

const (
	OriginOn EdgeOrigin = iota
	OriginUsing
	OriginWhere
)

func (o EdgeOrigin) String() string {
	switch o {
	case OriginOn:
		return "ON"
	case OriginUsing:
		return "USING"
	case OriginWhere:
		return "WHERE"
	default:
		return fmt.Sprintf("EdgeOrigin(%d)", uint8(o))
	}
}

func (o EdgeOrigin) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *EdgeOrigin) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "ON":
		*o = OriginOn
	case "USING":
		*o = OriginUsing
	case "WHERE":
		*o = OriginWhere
	default:
		return fmt.Errorf("unsupported edge origin %q", string(b))
	}
	return nil
}

// --- Table instance ---

// TableInstance is one alias-scoped occurrence of a base table.
type TableInstance struct {
	InstanceID string `json:"instance_id"`
	BaseTable  string `json:"base_table"`
}

// NewInstance lower-cases both identifiers.
func NewInstance(instanceID, baseTable string) TableInstance {
	return TableInstance{
		InstanceID: strings.ToLower(strings.TrimSpace(instanceID)),
		BaseTable:  strings.ToLower(strings.TrimSpace(baseTable)),
	}
}

func (ti TableInstance) String() string {
	if ti.InstanceID == ti.BaseTable {
		return ti.BaseTable
	}
	return ti.BaseTable + " " + ti.InstanceID
}

func lessInstance(a, b TableInstance) bool {
	if a.InstanceID != b.InstanceID {
		return a.InstanceID < b.InstanceID
	}
	return a.BaseTable < b.BaseTable
}

// --- Canonical edge ---

// Edge is a canonical join predicate between two table instances.
//
// INNER edges are stored with the (instance_id, col, base_table) endpoint that
// sorts first on the left, so the same predicate written either way compares
// equal. LEFT edges keep the preserved side on the left and the nullable side
// on the right.
type Edge struct {
	LeftInstanceID  string   `json:"left_instance_id"`
	LeftCol         string   `json:"left_col"`
	RightInstanceID string   `json:"right_instance_id"`
	RightCol        string   `json:"right_col"`
	Op              string   `json:"op"`
	JoinType        JoinType `json:"join_type"`
	LeftBaseTable   string   `json:"left_base_table"`
	RightBaseTable  string   `json:"right_base_table"`
}

// NewEdge builds a canonical edge from left/right endpoints as written.
func NewEdge(left TableInstance, leftCol string, right TableInstance, rightCol, op string, jt JoinType) Edge {
	left = NewInstance(left.InstanceID, left.BaseTable)
	right = NewInstance(right.InstanceID, right.BaseTable)
	e := Edge{
		LeftInstanceID:  left.InstanceID,
		LeftCol:         strings.ToLower(strings.TrimSpace(leftCol)),
		RightInstanceID: right.InstanceID,
		RightCol:        strings.ToLower(strings.TrimSpace(rightCol)),
		Op:              normalizeOp(op),
		JoinType:        jt,
		LeftBaseTable:   left.BaseTable,
		RightBaseTable:  right.BaseTable,
	}
	return e.canonical()
}

func (e Edge) canonical() Edge {
	if e.IsSelfLoop() {
		if f := FlipOp(e.Op); f < e.Op {
			e.Op = f
		}
		return e
	}
	if e.JoinType != Inner {
		return e
	}
	if endpointLess(e.LeftInstanceID, e.LeftCol, e.LeftBaseTable, e.RightInstanceID, e.RightCol, e.RightBaseTable) {
		return e
	}
	return e.mirror()
}

func endpointLess(id1, col1, base1, id2, col2, base2 string) bool {
	if id1 != id2 {
		return id1 < id2
	}
	if col1 != col2 {
		return col1 < col2
	}
	return base1 < base2
}

// mirror swaps sides and flips the operator without canonicalizing.
func (e Edge) mirror() Edge {
	return Edge{
		LeftInstanceID:  e.RightInstanceID,
		LeftCol:         e.RightCol,
		RightInstanceID: e.LeftInstanceID,
		RightCol:        e.LeftCol,
		Op:              FlipOp(e.Op),
		JoinType:        e.JoinType,
		LeftBaseTable:   e.RightBaseTable,
		RightBaseTable:  e.LeftBaseTable,
	}
}

// Swap returns the predicate written the other way round, re-canonicalized.
// For INNER edges this is the same edge; for LEFT edges it reverses direction.
func (e Edge) Swap() Edge { return e.mirror().canonical() }

// Canonical re-applies canonicalization. Useful after field-level edits.
func (e Edge) Canonical() Edge {
	return NewEdge(e.Left(), e.LeftCol, e.Right(), e.RightCol, e.Op, e.JoinType)
}

func (e Edge) Left() TableInstance {
	return TableInstance{InstanceID: e.LeftInstanceID, BaseTable: e.LeftBaseTable}
}

func (e Edge) Right() TableInstance {
	return TableInstance{InstanceID: e.RightInstanceID, BaseTable: e.RightBaseTable}
}

// Touches reports whether the edge has instanceID on either side.
func (e Edge) Touches(instanceID string) bool {
	return e.LeftInstanceID == instanceID || e.RightInstanceID == instanceID
}

// Other returns the endpoint opposite instanceID. ok is false when the edge
// does not touch instanceID.
func (e Edge) Other(instanceID string) (TableInstance, string, bool) {
	switch instanceID {
	case e.LeftInstanceID:
		return e.Right(), e.RightCol, true
	case e.RightInstanceID:
		return e.Left(), e.LeftCol, true
	}
	return TableInstance{}, "", false
}

// Local returns the column this edge uses on instanceID's side.
func (e Edge) Local(instanceID string) string {
	if e.LeftInstanceID == instanceID {
		return e.LeftCol
	}
	return e.RightCol
}

// IsSelfLoop reports whether both sides are the same instance column.
func (e Edge) IsSelfLoop() bool {
	return e.LeftInstanceID == e.RightInstanceID && e.LeftCol == e.RightCol && e.LeftBaseTable == e.RightBaseTable
}

// Remap renames instance ids through m (ids absent from m are kept) and
// re-canonicalizes.
func (e Edge) Remap(m map[string]string) Edge {
	l, r := e.Left(), e.Right()
	if to, ok := m[l.InstanceID]; ok {
		l.InstanceID = to
	}
	if to, ok := m[r.InstanceID]; ok {
		r.InstanceID = to
	}
	return NewEdge(l, e.LeftCol, r, e.RightCol, e.Op, e.JoinType)
}

// Key is a stable string identity covering every field, e.g.
// "date_dim:d1.d_date_sk=store_sales:ss.ss_sold_date_sk/INNER".
func (e Edge) Key() string {
	return e.LeftBaseTable + ":" + e.LeftInstanceID + "." + e.LeftCol + e.Op +
		e.RightBaseTable + ":" + e.RightInstanceID + "." + e.RightCol + "/" + e.JoinType.String()
}

// TableString renders the predicate over base tables, used for MV ordering.
func (e Edge) TableString() string {
	return e.LeftBaseTable + "." + e.LeftCol + "=" + e.RightBaseTable + "." + e.RightCol
}

func (e Edge) String() string {
	return fmt.Sprintf("%s.%s %s %s.%s (%s)", e.LeftInstanceID, e.LeftCol, e.Op, e.RightInstanceID, e.RightCol, e.JoinType)
}

// UnmarshalJSON canonicalizes decoded edges so fixtures may list either side first.
func (e *Edge) UnmarshalJSON(b []byte) error {
	type raw Edge
	var r raw
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	if r.Op == "" {
		r.Op = "="
	}
	*e = NewEdge(
		TableInstance{InstanceID: r.LeftInstanceID, BaseTable: r.LeftBaseTable}, r.LeftCol,
		TableInstance{InstanceID: r.RightInstanceID, BaseTable: r.RightBaseTable}, r.RightCol,
		r.Op, r.JoinType,
	)
	return nil
}

// --- Operators ---

var flipped = map[string]string{
	"<":  ">",
	">":  "<",
	"<=": ">=",
	">=": "<=",
	"=":  "=",
	"<>": "<>",
}

// FlipOp returns the operator that keeps the predicate true when sides swap.
func FlipOp(op string) string {
	if f, ok := flipped[op]; ok {
		return f
	}
	return op
}

func normalizeOp(op string) string {
	op = strings.TrimSpace(op)
	switch op {
	case "", "==":
		return "="
	case "!=":
		return "<>"
	}
	return op
}

// --- Column references ---

// ColumnRef is a column reference resolved inside exactly one query block.
type ColumnRef struct {
	RawQualifier string `json:"raw_qualifier,omitempty"`
	Column       string `json:"column"`
	InstanceID   string `json:"instance_id,omitempty"`
	BaseTable    string `json:"base_table,omitempty"`
	QBID         string `json:"qb_id,omitempty"`
}

// Resolved reports whether the reference was bound to an instance.
func (c ColumnRef) Resolved() bool { return c.InstanceID != "" && c.BaseTable != "" }

func (c ColumnRef) String() string {
	if c.BaseTable != "" {
		return c.BaseTable + "." + c.Column
	}
	if c.RawQualifier != "" {
		return c.RawQualifier + "." + c.Column
	}
	return c.Column
}
