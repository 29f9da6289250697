package qbextract

import (
	"fmt"

	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
)

const (
	ReasonOK           = "OK"
	ReasonNoEdges      = "No join edges between base tables"
	ReasonDisconnected = "Join graph is disconnected"
)

// eligibility checks, in order: at least two base instances, at least one
// edge between them, and a root reaching every instance when INNER edges are
// walked both ways and LEFT edges only preserved to nullable. CTE and derived
// sources are listed but do not disqualify.
func eligibility(qb QueryBlock) Eligibility {
	var el Eligibility
	for _, s := range qb.Sources {
		if s.Kind != SourceBase {
			el.NonBaseSources = append(el.NonBaseSources, fmt.Sprintf("%s(%s)", s.Alias, s.Kind))
		}
	}
	insts := qb.Instances()
	edges := qb.GraphEdges()
	switch {
	case len(insts) < 2:
		el.Reason = fmt.Sprintf("Insufficient base table instances (%d)", len(insts))
	case len(edges) == 0:
		el.Reason = ReasonNoEdges
	case !joinset.RootedConnected(insts, edges):
		el.Reason = ReasonDisconnected
		el.Disconnected = true
	default:
		el.Eligible = true
		el.Reason = ReasonOK
	}
	return el
}
