package protocol

import (
	"encoding/json"

	"github.com/Lianghan-Zhang/ecse-test/internal/advisor"
	"github.com/Lianghan-Zhang/ecse-test/internal/config"
	"github.com/Lianghan-Zhang/ecse-test/pkg/ecse"
	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
	"github.com/Lianghan-Zhang/ecse-test/pkg/mvemit"
	"github.com/Lianghan-Zhang/ecse-test/pkg/prune"
)

// Message types.
const (
	TypeAdvise      = "ADVISE"
	TypeAccepted    = "ACCEPTED"
	TypeGroupResult = "GROUP_RESULT"
	TypeDone        = "DONE"
	TypeCancel      = "CANCEL"
	TypeCancelled   = "CANCELLED"
	TypeError       = "ERROR"
	TypePing        = "PING"
	TypePong        = "PONG"
)

type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Options override generator settings for one request. Unset fields keep
// the server's configuration.
type Options struct {
	Alpha                *int  `json:"alpha,omitempty"`
	Beta                 *int  `json:"beta,omitempty"`
	EnableUnion          *bool `json:"enable_union,omitempty"`
	EnableSuperset       *bool `json:"enable_superset,omitempty"`
	MinIntersectionEdges *int  `json:"min_intersection_edges,omitempty"`
}

// Apply returns cfg with the set options written over it, validated.
func (o *Options) Apply(cfg config.Config) (config.Config, error) {
	if o != nil {
		if o.Alpha != nil {
			cfg.Prune.Alpha = *o.Alpha
		}
		if o.Beta != nil {
			cfg.Prune.Beta = *o.Beta
		}
		if o.EnableUnion != nil {
			cfg.ECSE.EnableUnion = *o.EnableUnion
		}
		if o.EnableSuperset != nil {
			cfg.ECSE.EnableSuperset = *o.EnableSuperset
		}
		if o.MinIntersectionEdges != nil {
			cfg.ECSE.MinIntersectionEdges = *o.MinIntersectionEdges
		}
	}
	return cfg, cfg.Validate()
}

// AdviseRequest is the body of POST /api/advise and of an ADVISE message.
type AdviseRequest struct {
	Queries map[string]string `json:"queries"`
	Options *Options          `json:"options,omitempty"`
}

type Advise struct {
	Message
	AdviseRequest
}

type Cancel struct {
	Message
}

type GroupResult struct {
	Message
	FactTable  string            `json:"fact_table"`
	Stats      ecse.Stats        `json:"stats"`
	Prune      prune.Stats       `json:"prune"`
	Kept       []joinset.JoinSet `json:"kept"`
	DurationMS int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
}

func NewGroupResult(id string, g ecse.GroupResult) GroupResult {
	out := GroupResult{
		Message:    Message{Type: TypeGroupResult, ID: id},
		FactTable:  g.FactTable,
		Stats:      g.Result.Stats,
		Prune:      g.Pruned.Stats,
		Kept:       g.Survivors(),
		DurationMS: g.Duration.Milliseconds(),
	}
	if out.Kept == nil {
		out.Kept = []joinset.JoinSet{}
	}
	if g.Err != nil {
		out.Error = g.Err.Error()
	}
	return out
}

type Done struct {
	Message
	RunID      string             `json:"run_id"`
	Stats      advisor.Stats      `json:"stats"`
	Candidates []mvemit.Candidate `json:"candidates"`
	Warnings   []string           `json:"warnings,omitempty"`
	Errors     []string           `json:"errors,omitempty"`
}

func NewDone(id string, rep *advisor.Report) Done {
	return Done{
		Message:    Message{Type: TypeDone, ID: id},
		RunID:      rep.RunID,
		Stats:      rep.Stats,
		Candidates: rep.Candidates,
		Warnings:   rep.Warnings,
		Errors:     rep.Errors,
	}
}

type Error struct {
	Message
	Error string `json:"error"`
}

func NewError(id, msg string) Error {
	return Error{Message: Message{Type: TypeError, ID: id}, Error: msg}
}

func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}
