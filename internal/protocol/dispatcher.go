package protocol

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Lianghan-Zhang/ecse-test/internal/advisor"
	"github.com/Lianghan-Zhang/ecse-test/pkg/ecse"
	"github.com/Lianghan-Zhang/ecse-test/pkg/qbextract"
	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

// Sender writes one message to a client. Implementations must be safe for
// concurrent use.
type Sender func(v any) error

// Dispatcher handles the messages of one connection. Runs started by an
// ADVISE message stream GROUP_RESULT messages and end with DONE, CANCELLED,
// or ERROR.
type Dispatcher struct {
	Advisor  *advisor.Advisor
	Registry *Registry
	Send     Sender
	Logger   *zap.Logger
	// Meta, when set, is asked for the current catalog on every ADVISE and
	// replaces Advisor.Meta for that run.
	Meta func() *richcatalog.Meta

	wg   sync.WaitGroup
	mu   sync.Mutex
	mine map[string]struct{}
}

// HandleMessage decodes raw and acts on it. Runs are bound to ctx, so ending
// the connection's context cancels them.
func (d *Dispatcher) HandleMessage(ctx context.Context, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		d.send(NewError("", "invalid JSON: "+err.Error()))
		return
	}

	switch msg.Type {
	case TypePing:
		d.send(Message{Type: TypePong, ID: msg.ID})

	case TypeAdvise:
		var req Advise
		if err := json.Unmarshal(raw, &req); err != nil {
			d.send(NewError(msg.ID, "bad advise: "+err.Error()))
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		if err := d.start(ctx, req); err != nil {
			d.send(NewError(req.ID, err.Error()))
		}

	case TypeCancel:
		if !d.owns(msg.ID) || !d.Registry.Cancel(msg.ID) {
			d.send(NewError(msg.ID, "unknown run"))
		}

	default:
		d.send(NewError(msg.ID, "unknown message type "+msg.Type))
	}
}

// Wait blocks until every run started by this dispatcher has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) start(ctx context.Context, req Advise) error {
	if len(req.Queries) == 0 {
		return errors.New("advise has no queries")
	}
	cfg, err := req.Options.Apply(d.Advisor.Config)
	if err != nil {
		return errors.Wrap(err, "options")
	}
	a := *d.Advisor
	a.Config = cfg
	if d.Meta != nil {
		if m := d.Meta(); m != nil {
			a.Meta = m
		}
	}
	if a.Logger == nil {
		a.Logger = d.logger()
	}
	a.Logger = a.Logger.With(zap.String("request_id", req.ID))

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.Registry.Add(req.ID, len(req.Queries), cancel); err != nil {
		cancel()
		return err
	}
	d.track(req.ID, true)
	d.send(Message{Type: TypeAccepted, ID: req.ID})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		defer d.Registry.Remove(req.ID)
		defer d.track(req.ID, false)

		files := qbextract.FromMap(req.Queries)
		rep, err := a.RunStream(runCtx, files, func(g ecse.GroupResult) {
			d.send(NewGroupResult(req.ID, g))
		})
		switch {
		case errors.Is(err, context.Canceled):
			d.send(Message{Type: TypeCancelled, ID: req.ID})
		case err != nil:
			d.send(NewError(req.ID, err.Error()))
		default:
			d.send(NewDone(req.ID, rep))
		}
	}()
	return nil
}

func (d *Dispatcher) track(id string, add bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mine == nil {
		d.mine = make(map[string]struct{})
	}
	if add {
		d.mine[id] = struct{}{}
	} else {
		delete(d.mine, id)
	}
}

func (d *Dispatcher) owns(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.mine[id]
	return ok
}

func (d *Dispatcher) send(v any) {
	if err := d.Send(v); err != nil {
		d.logger().Debug("send failed", zap.Error(err))
	}
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.L()
}
