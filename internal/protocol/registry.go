package protocol

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrDuplicateRun is returned when a run id is already in flight.
var ErrDuplicateRun = errors.New("run id already in flight")

// Run is an in-flight advisor run.
type Run struct {
	ID      string
	Files   int
	Started time.Time
	cancel  context.CancelFunc
}

// RunView is the JSON-ready form of a Run.
type RunView struct {
	ID      string    `json:"id"`
	Files   int       `json:"files"`
	Started time.Time `json:"started"`
}

// Registry tracks in-flight runs across connections so they can be listed
// and cancelled.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Run)}
}

// Add registers a run under id. cancel is called by Cancel.
func (r *Registry) Add(id string, files int, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; ok {
		return errors.Wrap(ErrDuplicateRun, id)
	}
	r.runs[id] = &Run{ID: id, Files: files, Started: time.Now(), cancel: cancel}
	return nil
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, id)
}

// Cancel cancels the run's context and reports whether it was found. The run
// stays registered until its owner removes it.
func (r *Registry) Cancel(id string) bool {
	r.mu.RLock()
	run, ok := r.runs[id]
	r.mu.RUnlock()
	if ok {
		run.cancel()
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// Snapshot lists the in-flight runs, oldest first.
func (r *Registry) Snapshot() []RunView {
	r.mu.RLock()
	out := make([]RunView, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, RunView{ID: run.ID, Files: run.Files, Started: run.Started})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.Before(out[j].Started)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CancelAll cancels every in-flight run and returns how many there were.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, run := range r.runs {
		run.cancel()
	}
	return len(r.runs)
}
