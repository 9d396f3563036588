package server

import (
	"context"
	"sort"
	"sync"
	"time"
)

// activeGauge is the slice of prometheus.Gauge the manager needs.
type activeGauge interface {
	Inc()
	Dec()
}

// ActiveRun is an execution currently in flight.
type ActiveRun struct {
	ID      string    `json:"id"`
	Program string    `json:"program"`
	Started time.Time `json:"started"`

	cancel context.CancelFunc
}

// RunManager tracks in-flight executions so they can be listed and
// cancelled.
type RunManager struct {
	mu    sync.RWMutex
	runs  map[string]*ActiveRun
	gauge activeGauge
}

// NewRunManager creates a RunManager. gauge may be nil.
func NewRunManager(gauge activeGauge) *RunManager {
	return &RunManager{
		runs:  make(map[string]*ActiveRun),
		gauge: gauge,
	}
}

// Start registers a run and returns its cancellable context. The returned
// func must be called when the run finishes.
func (rm *RunManager) Start(ctx context.Context, id, program string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	run := &ActiveRun{ID: id, Program: program, Started: time.Now(), cancel: cancel}

	rm.mu.Lock()
	rm.runs[id] = run
	rm.mu.Unlock()
	if rm.gauge != nil {
		rm.gauge.Inc()
	}

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			cancel()
			rm.mu.Lock()
			delete(rm.runs, id)
			rm.mu.Unlock()
			if rm.gauge != nil {
				rm.gauge.Dec()
			}
		})
	}
}

// Get returns an active run if it exists.
func (rm *RunManager) Get(id string) (*ActiveRun, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	run, ok := rm.runs[id]
	return run, ok
}

// List returns the active runs, oldest first.
func (rm *RunManager) List() []ActiveRun {
	rm.mu.RLock()
	out := make([]ActiveRun, 0, len(rm.runs))
	for _, run := range rm.runs {
		out = append(out, ActiveRun{ID: run.ID, Program: run.Program, Started: run.Started})
	}
	rm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// Cancel cancels the run with the given id. It reports whether one was found.
func (rm *RunManager) Cancel(id string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	run, ok := rm.runs[id]
	if ok {
		run.cancel()
	}
	return ok
}

// CancelAll cancels every active run.
func (rm *RunManager) CancelAll() {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	for _, run := range rm.runs {
		run.cancel()
	}
}

// Len returns the number of active runs.
func (rm *RunManager) Len() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.runs)
}
