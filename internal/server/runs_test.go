package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

type countingGauge struct{ n atomic.Int64 }

func (g *countingGauge) Inc() { g.n.Add(1) }
func (g *countingGauge) Dec() { g.n.Add(-1) }

func TestRunManager_StartAndDone(t *testing.T) {
	g := &countingGauge{}
	rm := NewRunManager(g)

	ctx, done := rm.Start(context.Background(), "a", "result = 1")
	if _, ok := rm.Get("a"); !ok {
		t.Fatal("expected run to be tracked")
	}
	if g.n.Load() != 1 {
		t.Errorf("gauge = %d, want 1", g.n.Load())
	}

	done()
	done()
	if rm.Len() != 0 {
		t.Errorf("Len = %d after done", rm.Len())
	}
	if g.n.Load() != 0 {
		t.Errorf("gauge = %d after done, want 0", g.n.Load())
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Errorf("context should be released after done, got %v", ctx.Err())
	}
}

func TestRunManager_Cancel(t *testing.T) {
	rm := NewRunManager(nil)
	ctx, done := rm.Start(context.Background(), "a", "")
	defer done()

	if rm.Cancel("missing") {
		t.Error("Cancel of unknown run should report false")
	}
	if !rm.Cancel("a") {
		t.Fatal("Cancel should find run a")
	}
	<-ctx.Done()
	if _, ok := rm.Get("a"); !ok {
		t.Error("cancelled run stays listed until done")
	}
}

func TestRunManager_ListAndCancelAll(t *testing.T) {
	rm := NewRunManager(nil)
	ctxA, doneA := rm.Start(context.Background(), "a", "")
	defer doneA()
	ctxB, doneB := rm.Start(context.Background(), "b", "")
	defer doneB()

	runs := rm.List()
	if len(runs) != 2 || runs[0].ID != "a" {
		t.Fatalf("runs = %+v", runs)
	}

	rm.CancelAll()
	for _, ctx := range []context.Context{ctxA, ctxB} {
		if ctx.Err() == nil {
			t.Error("expected all runs cancelled")
		}
	}
}
