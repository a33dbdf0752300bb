package progress

import (
	"errors"
	"math"
	"sync"
	"testing"
)

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) Publish(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func TestTrackerClampsAndNeverRegresses(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(rec, "id-1", "clip.mp4", 1000)

	tr.Compressing()
	for _, p := range []float64{10, 35.5, 20, -5, 250, math.NaN(), 99} {
		tr.Advance(p)
	}

	want := []int{0, 10, 35, 35, 35, 100, 100, 100}
	if len(rec.updates) != len(want) {
		t.Fatalf("Expected %d updates, got %d", len(want), len(rec.updates))
	}
	for i, u := range rec.updates {
		if u.Percent != want[i] {
			t.Errorf("update %d: expected percent %d, got %d", i, want[i], u.Percent)
		}
		if u.Phase != PhaseCompressing {
			t.Errorf("update %d: expected compressing phase, got %s", i, u.Phase)
		}
	}
}

func TestTrackerImageJumpsToComplete(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(rec, "id-2", "photo.jpg", 5000)

	tr.Compressing()
	tr.Complete(1200, "")

	if len(rec.updates) != 2 {
		t.Fatalf("Expected 2 updates, got %d", len(rec.updates))
	}
	if rec.updates[0].Percent != 0 {
		t.Errorf("Expected first percent 0, got %d", rec.updates[0].Percent)
	}
	last := rec.updates[1]
	if last.Phase != PhaseCompleted || last.Percent != 100 || last.CompressedSize != 1200 {
		t.Errorf("Unexpected completion update: %+v", last)
	}
}

func TestTrackerIgnoresUpdatesAfterTerminalPhase(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(rec, "id-3", "bad.pdf", 10)

	tr.Fail(errors.New("unsupported media type"))
	tr.Advance(50)
	tr.Complete(5, "")

	if len(rec.updates) != 1 {
		t.Fatalf("Expected 1 update, got %d", len(rec.updates))
	}
	if rec.updates[0].Phase != PhaseError {
		t.Errorf("Expected error phase, got %s", rec.updates[0].Phase)
	}
	if rec.updates[0].Message != "unsupported media type" {
		t.Errorf("Unexpected message %q", rec.updates[0].Message)
	}
}

func TestNilTrackerIsSafe(t *testing.T) {
	var tr *Tracker
	tr.Compressing()
	tr.Advance(10)
	tr.Complete(1, "")
	tr.Fail(errors.New("x"))
}

func TestMultiSink(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	MultiSink{a, nil, b}.Publish(Update{ID: "x"})

	if len(a.updates) != 1 || len(b.updates) != 1 {
		t.Errorf("Expected both sinks to receive the update")
	}
}

func TestPhaseString(t *testing.T) {
	tests := map[Phase]string{
		PhaseUploading:   "uploading",
		PhaseCompressing: "compressing",
		PhaseCompleted:   "completed",
		PhaseError:       "error",
		Phase(42):        "unknown",
	}
	for p, want := range tests {
		if p.String() != want {
			t.Errorf("Phase(%d).String() = %q, want %q", int(p), p.String(), want)
		}
	}
}
