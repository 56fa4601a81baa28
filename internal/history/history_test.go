package history

import (
	"sync"
	"testing"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

func equal(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestWindow_PartialAndWrapped(t *testing.T) {
	w := New(3)
	if got := w.Recent("a"); got != nil {
		t.Fatalf("expected nil for unknown sender, got %v", got)
	}

	w.Record("a", 0.1)
	w.Record("a", 0.2)
	if got := w.Recent("a"); !equal(got, []float64{0.1, 0.2}) {
		t.Errorf("partial window: got %v", got)
	}

	w.Record("a", 0.3)
	if got := w.Recent("a"); !equal(got, []float64{0.1, 0.2, 0.3}) {
		t.Errorf("full window: got %v", got)
	}

	w.Record("a", 0.4)
	w.Record("a", 0.5)
	if got := w.Recent("a"); !equal(got, []float64{0.3, 0.4, 0.5}) {
		t.Errorf("wrapped window: got %v", got)
	}
}

func TestWindow_SendersIndependent(t *testing.T) {
	w := New(4)
	w.Record("a", 0.9)
	w.Record("b", 0.1)
	if got := w.Recent("a"); !equal(got, []float64{0.9}) {
		t.Errorf("sender a: got %v", got)
	}
	w.Forget("a")
	if got := w.Recent("a"); got != nil {
		t.Errorf("expected forgotten sender to be empty, got %v", got)
	}
	if got := w.Recent("b"); !equal(got, []float64{0.1}) {
		t.Errorf("sender b: got %v", got)
	}
}

func TestWindow_RecentIsACopy(t *testing.T) {
	w := New(2)
	w.Record("a", 0.5)
	got := w.Recent("a")
	got[0] = 99
	if w.Recent("a")[0] != 0.5 {
		t.Error("Recent exposed internal storage")
	}
}

func TestWindow_DefaultSize(t *testing.T) {
	if New(0).Size() != DefaultSize {
		t.Errorf("expected default size %d", DefaultSize)
	}
}

func TestWindow_Concurrent(t *testing.T) {
	w := New(DefaultSize)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := engine.AgentID([]string{"a", "b", "c", "d"}[i%4])
			for j := 0; j < 100; j++ {
				w.Record(id, float64(j)/100)
				w.Recent(id)
			}
		}(i)
	}
	wg.Wait()
	if got := len(w.Recent("a")); got != DefaultSize {
		t.Errorf("expected full window of %d, got %d", DefaultSize, got)
	}
}
