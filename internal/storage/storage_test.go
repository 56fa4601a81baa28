package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]*DecisionEvent
}

func (r *recordingSink) flush(events []*DecisionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, events)
}

func (r *recordingSink) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func TestBatcher_FlushesOnTicker(t *testing.T) {
	sink := &recordingSink{}
	b := newBatcher(sink.flush, 100, zap.NewNop())
	defer b.Close()

	for i := 0; i < 3; i++ {
		b.Write(&DecisionEvent{DecisionID: fmt.Sprintf("d-%d", i)})
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.total() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := sink.total(); got != 3 {
		t.Fatalf("expected 3 flushed events, got %d", got)
	}
}

func TestBatcher_DrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	b := newBatcher(sink.flush, 100, zap.NewNop())

	for i := 0; i < 50; i++ {
		b.Write(&DecisionEvent{DecisionID: fmt.Sprintf("d-%d", i)})
	}
	b.Close()

	if got := sink.total(); got != 50 {
		t.Errorf("expected all 50 events flushed on close, got %d", got)
	}
}

func TestBatcher_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	var once sync.Once
	sink := func([]*DecisionEvent) { once.Do(func() { <-block }) }

	core, logs := observer.New(zapcore.WarnLevel)
	b := newBatcher(sink, 1, zap.New(core))
	var hooked atomic.Int64
	b.onDrop = func() { hooked.Add(1) }

	// The first event is taken by the loop and stalls in flush; the buffer
	// then holds one more and the rest are dropped.
	b.Write(&DecisionEvent{DecisionID: "first"})
	time.Sleep(flushInterval * 3)
	for i := 0; i < 5; i++ {
		b.Write(&DecisionEvent{DecisionID: fmt.Sprintf("d-%d", i)})
	}
	close(block)
	b.Close()

	if b.Dropped() == 0 {
		t.Error("expected dropped events when buffer is full")
	}
	if hooked.Load() != b.Dropped() {
		t.Errorf("drop hook saw %d drops, batcher counted %d", hooked.Load(), b.Dropped())
	}
	if logs.FilterMessage("audit buffer full, dropping event").Len() == 0 {
		t.Error("expected a warning for dropped events")
	}
}

func TestTruncateContent(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello world", 5, "hello"},
		{"héllo", 2, "hé"},
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := TruncateContent(tt.in, tt.max); got != tt.want {
			t.Errorf("TruncateContent(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestHashContent(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := HashContent("abc"); got != want {
		t.Errorf("HashContent = %s, want %s", got, want)
	}
}

func TestLogWriter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	w := NewLogWriter(zap.New(core))
	w.Write(&DecisionEvent{DecisionID: "d-1", Kind: KindDecision, Action: "ESCALATE", Sender: "agent-a"})
	w.Close()

	entries := logs.FilterMessage("decision_event").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["action"] != "ESCALATE" || fields["sender"] != "agent-a" {
		t.Errorf("unexpected fields: %v", fields)
	}
}

func TestHasSecurePort(t *testing.T) {
	if !hasSecurePort([]string{"abc.clickhouse.cloud:9440"}) {
		t.Error("9440 should be treated as secure")
	}
	if hasSecurePort([]string{"localhost:9000"}) {
		t.Error("9000 should not be treated as secure")
	}
}
