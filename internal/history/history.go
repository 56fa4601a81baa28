// Package history keeps a bounded window of recent risk scores per sender.
package history

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// DefaultSize is the number of scores kept per sender.
const DefaultSize = 8

const numShards = 32

// Window stores the most recent scores of every sender in a ring buffer.
// Senders hash to independent shards so writers for different senders
// rarely contend.
type Window struct {
	size   int
	shards [numShards]shard
}

type shard struct {
	mu    sync.Mutex
	rings map[engine.AgentID]*ring
}

type ring struct {
	buf  []float64
	next int
	full bool
}

// New creates a window holding up to size scores per sender.
func New(size int) *Window {
	if size <= 0 {
		size = DefaultSize
	}
	w := &Window{size: size}
	for i := range w.shards {
		w.shards[i].rings = make(map[engine.AgentID]*ring)
	}
	return w
}

// Size returns the per-sender capacity.
func (w *Window) Size() int { return w.size }

func (w *Window) shardFor(id engine.AgentID) *shard {
	return &w.shards[xxhash.Sum64String(string(id))%numShards]
}

// Record appends score to the sender's window, overwriting the oldest
// entry when full.
func (w *Window) Record(id engine.AgentID, score float64) {
	s := w.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[id]
	if !ok {
		r = &ring{buf: make([]float64, w.size)}
		s.rings[id] = r
	}
	r.buf[r.next] = score
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns a copy of the sender's scores, oldest first. Unknown
// senders yield nil.
func (w *Window) Recent(id engine.AgentID) []float64 {
	s := w.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[id]
	if !ok {
		return nil
	}
	if !r.full {
		return append([]float64(nil), r.buf[:r.next]...)
	}
	out := make([]float64, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Forget drops the sender's window.
func (w *Window) Forget(id engine.AgentID) {
	s := w.shardFor(id)
	s.mu.Lock()
	delete(s.rings, id)
	s.mu.Unlock()
}
