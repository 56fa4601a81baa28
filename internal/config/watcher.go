package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

const reloadDebounce = 250 * time.Millisecond

// PolicySource serves the policy in force. Decisions read it once per
// message, so a reload never changes the policy mid-decision.
type PolicySource struct {
	current atomic.Pointer[engine.Policy]
}

// NewPolicySource starts with p, which must already be valid.
func NewPolicySource(p engine.Policy) *PolicySource {
	s := &PolicySource{}
	s.current.Store(&p)
	return s
}

// Policy returns the policy in force.
func (s *PolicySource) Policy() engine.Policy {
	return *s.current.Load()
}

// Swap validates p and makes it current. The failure policy is
// process-wide and cannot be changed by a swap.
func (s *PolicySource) Swap(p engine.Policy) error {
	cur := s.Policy()
	if p.FailurePolicy != cur.FailurePolicy {
		return fmt.Errorf("policy: failure_policy cannot change at runtime (have %s, got %s)", cur.FailurePolicy, p.FailurePolicy)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	s.current.Store(&p)
	return nil
}

// Watcher reloads the policy section of the config file when it changes.
type Watcher struct {
	path     string
	source   *PolicySource
	onReload func(ok bool)
	logger   *zap.Logger

	mu       sync.Mutex
	debounce *time.Timer
}

// NewWatcher prepares a watcher for path. onReload may be nil.
func NewWatcher(path string, source *PolicySource, onReload func(ok bool), logger *zap.Logger) *Watcher {
	return &Watcher{path: path, source: source, onReload: onReload, logger: logger}
}

// Reload re-reads the file and swaps in its policy section. Environment
// overrides still win. On any error the current policy stays in force.
func (w *Watcher) Reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return w.done(fmt.Errorf("reload: %w", err))
	}
	cfg := Default()
	cfg.Policy.FailurePolicy = w.source.Policy().FailurePolicy
	if err := Parse(data, &cfg); err != nil {
		return w.done(err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return w.done(err)
	}
	if err := w.source.Swap(cfg.Policy.Policy); err != nil {
		return w.done(err)
	}
	p := w.source.Policy()
	w.logger.Info("policy reloaded",
		zap.Float64("escalate_threshold", p.EscalateThreshold),
		zap.Float64("flag_threshold", p.FlagThreshold),
		zap.Bool("auto_isolate_on_escalate", p.AutoIsolateOnEscalate),
		zap.Duration("isolation_ttl", p.IsolationTTL),
	)
	return w.done(nil)
}

func (w *Watcher) done(err error) error {
	if err != nil {
		w.logger.Warn("policy reload rejected, keeping current policy", zap.String("path", w.path), zap.Error(err))
	}
	if w.onReload != nil {
		w.onReload(err == nil)
	}
	return err
}

// Run watches the file's directory, so editors that replace the file by
// rename are seen too. Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	defer fw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.logger.Info("policy hot reload enabled", zap.String("path", abs))

	for {
		select {
		case <-ctx.Done():
			w.stopDebounce()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(reloadDebounce, func() { _ = w.Reload() })
}

func (w *Watcher) stopDebounce() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
}
