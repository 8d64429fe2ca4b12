package rules

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ruleCounters holds in-flight counter increments for one rule. Updated
// with atomics on the hot path; Swap(0) drains them into a delta.
type ruleCounters struct {
	executed  atomic.Int64
	triggered atomic.Int64
	// lastTriggeredUnixNano is 0 until the rule first triggers.
	lastTriggeredUnixNano atomic.Int64
}

// StatsArena accumulates rule execution counters off the hot path. The
// evaluator increments atomics here instead of mutating rule rows, and the
// StatsWriter periodically drains the arena into the store.
type StatsArena struct {
	mu       sync.RWMutex
	counters map[string]*ruleCounters
}

// NewStatsArena creates an empty stats arena.
func NewStatsArena() *StatsArena {
	return &StatsArena{counters: make(map[string]*ruleCounters)}
}

func (a *StatsArena) get(ruleID string) *ruleCounters {
	a.mu.RLock()
	c, ok := a.counters[ruleID]
	a.mu.RUnlock()
	if ok {
		return c
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.counters[ruleID]; ok {
		return c
	}
	c = &ruleCounters{}
	a.counters[ruleID] = c
	return c
}

// RecordExecution counts one evaluation of the rule.
func (a *StatsArena) RecordExecution(ruleID string) {
	a.get(ruleID).executed.Add(1)
}

// RecordTrigger counts one trigger of the rule and remembers when.
func (a *StatsArena) RecordTrigger(ruleID string, at time.Time) {
	c := a.get(ruleID)
	c.triggered.Add(1)

	ns := at.UnixNano()
	for {
		prev := c.lastTriggeredUnixNano.Load()
		if ns <= prev {
			return
		}
		if c.lastTriggeredUnixNano.CompareAndSwap(prev, ns) {
			return
		}
	}
}

// Drain swaps out the accumulated counters and returns them as deltas.
// Counters recorded after the swap land in the next drain.
func (a *StatsArena) Drain() []StatsDelta {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var deltas []StatsDelta
	for id, c := range a.counters {
		executed := c.executed.Swap(0)
		triggered := c.triggered.Swap(0)
		if executed == 0 && triggered == 0 {
			continue
		}
		d := StatsDelta{RuleID: id, Executed: executed, Triggered: triggered}
		if ns := c.lastTriggeredUnixNano.Load(); ns > 0 {
			t := time.Unix(0, ns)
			d.LastTriggered = &t
		}
		deltas = append(deltas, d)
	}
	return deltas
}

// StatsWriter flushes the arena to the rule store on an interval. A single
// writer goroutine keeps store updates serialized; failed flushes are logged
// and the deltas stay in the arena's next drain only if re-recorded, so the
// writer re-applies the failed batch itself on the next tick.
type StatsWriter struct {
	arena    *StatsArena
	store    Store
	logger   *slog.Logger
	interval time.Duration

	// pending holds deltas from a failed flush, retried before the next drain.
	pending []StatsDelta

	stop chan struct{}
	done chan struct{}
}

// NewStatsWriter creates a stats writer flushing every interval.
func NewStatsWriter(arena *StatsArena, store Store, logger *slog.Logger, interval time.Duration) *StatsWriter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &StatsWriter{
		arena:    arena,
		store:    store,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the flush loop. It returns immediately.
func (w *StatsWriter) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *StatsWriter) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Flush(ctx)
		case <-w.stop:
			w.Flush(context.Background())
			return
		case <-ctx.Done():
			w.Flush(context.Background())
			return
		}
	}
}

// Flush drains the arena and applies the deltas to the store. Safe to call
// concurrently with recording; deltas from a failed apply are retried on the
// next flush.
func (w *StatsWriter) Flush(ctx context.Context) {
	deltas := append(w.pending, w.arena.Drain()...)
	w.pending = nil
	if len(deltas) == 0 {
		return
	}

	if err := w.store.ApplyStats(ctx, deltas); err != nil {
		w.logger.Error("failed to flush rule stats", "count", len(deltas), "error", err)
		w.pending = deltas
		return
	}
	w.logger.Debug("flushed rule stats", "count", len(deltas))
}

// Stop flushes once more and waits for the loop to exit.
func (w *StatsWriter) Stop() {
	close(w.stop)
	<-w.done
}
