package rules

import (
	"context"
	"errors"
	"time"
)

// ErrRuleNotFound is returned when no rule matches the given id.
var ErrRuleNotFound = errors.New("rule not found")

// StatsDelta is a batch of counter increments for one rule, flushed by the
// stats writer.
type StatsDelta struct {
	RuleID        string
	Executed      int64
	Triggered     int64
	LastTriggered *time.Time
}

// Store persists rule definitions and their execution statistics.
type Store interface {
	Create(ctx context.Context, r *Rule) error
	Update(ctx context.Context, r *Rule) error
	Get(ctx context.Context, id string) (*Rule, error)
	List(ctx context.Context, limit int) ([]*Rule, error)

	// ListActive returns rules in active or testing status, ordered by
	// priority descending with catalog (creation) order breaking ties.
	ListActive(ctx context.Context) ([]*Rule, error)

	// ApplyStats adds counter deltas to the stored rule. Increments must be
	// additive so concurrent flushes from multiple processes do not lose
	// updates.
	ApplyStats(ctx context.Context, deltas []StatsDelta) error
}
