package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paylens/fraudguard/internal/testutil"
)

func pgRule(id, name string, priority int) *Rule {
	now := time.Now().UTC()
	return &Rule{
		ID:       id,
		Name:     name,
		Type:     TypeCountryBlacklist,
		Action:   ActionReview,
		Status:   StatusActive,
		Priority: priority,
		Conditions: Conditions{
			CountryBlacklist: &CountryBlacklistConditions{BlacklistedCountries: []string{"KP", "IR"}},
		},
		RiskWeight: 40,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestPostgresStore_CreateGetUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	rule := pgRule("r1", "sanctioned countries", 100)
	if err := store.Create(ctx, rule); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "sanctioned countries" || got.Priority != 100 {
		t.Errorf("unexpected rule: %+v", got)
	}
	if got.Conditions.CountryBlacklist == nil || len(got.Conditions.CountryBlacklist.BlacklistedCountries) != 2 {
		t.Errorf("conditions did not round-trip: %+v", got.Conditions)
	}

	got.Name = "sanctioned countries v2"
	got.Status = StatusInactive
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	again, _ := store.Get(ctx, "r1")
	if again.Name != "sanctioned countries v2" || again.Status != StatusInactive {
		t.Errorf("update did not stick: %+v", again)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
	if err := store.Update(ctx, pgRule("missing", "ghost", 1)); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound on update, got %v", err)
	}
}

func TestPostgresStore_ListActiveOrdering(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	low := pgRule("low", "low priority", 10)
	high := pgRule("high", "high priority", 90)
	testing_ := pgRule("testing", "testing rule", 50)
	testing_.Status = StatusTesting
	off := pgRule("off", "disabled rule", 99)
	off.Status = StatusInactive

	for _, r := range []*Rule{low, high, testing_, off} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.ID, err)
		}
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("expected 3 active rules, got %d", len(active))
	}
	if active[0].ID != "high" || active[1].ID != "testing" || active[2].ID != "low" {
		t.Errorf("wrong order: [%s %s %s]", active[0].ID, active[1].ID, active[2].ID)
	}
}

func TestPostgresStore_ApplyStats(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgRule("r1", "rule one", 10)); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Now().UTC().Truncate(time.Microsecond)
	err := store.ApplyStats(ctx, []StatsDelta{
		{RuleID: "r1", Executed: 10, Triggered: 3, LastTriggered: &at},
	})
	if err != nil {
		t.Fatalf("apply stats: %v", err)
	}

	r, _ := store.Get(ctx, "r1")
	if r.ExecutionCount != 10 || r.TriggeredCount != 3 {
		t.Errorf("expected executed=10 triggered=3, got %d/%d", r.ExecutionCount, r.TriggeredCount)
	}
	if r.LastTriggered == nil || !r.LastTriggered.Equal(at) {
		t.Errorf("expected last triggered %v, got %v", at, r.LastTriggered)
	}

	// Deltas are additive, and a nil timestamp never clears the stored one.
	err = store.ApplyStats(ctx, []StatsDelta{
		{RuleID: "r1", Executed: 5, Triggered: 0},
	})
	if err != nil {
		t.Fatalf("apply stats: %v", err)
	}

	r, _ = store.Get(ctx, "r1")
	if r.ExecutionCount != 15 {
		t.Errorf("expected executed=15, got %d", r.ExecutionCount)
	}
	if r.LastTriggered == nil || !r.LastTriggered.Equal(at) {
		t.Errorf("nil delta timestamp should keep %v, got %v", at, r.LastTriggered)
	}
}
