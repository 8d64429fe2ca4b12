package transaction

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/paylens/fraudguard/internal/testutil"
)

func pgTransaction(id, txnID string, status Status) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		ID:                   id,
		TransactionID:        txnID,
		Amount:               250.50,
		Currency:             "USD",
		Type:                 TypePurchase,
		CardNumber:           MaskCardNumber("4111111111111111"),
		CardHash:             HashCardNumber("4111111111111111"),
		BIN:                  "411111",
		CardBrand:            BrandVisa,
		MerchantID:           "merch_1",
		MerchantCategoryCode: "5812",
		CountryCode:          "CO",
		Status:               status,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func TestPostgresStore_TransactionRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	tx := pgTransaction("id1", "TXN_1", StatusPending)
	tx.IPAddress = "203.0.113.10"
	tx.RuleResults = &RuleResults{
		TriggeredRules: []string{"card velocity"},
		TotalRiskScore: 30,
	}
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetByTransactionID(ctx, "TXN_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Amount != 250.50 || got.BIN != "411111" || got.CardBrand != BrandVisa {
		t.Errorf("fields did not round-trip: %+v", got)
	}
	if got.IPAddress != "203.0.113.10" {
		t.Errorf("expected ip address, got %q", got.IPAddress)
	}
	if got.RuleResults == nil || len(got.RuleResults.TriggeredRules) != 1 {
		t.Errorf("rule results did not round-trip: %+v", got.RuleResults)
	}

	// Optional empty strings come back empty, not as NULL scan errors.
	if got.ReviewedBy != "" || got.DecisionReason != "" {
		t.Errorf("expected empty optional fields, got %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_DuplicateBusinessID(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgTransaction("id1", "TXN_1", StatusPending)); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(ctx, pgTransaction("id2", "TXN_1", StatusPending))
	if !errors.Is(err, ErrDuplicateTransactionID) {
		t.Errorf("expected ErrDuplicateTransactionID, got %v", err)
	}
}

func TestPostgresStore_UpdateDecision(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	tx := pgTransaction("id1", "TXN_1", StatusPending)
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}

	ml := 42.0
	now := time.Now().UTC()
	tx.Status = StatusUnderReview
	tx.RiskScore = 75.5
	tx.MLScore = &ml
	tx.DecisionReason = "high risk score 75.5"
	tx.ReviewedBy = "analyst_1"
	tx.ReviewedAt = &now
	if err := store.Update(ctx, tx); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := store.Get(ctx, "id1")
	if got.Status != StatusUnderReview || got.RiskScore != 75.5 {
		t.Errorf("decision did not persist: %+v", got)
	}
	if got.MLScore == nil || *got.MLScore != 42.0 {
		t.Errorf("ml score did not persist: %v", got.MLScore)
	}
	if got.ReviewedAt == nil {
		t.Error("reviewed at did not persist")
	}

	if err := store.Update(ctx, pgTransaction("ghost", "TXN_GHOST", StatusPending)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
}

func TestPostgresStore_ListAndCounts(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	statuses := []Status{StatusApproved, StatusBlocked, StatusUnderReview, StatusUnderReview}
	base := time.Now().UTC().Add(-time.Hour)
	for i, st := range statuses {
		tx := pgTransaction(fmt.Sprintf("id%d", i), fmt.Sprintf("TXN_%d", i), st)
		tx.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		tx.RiskScore = float64(20 * i)
		if err := store.Create(ctx, tx); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	// Status filter
	blocked := StatusBlocked
	txs, err := store.List(ctx, Filter{Status: &blocked})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 1 || txs[0].ID != "id1" {
		t.Errorf("expected one blocked transaction, got %+v", txs)
	}

	// Before cursor excludes newer rows
	cutoff := base.Add(2 * time.Minute)
	txs, _ = store.List(ctx, Filter{Before: &cutoff})
	if len(txs) != 2 {
		t.Errorf("expected 2 before cutoff, got %d", len(txs))
	}

	// Review queue is oldest first
	queue, err := store.ListPendingReview(ctx, 10)
	if err != nil {
		t.Fatalf("list pending review: %v", err)
	}
	if len(queue) != 2 || queue[0].ID != "id2" {
		t.Errorf("expected oldest review first, got %+v", queue)
	}

	// Per-status counts
	n, err := store.CountByStatus(ctx, StatusUnderReview)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 under review, got %d", n)
	}
}

func TestPostgresStore_CountRecentByCard(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	recent := pgTransaction("id1", "TXN_1", StatusApproved)
	recent.CreatedAt = time.Now().UTC().Add(-5 * time.Minute)
	old := pgTransaction("id2", "TXN_2", StatusApproved)
	old.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)

	for _, tx := range []*Transaction{recent, old} {
		if err := store.Create(ctx, tx); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	count, err := store.CountRecentByCard(ctx, recent.CardHash, time.Hour)
	if err != nil {
		t.Fatalf("count recent: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 within the window, got %d", count)
	}
}
