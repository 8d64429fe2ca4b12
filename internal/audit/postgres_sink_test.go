package audit

import (
	"context"
	"testing"
	"time"

	"github.com/paylens/fraudguard/internal/testutil"
)

func TestPostgresSink_RecordAndQuery(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	sink := NewPostgresSink(db)
	ctx := context.Background()

	events := []*Event{
		{
			TransactionID: "TXN_1",
			Action:        ActionProcessed,
			ActorType:     "system",
			Result:        ResultSuccess,
			RiskLevel:     RiskHigh,
			AfterState:    `{"status":"under_review"}`,
			DurationMs:    12,
			RequestID:     "req_1",
			IPAddress:     "203.0.113.10",
		},
		{
			TransactionID: "TXN_1",
			Action:        ActionReviewed,
			ActorType:     "analyst",
			ActorID:       "analyst_7",
			Result:        ResultSuccess,
			BeforeState:   `{"status":"under_review"}`,
			AfterState:    `{"status":"approved"}`,
		},
		{
			TransactionID: "TXN_2",
			Action:        ActionProcessed,
			ActorType:     "system",
			Result:        ResultFailure,
			Metadata:      `{"error":"rule store unavailable"}`,
		},
	}
	for _, e := range events {
		if err := sink.Record(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	// By transaction.
	got, err := sink.Query(ctx, Filter{TransactionID: "TXN_1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for TXN_1, got %d", len(got))
	}

	// Nullable columns round-trip as empty strings, JSONB as text.
	var processed *Event
	for _, e := range got {
		if e.Action == ActionProcessed {
			processed = e
		}
	}
	if processed == nil {
		t.Fatal("processed event missing")
	}
	if processed.RiskLevel != RiskHigh || processed.DurationMs != 12 {
		t.Errorf("fields did not round-trip: %+v", processed)
	}
	if processed.AfterState == "" || processed.BeforeState != "" {
		t.Errorf("unexpected states: before=%q after=%q", processed.BeforeState, processed.AfterState)
	}
	if processed.RequestID != "req_1" || processed.IPAddress != "203.0.113.10" {
		t.Errorf("request context did not round-trip: %+v", processed)
	}

	// By action.
	got, _ = sink.Query(ctx, Filter{Action: ActionReviewed})
	if len(got) != 1 || got[0].ActorID != "analyst_7" {
		t.Errorf("expected the review event, got %+v", got)
	}

	// Time window in the future excludes everything.
	got, _ = sink.Query(ctx, Filter{From: time.Now().Add(time.Hour)})
	if len(got) != 0 {
		t.Errorf("expected no events in a future window, got %d", len(got))
	}

	// Limit.
	got, _ = sink.Query(ctx, Filter{Limit: 1})
	if len(got) != 1 {
		t.Errorf("expected 1 event with limit, got %d", len(got))
	}
}
