package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/paylens/fraudguard/internal/transaction"
)

// Recorder provides typed helpers over a Sink. Recording failures are
// logged, never propagated: an audit outage must not fail the decision.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
}

// NewRecorder creates a recorder writing to sink.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

// TransactionProcessed records a completed pipeline decision.
func (r *Recorder) TransactionProcessed(ctx context.Context, tx *transaction.Transaction, duration time.Duration) {
	r.record(ctx, &Event{
		TransactionID: tx.TransactionID,
		Action:        ActionProcessed,
		ActorType:     "system",
		Result:        ResultSuccess,
		RiskLevel:     LevelForScore(tx.RiskScore),
		AfterState: Snapshot(map[string]any{
			"status":         string(tx.Status),
			"riskScore":      tx.RiskScore,
			"decisionReason": tx.DecisionReason,
		}),
		DurationMs: duration.Milliseconds(),
	})
}

// TransactionReviewed records a manual review action with the status
// transition it caused.
func (r *Recorder) TransactionReviewed(ctx context.Context, tx *transaction.Transaction, reviewer string, oldStatus transaction.Status) {
	r.record(ctx, &Event{
		TransactionID: tx.TransactionID,
		Action:        ActionReviewed,
		ActorType:     "analyst",
		ActorID:       reviewer,
		Result:        ResultSuccess,
		RiskLevel:     LevelForScore(tx.RiskScore),
		BeforeState:   Snapshot(map[string]any{"status": string(oldStatus)}),
		AfterState: Snapshot(map[string]any{
			"status":      string(tx.Status),
			"reviewedBy":  tx.ReviewedBy,
			"reviewNotes": tx.ReviewNotes,
		}),
	})
}

// ProcessingError records a pipeline failure for the given business id.
func (r *Recorder) ProcessingError(ctx context.Context, transactionID string, procErr error, duration time.Duration) {
	r.record(ctx, &Event{
		TransactionID: transactionID,
		Action:        ActionError,
		ActorType:     "system",
		Result:        ResultFailure,
		Metadata:      Snapshot(map[string]any{"error": procErr.Error()}),
		DurationMs:    duration.Milliseconds(),
	})
}

func (r *Recorder) record(ctx context.Context, e *Event) {
	if err := r.sink.Record(ctx, e); err != nil {
		r.logger.Error("failed to record audit event",
			"transaction_id", e.TransactionID, "action", string(e.Action), "error", err)
	}
}
