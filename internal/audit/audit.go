// Package audit records an immutable trail of fraud decisions and review
// actions: who did what to which transaction, with the before and after
// state.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Action names the operation being audited.
type Action string

const (
	ActionProcessed Action = "transaction_processed"
	ActionReviewed  Action = "transaction_reviewed"
	ActionError     Action = "processing_error"
)

// Result is the outcome of the audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// RiskLevel buckets a risk score for audit filtering.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// LevelForScore maps a risk score to its audit bucket.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score > 70:
		return RiskHigh
	case score > 30:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Event is a single audit record.
type Event struct {
	ID            int64     `json:"id"`
	TransactionID string    `json:"transactionId"`
	Action        Action    `json:"action"`
	ActorType     string    `json:"actorType"`
	ActorID       string    `json:"actorId,omitempty"`
	Result        Result    `json:"result"`
	RiskLevel     RiskLevel `json:"riskLevel,omitempty"`

	// BeforeState and AfterState are JSON snapshots of the transaction's
	// decision-relevant fields around the operation.
	BeforeState string `json:"beforeState,omitempty"`
	AfterState  string `json:"afterState,omitempty"`

	Metadata   string `json:"metadata,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`

	RequestID string    `json:"requestId,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Filter narrows audit queries. Zero values match everything.
type Filter struct {
	TransactionID string
	Action        Action
	From, To      time.Time
	Limit         int
}

// Sink persists audit events.
type Sink interface {
	Record(ctx context.Context, e *Event) error
	Query(ctx context.Context, f Filter) ([]*Event, error)
}

// Snapshot renders a state map as the JSON stored in Before/AfterState.
func Snapshot(state map[string]any) string {
	if state == nil {
		return "{}"
	}
	b, _ := json.Marshal(state)
	return string(b)
}
