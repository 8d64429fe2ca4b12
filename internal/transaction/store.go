package transaction

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no transaction matches the given id.
	ErrNotFound = errors.New("transaction not found")
	// ErrDuplicateTransactionID is returned when a transaction with the
	// same business id already exists.
	ErrDuplicateTransactionID = errors.New("transaction id already exists")
)

// Filter narrows List queries. Nil fields are ignored.
type Filter struct {
	Status       *Status
	MinRiskScore *float64
	MaxRiskScore *float64

	// Before restricts results to transactions created strictly before the
	// given instant. Used for cursor pagination (List returns newest first).
	Before *time.Time

	Limit int
}

// Store persists transactions. Implementations must enforce business-id
// uniqueness on Create.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Update(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*Transaction, error)
	List(ctx context.Context, f Filter) ([]*Transaction, error)
	ListPendingReview(ctx context.Context, limit int) ([]*Transaction, error)

	// CountRecentByCard counts transactions for the card within the window
	// ending now. Velocity rules depend on this query.
	CountRecentByCard(ctx context.Context, cardHash string, window time.Duration) (int, error)

	CountByStatus(ctx context.Context, status Status) (int64, error)
}
