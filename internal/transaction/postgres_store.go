package transaction

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, transaction_id, amount, currency, type, card_number, card_hash, bin,
	card_brand, cardholder_name, merchant_id, merchant_name, merchant_category_code,
	country_code, city, COALESCE(ip_address, ''), COALESCE(user_agent, ''),
	COALESCE(device_fingerprint, ''), risk_score, ml_score, rule_results,
	status, COALESCE(decision_reason, ''), COALESCE(authorization_code, ''),
	COALESCE(reviewed_by, ''), reviewed_at, COALESCE(review_notes, ''), created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	ruleResults, err := marshalRuleResults(tx.RuleResults)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, transaction_id, amount, currency, type, card_number,
			card_hash, bin, card_brand, cardholder_name, merchant_id, merchant_name,
			merchant_category_code, country_code, city, ip_address, user_agent,
			device_fingerprint, risk_score, ml_score, rule_results, status,
			decision_reason, authorization_code, reviewed_by, reviewed_at, review_notes,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			NULLIF($16, ''), NULLIF($17, ''), NULLIF($18, ''), $19, $20, $21, $22,
			NULLIF($23, ''), NULLIF($24, ''), NULLIF($25, ''), $26, NULLIF($27, ''), $28, $29)
	`, tx.ID, tx.TransactionID, tx.Amount, tx.Currency, string(tx.Type), tx.CardNumber,
		tx.CardHash, tx.BIN, string(tx.CardBrand), tx.CardholderName, tx.MerchantID,
		tx.MerchantName, tx.MerchantCategoryCode, tx.CountryCode, tx.City, tx.IPAddress,
		tx.UserAgent, tx.DeviceFingerprint, tx.RiskScore, tx.MLScore, ruleResults,
		string(tx.Status), tx.DecisionReason, tx.AuthorizationCode, tx.ReviewedBy,
		tx.ReviewedAt, tx.ReviewNotes, tx.CreatedAt, tx.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return ErrDuplicateTransactionID
	}
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	ruleResults, err := marshalRuleResults(tx.RuleResults)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET
			risk_score = $2, ml_score = $3, rule_results = $4, status = $5,
			decision_reason = NULLIF($6, ''), authorization_code = NULLIF($7, ''),
			reviewed_by = NULLIF($8, ''), reviewed_at = $9, review_notes = NULLIF($10, ''),
			updated_at = NOW()
		WHERE id = $1
	`, tx.ID, tx.RiskScore, tx.MLScore, ruleResults, string(tx.Status),
		tx.DecisionReason, tx.AuthorizationCode, tx.ReviewedBy, tx.ReviewedAt, tx.ReviewNotes)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (s *PostgresStore) GetByTransactionID(ctx context.Context, transactionID string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE transaction_id = $1`, transactionID)
	return scanTransaction(row)
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Transaction, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + txColumns + ` FROM transactions WHERE TRUE`
	args := []interface{}{}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.MinRiskScore != nil {
		args = append(args, *f.MinRiskScore)
		query += fmt.Sprintf(" AND risk_score >= $%d", len(args))
	}
	if f.MaxRiskScore != nil {
		args = append(args, *f.MaxRiskScore)
		query += fmt.Sprintf(" AND risk_score <= $%d", len(args))
	}
	if f.Before != nil {
		args = append(args, *f.Before)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (s *PostgresStore) ListPendingReview(ctx context.Context, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status = $1 ORDER BY created_at ASC LIMIT $2
	`, string(StatusUnderReview), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending review: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (s *PostgresStore) CountRecentByCard(ctx context.Context, cardHash string, window time.Duration) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE card_hash = $1 AND created_at > NOW() - $2::INTERVAL
	`, cardHash, fmt.Sprintf("%d seconds", int(window.Seconds()))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent by card: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, status Status) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE status = $1`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count by status: %w", err)
	}
	return count, nil
}

func marshalRuleResults(rr *RuleResults) ([]byte, error) {
	if rr == nil {
		return nil, nil
	}
	b, err := json.Marshal(rr)
	if err != nil {
		return nil, fmt.Errorf("marshal rule results: %w", err)
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		t           Transaction
		txType      string
		brand       string
		status      string
		mlScore     sql.NullFloat64
		ruleResults []byte
		reviewedAt  sql.NullTime
	)
	err := row.Scan(&t.ID, &t.TransactionID, &t.Amount, &t.Currency, &txType, &t.CardNumber,
		&t.CardHash, &t.BIN, &brand, &t.CardholderName, &t.MerchantID, &t.MerchantName,
		&t.MerchantCategoryCode, &t.CountryCode, &t.City, &t.IPAddress, &t.UserAgent,
		&t.DeviceFingerprint, &t.RiskScore, &mlScore, &ruleResults, &status,
		&t.DecisionReason, &t.AuthorizationCode, &t.ReviewedBy, &reviewedAt,
		&t.ReviewNotes, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	t.Type = Type(txType)
	t.CardBrand = CardBrand(brand)
	t.Status = Status(status)
	if mlScore.Valid {
		v := mlScore.Float64
		t.MLScore = &v
	}
	if reviewedAt.Valid {
		v := reviewedAt.Time
		t.ReviewedAt = &v
	}
	if len(ruleResults) > 0 {
		var rr RuleResults
		if err := json.Unmarshal(ruleResults, &rr); err == nil {
			t.RuleResults = &rr
		}
	}
	return &t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
