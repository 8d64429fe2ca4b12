package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists rules in PostgreSQL. Conditions and parameters are
// stored as JSONB so new rule kinds don't need schema changes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a rule store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ruleColumns = `
	id, name, COALESCE(description, ''), type, action, status, priority,
	conditions, parameters, risk_weight,
	execution_count, triggered_count, last_triggered,
	COALESCE(created_by, ''), COALESCE(updated_by, ''), created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, r *Rule) error {
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	parameters, err := json.Marshal(r.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (
			id, name, description, type, action, status, priority,
			conditions, parameters, risk_weight,
			execution_count, triggered_count, last_triggered,
			created_by, updated_by, created_at, updated_at
		) VALUES (
			$1, $2, NULLIF($3, ''), $4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13,
			NULLIF($14, ''), NULLIF($15, ''), $16, $17
		)`,
		r.ID, r.Name, r.Description, string(r.Type), string(r.Action), string(r.Status), r.Priority,
		conditions, parameters, r.RiskWeight,
		r.ExecutionCount, r.TriggeredCount, r.LastTriggered,
		r.CreatedBy, r.UpdatedBy, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, r *Rule) error {
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	parameters, err := json.Marshal(r.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE rules SET
			name = $2, description = NULLIF($3, ''), type = $4, action = $5,
			status = $6, priority = $7, conditions = $8, parameters = $9,
			risk_weight = $10, updated_by = NULLIF($11, ''), updated_at = NOW()
		WHERE id = $1`,
		r.ID, r.Name, r.Description, string(r.Type), string(r.Action),
		string(r.Status), r.Priority, conditions, parameters,
		r.RiskWeight, r.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id)

	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return r, err
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Rule, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rules ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	return collectRules(rows)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rules
		 WHERE status IN ('active', 'testing')
		 ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query active rules: %w", err)
	}
	defer rows.Close()

	return collectRules(rows)
}

// ApplyStats increments the stored counters in place. The additive update
// keeps concurrent flushers from different processes from losing counts.
func (s *PostgresStore) ApplyStats(ctx context.Context, deltas []StatsDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stats tx: %w", err)
	}
	defer tx.Rollback()

	for _, d := range deltas {
		_, err := tx.ExecContext(ctx, `
			UPDATE rules SET
				execution_count = execution_count + $2,
				triggered_count = triggered_count + $3,
				last_triggered = GREATEST(last_triggered, $4)
			WHERE id = $1`,
			d.RuleID, d.Executed, d.Triggered, d.LastTriggered,
		)
		if err != nil {
			return fmt.Errorf("apply stats for rule %s: %w", d.RuleID, err)
		}
	}
	return tx.Commit()
}

func collectRules(rows *sql.Rows) ([]*Rule, error) {
	var result []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r                      Rule
		typ, action, status    string
		conditions, parameters []byte
		lastTriggered          sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.Description, &typ, &action, &status, &r.Priority,
		&conditions, &parameters, &r.RiskWeight,
		&r.ExecutionCount, &r.TriggeredCount, &lastTriggered,
		&r.CreatedBy, &r.UpdatedBy, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Type = Type(typ)
	r.Action = Action(action)
	r.Status = Status(status)
	if lastTriggered.Valid {
		t := lastTriggered.Time
		r.LastTriggered = &t
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions: %w", err)
		}
	}
	if len(parameters) > 0 {
		if err := json.Unmarshal(parameters, &r.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	return &r, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
