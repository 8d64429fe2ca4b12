package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresSink writes audit events to PostgreSQL.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates an audit sink backed by PostgreSQL.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Record(ctx context.Context, e *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			transaction_id, action, actor_type, actor_id, result, risk_level,
			before_state, after_state, metadata, duration_ms,
			request_id, ip_address, created_at
		) VALUES (
			$1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''),
			NULLIF($7, '')::JSONB, NULLIF($8, '')::JSONB, NULLIF($9, '')::JSONB, $10,
			NULLIF($11, ''), NULLIF($12, ''), NOW()
		)`,
		e.TransactionID, string(e.Action), e.ActorType, e.ActorID, string(e.Result), string(e.RiskLevel),
		e.BeforeState, e.AfterState, e.Metadata, e.DurationMs,
		e.RequestID, e.IPAddress,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresSink) Query(ctx context.Context, f Filter) ([]*Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.TransactionID != "" {
		add("transaction_id = $%d", f.TransactionID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}

	query := `SELECT id, transaction_id, action, actor_type, COALESCE(actor_id, ''),
		result, COALESCE(risk_level, ''),
		COALESCE(before_state::TEXT, ''), COALESCE(after_state::TEXT, ''),
		COALESCE(metadata::TEXT, ''), COALESCE(duration_ms, 0),
		COALESCE(request_id, ''), COALESCE(ip_address, ''), created_at
		FROM audit_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var action, result, riskLevel string
		if err := rows.Scan(&e.ID, &e.TransactionID, &action, &e.ActorType, &e.ActorID,
			&result, &riskLevel, &e.BeforeState, &e.AfterState,
			&e.Metadata, &e.DurationMs, &e.RequestID, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = Action(action)
		e.Result = Result(result)
		e.RiskLevel = RiskLevel(riskLevel)
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ Sink = (*PostgresSink)(nil)
