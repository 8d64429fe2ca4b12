// Package pipeline orchestrates the fraud decision flow for incoming
// transactions: persist, score, evaluate rules, blend in the optional ML
// score, resolve a decision, and record the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paylens/fraudguard/internal/audit"
	"github.com/paylens/fraudguard/internal/idgen"
	"github.com/paylens/fraudguard/internal/metrics"
	"github.com/paylens/fraudguard/internal/mlscore"
	"github.com/paylens/fraudguard/internal/realtime"
	"github.com/paylens/fraudguard/internal/rules"
	"github.com/paylens/fraudguard/internal/scoring"
	"github.com/paylens/fraudguard/internal/syncutil"
	"github.com/paylens/fraudguard/internal/traces"
	"github.com/paylens/fraudguard/internal/transaction"
)

var (
	// ErrTransactionNotFound is returned when a review targets an unknown id.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrNotReviewable is returned when a review targets a transaction whose
	// status does not permit review.
	ErrNotReviewable = errors.New("transaction cannot be reviewed in its current status")

	// ErrDuplicateTransaction is returned when the caller supplies a business
	// id that already exists.
	ErrDuplicateTransaction = errors.New("transaction id already exists")
)

// Request carries the raw transaction attributes submitted for a decision.
type Request struct {
	TransactionID        string // optional; generated when empty
	Amount               float64
	Currency             string
	Type                 transaction.Type
	CardNumber           string
	CardholderName       string
	MerchantID           string
	MerchantName         string
	MerchantCategoryCode string
	CountryCode          string
	City                 string
	IPAddress            string
	UserAgent            string
	DeviceFingerprint    string
}

// ProcessResult is the outcome of one pipeline run.
type ProcessResult struct {
	Transaction *transaction.Transaction
	BaseScore   float64
	RuleScore   float64
	MLScore     *float64
	FinalScore  float64
	Monitor     bool
	Duration    time.Duration
}

// ReviewRequest is a manual review action against a transaction.
type ReviewRequest struct {
	NewStatus         transaction.Status
	ReviewedBy        string
	Notes             string
	AuthorizationCode string
}

// ReviewResult is the outcome of a manual review.
type ReviewResult struct {
	Transaction *transaction.Transaction
	OldStatus   transaction.Status
}

// Service runs the decision pipeline.
type Service struct {
	store     transaction.Store
	scorer    *scoring.Scorer
	evaluator *rules.Evaluator
	ml        *mlscore.Client
	recorder  *audit.Recorder
	feed      *realtime.Hub
	devices   *rules.MemoryDeviceHistory
	logger    *slog.Logger
	now       func() time.Time

	reviewLocks *syncutil.ContextShardedMutex
}

// New creates a pipeline service. The ML client, feed, and device history
// may be nil; the corresponding step is skipped.
func New(
	store transaction.Store,
	scorer *scoring.Scorer,
	evaluator *rules.Evaluator,
	ml *mlscore.Client,
	recorder *audit.Recorder,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:       store,
		scorer:      scorer,
		evaluator:   evaluator,
		ml:          ml,
		recorder:    recorder,
		logger:      logger,
		now:         time.Now,
		reviewLocks: syncutil.NewContextShardedMutex(),
	}
}

// WithFeed attaches the live decision feed.
func (s *Service) WithFeed(feed *realtime.Hub) *Service { s.feed = feed; return s }

// WithDeviceHistory attaches a device history that learns card/device pairs
// from approved transactions.
func (s *Service) WithDeviceHistory(h *rules.MemoryDeviceHistory) *Service { s.devices = h; return s }

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service { s.now = now; return s }

// Process runs the full decision pipeline for one incoming transaction.
//
// The transaction is persisted in pending status first so a mid-pipeline
// crash leaves an auditable record, then updated with the decision.
func (s *Service) Process(ctx context.Context, req *Request) (*ProcessResult, error) {
	start := s.now()

	ctx, span := traces.StartSpan(ctx, "pipeline.process",
		traces.MerchantID(req.MerchantID),
		traces.Amount(req.Amount),
	)
	defer span.End()

	tx := s.buildTransaction(req)

	if err := s.store.Create(ctx, tx); err != nil {
		if errors.Is(err, transaction.ErrDuplicateTransactionID) {
			return nil, ErrDuplicateTransaction
		}
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	span.SetAttributes(traces.TransactionID(tx.TransactionID))

	// Base score from intrinsic attributes.
	baseScore := s.scorer.BaseScore(tx)

	// Rule catalog evaluation.
	evalResult, err := s.evaluator.Evaluate(ctx, tx)
	if err != nil {
		s.failTransaction(ctx, tx, err, s.now().Sub(start))
		return nil, fmt.Errorf("evaluate rules: %w", err)
	}

	// Optional ML score; nil when the service is unavailable or disabled.
	var mlScore *float64
	if s.ml != nil {
		mlScore = s.ml.Score(ctx, tx)
		if s.ml.Enabled() {
			if mlScore != nil {
				metrics.MLRequestsTotal.WithLabelValues("scored").Inc()
			} else {
				metrics.MLRequestsTotal.WithLabelValues("degraded").Inc()
			}
		}
	}

	finalScore := scoring.Combine(baseScore, evalResult.TotalRiskScore, mlScore)
	manualReview := s.scorer.RequiresManualReview(tx, baseScore)
	decision := scoring.Resolve(finalScore, evalResult.BlockedByRule, manualReview, evalResult.TriggeredRules)

	tx.RiskScore = finalScore
	tx.MLScore = mlScore
	tx.Status = decision.Status
	tx.DecisionReason = decision.Reason
	tx.RuleResults = ruleResults(evalResult)
	tx.UpdatedAt = s.now()

	if err := s.store.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist decision: %w", err)
	}

	duration := s.now().Sub(start)
	s.finishDecision(ctx, tx, evalResult, duration)

	span.SetAttributes(
		traces.RiskScore(finalScore),
		traces.DecisionStatus(string(tx.Status)),
		traces.RulesTriggered(len(evalResult.TriggeredRules)),
	)

	return &ProcessResult{
		Transaction: tx,
		BaseScore:   baseScore,
		RuleScore:   evalResult.TotalRiskScore,
		MLScore:     mlScore,
		FinalScore:  finalScore,
		Monitor:     decision.Monitor,
		Duration:    duration,
	}, nil
}

// Review applies a manual review decision. Nothing is mutated when the
// transaction is missing or not in a reviewable status.
func (s *Service) Review(ctx context.Context, transactionID string, req *ReviewRequest) (*ReviewResult, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.review",
		traces.TransactionID(transactionID),
	)
	defer span.End()

	// Serialize reviews of the same transaction so two analysts cannot
	// race through the status check and both win.
	unlock, err := s.reviewLocks.LockContext(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("acquire review lock: %w", err)
	}
	defer unlock()

	tx, err := s.store.GetByTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, transaction.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("load transaction: %w", err)
	}

	if !tx.CanBeReviewed() {
		return nil, fmt.Errorf("%w: status %s", ErrNotReviewable, tx.Status)
	}

	oldStatus := tx.Status
	now := s.now()

	tx.Status = req.NewStatus
	tx.ReviewedBy = req.ReviewedBy
	tx.ReviewedAt = &now
	tx.ReviewNotes = req.Notes
	if req.AuthorizationCode != "" {
		tx.AuthorizationCode = req.AuthorizationCode
	}
	tx.UpdatedAt = now

	if err := s.store.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist review: %w", err)
	}

	metrics.ReviewsTotal.WithLabelValues(string(tx.Status)).Inc()
	s.recorder.TransactionReviewed(ctx, tx, req.ReviewedBy, oldStatus)

	if s.feed != nil {
		s.feed.BroadcastReview(map[string]interface{}{
			"transactionId": tx.TransactionID,
			"status":        string(tx.Status),
			"previous":      string(oldStatus),
			"reviewedBy":    tx.ReviewedBy,
			"riskScore":     tx.RiskScore,
			"merchantId":    tx.MerchantID,
		})
	}

	s.logger.Info("transaction reviewed",
		"transaction_id", tx.TransactionID,
		"old_status", string(oldStatus),
		"new_status", string(tx.Status),
		"reviewed_by", req.ReviewedBy,
	)

	return &ReviewResult{Transaction: tx, OldStatus: oldStatus}, nil
}

func (s *Service) buildTransaction(req *Request) *transaction.Transaction {
	now := s.now()

	businessID := req.TransactionID
	if businessID == "" {
		businessID = idgen.TransactionID()
	}

	return &transaction.Transaction{
		ID:                   idgen.New(),
		TransactionID:        businessID,
		Amount:               req.Amount,
		Currency:             req.Currency,
		Type:                 req.Type,
		CardNumber:           transaction.MaskCardNumber(req.CardNumber),
		CardHash:             transaction.HashCardNumber(req.CardNumber),
		BIN:                  transaction.ExtractBIN(req.CardNumber),
		CardBrand:            transaction.DetectCardBrand(req.CardNumber),
		CardholderName:       req.CardholderName,
		MerchantID:           req.MerchantID,
		MerchantName:         req.MerchantName,
		MerchantCategoryCode: req.MerchantCategoryCode,
		CountryCode:          req.CountryCode,
		City:                 req.City,
		IPAddress:            req.IPAddress,
		UserAgent:            req.UserAgent,
		DeviceFingerprint:    req.DeviceFingerprint,
		Status:               transaction.StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// finishDecision handles the bookkeeping after a decision is persisted:
// metrics, audit trail, rule trigger counters, device learning, and the
// live feed.
func (s *Service) finishDecision(ctx context.Context, tx *transaction.Transaction, eval *rules.Result, duration time.Duration) {
	metrics.DecisionsTotal.WithLabelValues(string(tx.Status)).Inc()
	metrics.PipelineDuration.Observe(duration.Seconds())
	for _, d := range eval.Details {
		if d.Triggered {
			metrics.RuleTriggersTotal.WithLabelValues(d.RuleName).Inc()
		}
	}

	s.recorder.TransactionProcessed(ctx, tx, duration)

	// Approved transactions teach the device history; a repeat device on
	// the same card is then recognized.
	if s.devices != nil && tx.Status == transaction.StatusApproved && tx.DeviceFingerprint != "" {
		s.devices.Remember(tx.CardHash, tx.DeviceFingerprint)
	}

	if s.feed != nil {
		payload := map[string]interface{}{
			"transactionId": tx.TransactionID,
			"status":        string(tx.Status),
			"riskScore":     tx.RiskScore,
			"amount":        tx.Amount,
			"currency":      tx.Currency,
			"merchantId":    tx.MerchantID,
			"countryCode":   tx.CountryCode,
		}
		s.feed.BroadcastDecision(payload)
		if tx.IsHighRisk() {
			s.feed.BroadcastAlert(payload)
		}
	}

	s.logger.Info("transaction processed",
		"transaction_id", tx.TransactionID,
		"status", string(tx.Status),
		"risk_score", tx.RiskScore,
		"triggered_rules", len(eval.TriggeredRules),
		"duration_ms", duration.Milliseconds(),
	)
}

// failTransaction records a pipeline failure without losing the pending row.
func (s *Service) failTransaction(ctx context.Context, tx *transaction.Transaction, procErr error, duration time.Duration) {
	s.recorder.ProcessingError(ctx, tx.TransactionID, procErr, duration)
	s.logger.Error("transaction processing failed",
		"transaction_id", tx.TransactionID, "error", procErr)
}

func ruleResults(eval *rules.Result) *transaction.RuleResults {
	details := make([]transaction.RuleOutcome, 0, len(eval.Details))
	for _, d := range eval.Details {
		details = append(details, transaction.RuleOutcome{
			RuleID:     d.RuleID,
			RuleName:   d.RuleName,
			Triggered:  d.Triggered,
			Action:     string(d.Action),
			RiskWeight: d.RiskWeight,
			Reason:     d.Reason,
		})
	}
	return &transaction.RuleResults{
		TriggeredRules: eval.TriggeredRules,
		TotalRiskScore: eval.TotalRiskScore,
		BlockedByRule:  eval.BlockedByRule,
		Details:        details,
	}
}
