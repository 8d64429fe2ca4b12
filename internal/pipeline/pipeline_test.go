package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/paylens/fraudguard/internal/audit"
	"github.com/paylens/fraudguard/internal/mlscore"
	"github.com/paylens/fraudguard/internal/rules"
	"github.com/paylens/fraudguard/internal/scoring"
	"github.com/paylens/fraudguard/internal/transaction"
)

// Wednesday noon UTC: no unusual-hour or weekend scoring.
var quietTime = time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	svc       *Service
	txStore   *transaction.MemoryStore
	ruleStore *rules.MemoryStore
	sink      *audit.MemorySink
}

func newTestEnv(t *testing.T, ml *mlscore.Client, activeRules ...*rules.Rule) *testEnv {
	t.Helper()

	logger := discardLogger()
	txStore := transaction.NewMemoryStore()
	ruleStore := rules.NewMemoryStore()
	for _, r := range activeRules {
		if err := ruleStore.Create(context.Background(), r); err != nil {
			t.Fatalf("create rule: %v", err)
		}
	}

	evaluator := rules.NewEvaluator(ruleStore, rules.NewStatsArena(), logger)
	sink := audit.NewMemorySink()
	svc := New(
		txStore,
		scoring.NewScorer(nil, nil),
		evaluator,
		ml,
		audit.NewRecorder(sink, logger),
		logger,
	).WithClock(func() time.Time { return quietTime })

	return &testEnv{svc: svc, txStore: txStore, ruleStore: ruleStore, sink: sink}
}

func benignRequest() *Request {
	return &Request{
		Amount:               1000,
		Currency:             "USD",
		Type:                 transaction.TypePurchase,
		CardNumber:           "4111111111111111",
		CardholderName:       "Jane Doe",
		MerchantID:           "merch_1",
		MerchantName:         "Corner Cafe",
		MerchantCategoryCode: "5812",
		CountryCode:          "CO",
		IPAddress:            "203.0.113.10",
	}
}

func TestProcess_ApprovesLowRiskTransaction(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.svc.Process(context.Background(), benignRequest())
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	tx := res.Transaction
	if tx.Status != transaction.StatusApproved {
		t.Errorf("expected approved, got %s", tx.Status)
	}
	if res.FinalScore != 0 || res.Monitor {
		t.Errorf("expected score 0 without monitoring, got %.1f monitor=%v", res.FinalScore, res.Monitor)
	}
	if !strings.HasPrefix(tx.TransactionID, "TXN_") {
		t.Errorf("expected generated business id, got %s", tx.TransactionID)
	}

	// Card data is stored masked, never raw.
	if tx.CardNumber != "4111********1111" {
		t.Errorf("card not masked: %s", tx.CardNumber)
	}
	if len(tx.CardHash) != 64 || tx.BIN != "411111" || tx.CardBrand != transaction.BrandVisa {
		t.Errorf("card derivations wrong: hash=%q bin=%q brand=%q", tx.CardHash, tx.BIN, tx.CardBrand)
	}

	// Decision is persisted, not just returned.
	stored, err := env.txStore.GetByTransactionID(context.Background(), tx.TransactionID)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	if stored.Status != transaction.StatusApproved {
		t.Errorf("stored status %s", stored.Status)
	}

	events := env.sink.Events()
	if len(events) != 1 || events[0].Action != audit.ActionProcessed {
		t.Errorf("expected one processed audit event, got %+v", events)
	}
}

func TestProcess_RejectsDuplicateBusinessID(t *testing.T) {
	env := newTestEnv(t, nil)

	req := benignRequest()
	req.TransactionID = "TXN_FIXED"
	if _, err := env.svc.Process(context.Background(), req); err != nil {
		t.Fatalf("first process: %v", err)
	}

	again := benignRequest()
	again.TransactionID = "TXN_FIXED"
	if _, err := env.svc.Process(context.Background(), again); !errors.Is(err, ErrDuplicateTransaction) {
		t.Errorf("expected ErrDuplicateTransaction, got %v", err)
	}
}

func TestProcess_HighRiskGoesToReview(t *testing.T) {
	env := newTestEnv(t, nil)

	req := benignRequest()
	req.Amount = 13_000_000
	req.CountryCode = "VE"

	res, err := env.svc.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Transaction.Status != transaction.StatusUnderReview {
		t.Errorf("expected under_review, got %s", res.Transaction.Status)
	}
	if res.BaseScore != 80 || res.FinalScore != 80 {
		t.Errorf("expected base=final=80, got base=%.1f final=%.1f", res.BaseScore, res.FinalScore)
	}
	if res.Transaction.DecisionReason == "" {
		t.Error("expected a decision reason")
	}
}

func TestProcess_RuleBlockOverridesScore(t *testing.T) {
	env := newTestEnv(t, nil, &rules.Rule{
		ID:       "r1",
		Name:     "sanctioned countries",
		Type:     rules.TypeCountryBlacklist,
		Action:   rules.ActionReject,
		Status:   rules.StatusActive,
		Priority: 90,
		Conditions: rules.Conditions{
			CountryBlacklist: &rules.CountryBlacklistConditions{BlacklistedCountries: []string{"CO"}},
		},
		RiskWeight: 50,
	})

	res, err := env.svc.Process(context.Background(), benignRequest())
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	tx := res.Transaction
	if tx.Status != transaction.StatusBlocked {
		t.Errorf("expected blocked, got %s", tx.Status)
	}
	if tx.RuleResults == nil || !tx.RuleResults.BlockedByRule {
		t.Errorf("expected rule block recorded, got %+v", tx.RuleResults)
	}
	if !strings.Contains(tx.DecisionReason, "sanctioned countries") {
		t.Errorf("expected the rule name in the reason, got %q", tx.DecisionReason)
	}
}

func TestProcess_BlendsMLScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]float64{"riskScore": 100})
	}))
	defer srv.Close()

	env := newTestEnv(t, mlscore.New(srv.URL, time.Second, discardLogger()))

	res, err := env.svc.Process(context.Background(), benignRequest())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.MLScore == nil || *res.MLScore != 100 {
		t.Fatalf("expected ml score 100, got %v", res.MLScore)
	}
	// 0 base + 0 rules + 100*0.3 = 30: approved but monitored.
	if res.FinalScore != 30 || !res.Monitor {
		t.Errorf("expected final 30 with monitoring, got %.1f monitor=%v", res.FinalScore, res.Monitor)
	}
	if res.Transaction.Status != transaction.StatusApproved {
		t.Errorf("expected approved, got %s", res.Transaction.Status)
	}
}

func TestProcess_DegradedMLServiceDoesNotFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	env := newTestEnv(t, mlscore.New(srv.URL, time.Second, discardLogger()))

	res, err := env.svc.Process(context.Background(), benignRequest())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.MLScore != nil {
		t.Errorf("expected nil ml score, got %v", res.MLScore)
	}
	if res.Transaction.Status != transaction.StatusApproved {
		t.Errorf("expected approved on rules alone, got %s", res.Transaction.Status)
	}
}

func TestProcess_ApprovedTransactionTeachesDeviceHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	devices := rules.NewMemoryDeviceHistory()
	env.svc.WithDeviceHistory(devices)

	req := benignRequest()
	req.DeviceFingerprint = "dev_abc"

	res, err := env.svc.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	known, err := devices.KnownDevice(context.Background(), res.Transaction.CardHash, "dev_abc")
	if err != nil {
		t.Fatalf("known device: %v", err)
	}
	if !known {
		t.Error("approved transaction should register the device")
	}
}

func TestReview_TransitionsAndAudits(t *testing.T) {
	env := newTestEnv(t, nil)

	req := benignRequest()
	req.Amount = 13_000_000
	req.CountryCode = "VE"
	res, err := env.svc.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	id := res.Transaction.TransactionID

	out, err := env.svc.Review(context.Background(), id, &ReviewRequest{
		NewStatus:         transaction.StatusApproved,
		ReviewedBy:        "analyst_1",
		Notes:             "verified with cardholder",
		AuthorizationCode: "AUTH123",
	})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if out.OldStatus != transaction.StatusUnderReview {
		t.Errorf("expected old status under_review, got %s", out.OldStatus)
	}

	tx := out.Transaction
	if tx.Status != transaction.StatusApproved || tx.ReviewedBy != "analyst_1" {
		t.Errorf("review did not apply: %+v", tx)
	}
	if tx.ReviewedAt == nil || tx.AuthorizationCode != "AUTH123" {
		t.Errorf("review metadata missing: reviewedAt=%v auth=%q", tx.ReviewedAt, tx.AuthorizationCode)
	}

	events := env.sink.Events()
	if len(events) != 2 || events[1].Action != audit.ActionReviewed {
		t.Errorf("expected processed + reviewed audit events, got %+v", events)
	}

	// Approved is terminal; a second review must not go through.
	_, err = env.svc.Review(context.Background(), id, &ReviewRequest{
		NewStatus:  transaction.StatusRejected,
		ReviewedBy: "analyst_2",
	})
	if !errors.Is(err, ErrNotReviewable) {
		t.Errorf("expected ErrNotReviewable, got %v", err)
	}
}

func TestReview_UnknownTransaction(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.Review(context.Background(), "TXN_MISSING", &ReviewRequest{
		NewStatus:  transaction.StatusApproved,
		ReviewedBy: "analyst_1",
	})
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("expected ErrTransactionNotFound, got %v", err)
	}
}
