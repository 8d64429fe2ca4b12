package mlscore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paylens/fraudguard/internal/transaction"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scoreTx() *transaction.Transaction {
	return &transaction.Transaction{
		TransactionID:        "TXN_1",
		Amount:               1500,
		MerchantCategoryCode: "5812",
		CountryCode:          "CO",
		BIN:                  "411111",
		CreatedAt:            time.Date(2024, 4, 10, 14, 0, 0, 0, time.UTC),
	}
}

func TestClient_Score(t *testing.T) {
	var gotReq predictRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(predictResponse{RiskScore: 62.5})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, discardLogger())
	score := c.Score(context.Background(), scoreTx())
	if score == nil || *score != 62.5 {
		t.Fatalf("expected 62.5, got %v", score)
	}
	if gotReq.Amount != 1500 || gotReq.BIN != "411111" || gotReq.Hour != 14 {
		t.Errorf("feature vector did not carry transaction fields: %+v", gotReq)
	}
	if gotReq.DayOfWeek != int(time.Wednesday) {
		t.Errorf("expected wednesday, got %d", gotReq.DayOfWeek)
	}
}

func TestClient_ScoreClamped(t *testing.T) {
	tests := []struct {
		raw  float64
		want float64
	}{
		{-10, 0},
		{150, 100},
	}

	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(predictResponse{RiskScore: tc.raw})
		}))
		c := New(srv.URL, time.Second, discardLogger())
		score := c.Score(context.Background(), scoreTx())
		srv.Close()
		if score == nil || *score != tc.want {
			t.Errorf("raw %.0f: expected %.0f, got %v", tc.raw, tc.want, score)
		}
	}
}

func TestClient_DisabledWithoutURL(t *testing.T) {
	c := New("", time.Second, discardLogger())
	if c.Enabled() {
		t.Error("client with no URL should be disabled")
	}
	if score := c.Score(context.Background(), scoreTx()); score != nil {
		t.Errorf("expected nil score, got %v", score)
	}
}

func TestClient_DegradesOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, discardLogger())
	if score := c.Score(context.Background(), scoreTx()); score != nil {
		t.Errorf("expected nil score on 503, got %v", score)
	}
}

func TestClient_DegradesOnBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, discardLogger())
	if score := c.Score(context.Background(), scoreTx()); score != nil {
		t.Errorf("expected nil score on decode failure, got %v", score)
	}
}

func TestClient_DegradesOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(predictResponse{RiskScore: 50})
	}))
	defer srv.Close()

	c := New(srv.URL, 20*time.Millisecond, discardLogger())
	if score := c.Score(context.Background(), scoreTx()); score != nil {
		t.Errorf("expected nil score on timeout, got %v", score)
	}
}

func TestClient_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, discardLogger())
	for i := 0; i < 5; i++ {
		if score := c.Score(context.Background(), scoreTx()); score != nil {
			t.Fatalf("call %d: expected nil score", i)
		}
	}
	if calls.Load() != 5 {
		t.Fatalf("expected 5 upstream calls, got %d", calls.Load())
	}

	// Circuit is open now; further calls degrade without touching the service.
	if score := c.Score(context.Background(), scoreTx()); score != nil {
		t.Error("expected nil score while circuit open")
	}
	if calls.Load() != 5 {
		t.Errorf("expected no extra upstream call, got %d", calls.Load())
	}
}

// logBuffer is a goroutine-safe sink for slog output.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestClient_LogsCircuitTransitions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	var out logBuffer
	logger := slog.New(slog.NewTextHandler(&out, nil))
	c := New(srv.URL, time.Second, logger)

	for i := 0; i < 5; i++ {
		c.Score(context.Background(), scoreTx())
	}

	// The transition callback runs asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "circuit state changed") {
		if time.Now().After(deadline) {
			t.Fatal("expected a circuit transition log entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(out.String(), "to=open") {
		t.Errorf("expected the open transition logged, got %q", out.String())
	}
}
