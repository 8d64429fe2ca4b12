// Package mlscore calls an external machine-learning risk service.
//
// The service is optional: when no URL is configured, or when a call fails
// or times out, the client reports no score and the pipeline proceeds on
// rules and base scoring alone.
package mlscore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/paylens/fraudguard/internal/circuitbreaker"
	"github.com/paylens/fraudguard/internal/transaction"
)

// DefaultTimeout bounds a single prediction call.
const DefaultTimeout = 2 * time.Second

// predictRequest is the feature vector sent to the model.
type predictRequest struct {
	Amount               float64 `json:"amount"`
	MerchantCategoryCode string  `json:"merchantCategoryCode"`
	CountryCode          string  `json:"countryCode"`
	Hour                 int     `json:"hour"`
	DayOfWeek            int     `json:"dayOfWeek"`
	BIN                  string  `json:"bin"`
}

type predictResponse struct {
	RiskScore float64 `json:"riskScore"`
}

// breakerKey identifies the ML service in the circuit breaker.
const breakerKey = "ml_service"

// Client calls the prediction endpoint of an ML risk service. A circuit
// breaker stops hammering the service while it is down; while the circuit
// is open every Score call degrades immediately.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	timeout time.Duration
	breaker *circuitbreaker.Breaker
}

// New creates a client for the service at baseURL. An empty baseURL
// disables the client: Score always reports no score.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		timeout: timeout,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
	c.breaker.OnTransition(func(_ string, from, to circuitbreaker.State) {
		logger.Warn("ml service circuit state changed",
			"from", from.String(), "to", to.String())
	})
	return c
}

// Enabled reports whether a service URL is configured.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// Score requests a risk score for the transaction. It returns nil (no
// score) when the client is disabled or the call fails in any way; the
// failure is logged at warn level and never propagated.
func (c *Client) Score(ctx context.Context, tx *transaction.Transaction) *float64 {
	if !c.Enabled() {
		return nil
	}
	if !c.breaker.Allow(breakerKey) {
		c.logger.Debug("ml score skipped, circuit open", "transaction_id", tx.TransactionID)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := predictRequest{
		Amount:               tx.Amount,
		MerchantCategoryCode: tx.MerchantCategoryCode,
		CountryCode:          tx.CountryCode,
		Hour:                 tx.CreatedAt.Hour(),
		DayOfWeek:            int(tx.CreatedAt.Weekday()),
		BIN:                  tx.BIN,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("ml score request marshal failed", "error", err)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("ml score request build failed", "error", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		c.logger.Warn("ml score request failed", "transaction_id", tx.TransactionID, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.breaker.RecordFailure(breakerKey)
		c.logger.Warn("ml score service returned non-200",
			"transaction_id", tx.TransactionID, "status", resp.StatusCode)
		return nil
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.breaker.RecordFailure(breakerKey)
		c.logger.Warn("ml score response decode failed", "error", fmt.Errorf("decode: %w", err))
		return nil
	}
	c.breaker.RecordSuccess(breakerKey)

	score := out.RiskScore
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return &score
}
