package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paylens/fraudguard/internal/audit"
	"github.com/paylens/fraudguard/internal/idgen"
	"github.com/paylens/fraudguard/internal/logging"
	"github.com/paylens/fraudguard/internal/pagination"
	"github.com/paylens/fraudguard/internal/pipeline"
	"github.com/paylens/fraudguard/internal/rules"
	"github.com/paylens/fraudguard/internal/transaction"
	"github.com/paylens/fraudguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

type processTransactionRequest struct {
	TransactionID        string  `json:"transactionId"`
	Amount               float64 `json:"amount" binding:"required"`
	Currency             string  `json:"currency" binding:"required"`
	Type                 string  `json:"type"`
	CardNumber           string  `json:"cardNumber" binding:"required"`
	CardholderName       string  `json:"cardholderName"`
	MerchantID           string  `json:"merchantId" binding:"required"`
	MerchantName         string  `json:"merchantName"`
	MerchantCategoryCode string  `json:"merchantCategoryCode" binding:"required"`
	CountryCode          string  `json:"countryCode" binding:"required"`
	City                 string  `json:"city"`
	IPAddress            string  `json:"ipAddress"`
	UserAgent            string  `json:"userAgent"`
	DeviceFingerprint    string  `json:"deviceFingerprint"`
}

// processTransaction handles POST /v1/transactions
func (s *Server) processTransaction(c *gin.Context) {
	ctx := c.Request.Context()

	var req processTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	txType := transaction.Type(req.Type)
	if req.Type == "" {
		txType = transaction.TypePurchase
	}

	verrs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.ValidCurrency("currency", req.Currency),
		validation.ValidCountry("countryCode", req.CountryCode),
		validation.ValidMCC("merchantCategoryCode", req.MerchantCategoryCode),
		validation.ValidCard("cardNumber", req.CardNumber),
		validation.MaxLength("merchantName", req.MerchantName, 200),
	)
	if !txType.Valid() {
		verrs = append(verrs, validation.ValidationError{Field: "type", Message: "unknown transaction type"})
	}
	if req.TransactionID != "" && !validation.IsValidTransactionID(req.TransactionID) {
		verrs = append(verrs, validation.ValidationError{Field: "transactionId", Message: "must be 1-64 alphanumeric, dash, or underscore characters"})
	}
	if len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": verrs,
		})
		return
	}

	ip := req.IPAddress
	if ip == "" {
		ip = c.ClientIP()
	}

	result, err := s.pipeline.Process(ctx, &pipeline.Request{
		TransactionID:        req.TransactionID,
		Amount:               req.Amount,
		Currency:             req.Currency,
		Type:                 txType,
		CardNumber:           req.CardNumber,
		CardholderName:       validation.SanitizeString(req.CardholderName, 200),
		MerchantID:           validation.SanitizeString(req.MerchantID, 100),
		MerchantName:         validation.SanitizeString(req.MerchantName, 200),
		MerchantCategoryCode: req.MerchantCategoryCode,
		CountryCode:          req.CountryCode,
		City:                 validation.SanitizeString(req.City, 100),
		IPAddress:            ip,
		UserAgent:            validation.SanitizeString(req.UserAgent, 500),
		DeviceFingerprint:    validation.SanitizeString(req.DeviceFingerprint, 200),
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrDuplicateTransaction) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_transaction",
				"message": "A transaction with this id was already processed",
			})
			return
		}
		logging.L(ctx).Error("transaction processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Failed to process transaction",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"transaction": result.Transaction,
		"scoring": gin.H{
			"baseScore":  result.BaseScore,
			"ruleScore":  result.RuleScore,
			"mlScore":    result.MLScore,
			"finalScore": result.FinalScore,
			"monitor":    result.Monitor,
		},
		"processingMs": result.Duration.Milliseconds(),
	})
}

// getTransaction handles GET /v1/transactions/:id
func (s *Server) getTransaction(c *gin.Context) {
	tx, err := s.transactions.GetByTransactionID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, transaction.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		logging.L(c.Request.Context()).Error("failed to load transaction", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, tx)
}

// listTransactions handles GET /v1/transactions
func (s *Server) listTransactions(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	filter := transaction.Filter{
		// One extra row tells us whether another page exists.
		Limit: limit + 1,
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}
	if cursor != nil {
		filter.Before = &cursor.CreatedAt
	}
	if status := c.Query("status"); status != "" {
		st := transaction.Status(status)
		if !st.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_status",
				"message": "Unknown transaction status",
			})
			return
		}
		filter.Status = &st
	}
	if v := c.Query("minRiskScore"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filter.MinRiskScore = &f
		}
	}
	if v := c.Query("maxRiskScore"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filter.MaxRiskScore = &f
		}
	}

	txs, err := s.transactions.List(c.Request.Context(), filter)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list transactions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	page, nextCursor, hasMore := pagination.ComputePage(txs, limit, func(tx *transaction.Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"transactions": page,
		"count":        len(page),
		"nextCursor":   nextCursor,
		"hasMore":      hasMore,
	})
}

// listPendingReview handles GET /v1/transactions/pending-review
func (s *Server) listPendingReview(c *gin.Context) {
	txs, err := s.transactions.ListPendingReview(c.Request.Context(), queryInt(c, "limit", 50))
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list review queue", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// transactionStats handles GET /v1/transactions/stats
func (s *Server) transactionStats(c *gin.Context) {
	ctx := c.Request.Context()
	statuses := []transaction.Status{
		transaction.StatusPending,
		transaction.StatusApproved,
		transaction.StatusRejected,
		transaction.StatusUnderReview,
		transaction.StatusBlocked,
	}

	byStatus := make(map[string]int64, len(statuses))
	var total int64
	for _, st := range statuses {
		n, err := s.transactions.CountByStatus(ctx, st)
		if err != nil {
			logging.L(ctx).Error("failed to count transactions", "status", st, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		byStatus[string(st)] = n
		total += n
	}
	c.JSON(http.StatusOK, gin.H{"byStatus": byStatus, "total": total})
}

type reviewRequest struct {
	Status            string `json:"status" binding:"required"`
	ReviewedBy        string `json:"reviewedBy" binding:"required"`
	Notes             string `json:"notes"`
	AuthorizationCode string `json:"authorizationCode"`
}

// reviewTransaction handles POST /v1/transactions/:id/review
func (s *Server) reviewTransaction(c *gin.Context) {
	ctx := c.Request.Context()

	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	newStatus := transaction.Status(req.Status)
	if newStatus != transaction.StatusApproved && newStatus != transaction.StatusRejected {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "Review status must be approved or rejected",
		})
		return
	}

	result, err := s.pipeline.Review(ctx, c.Param("id"), &pipeline.ReviewRequest{
		NewStatus:         newStatus,
		ReviewedBy:        validation.SanitizeString(req.ReviewedBy, 100),
		Notes:             validation.SanitizeString(req.Notes, validation.MaxStringLength),
		AuthorizationCode: validation.SanitizeString(req.AuthorizationCode, 50),
	})
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrTransactionNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
		case errors.Is(err, pipeline.ErrNotReviewable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_reviewable",
				"message": err.Error(),
			})
		default:
			logging.L(ctx).Error("review failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction":    result.Transaction,
		"previousStatus": result.OldStatus,
	})
}

// transactionAudit handles GET /v1/transactions/:id/audit
func (s *Server) transactionAudit(c *gin.Context) {
	events, err := s.auditSink.Query(c.Request.Context(), audit.Filter{
		TransactionID: c.Param("id"),
		Limit:         queryInt(c, "limit", 100),
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to query audit trail", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// -----------------------------------------------------------------------------
// Rules
// -----------------------------------------------------------------------------

type ruleRequest struct {
	Name        string           `json:"name" binding:"required"`
	Description string           `json:"description"`
	Type        string           `json:"type" binding:"required"`
	Action      string           `json:"action" binding:"required"`
	Status      string           `json:"status"`
	Priority    int              `json:"priority"`
	Conditions  rules.Conditions `json:"conditions"`
	Parameters  rules.Parameters `json:"parameters"`
	RiskWeight  float64          `json:"riskWeight"`
	CreatedBy   string           `json:"createdBy"`
}

// createRule handles POST /v1/rules
func (s *Server) createRule(c *gin.Context) {
	ctx := c.Request.Context()

	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	status := rules.Status(req.Status)
	if req.Status == "" {
		status = rules.StatusActive
	}

	now := time.Now()
	rule := &rules.Rule{
		ID:          idgen.New(),
		Name:        validation.SanitizeString(req.Name, 200),
		Description: validation.SanitizeString(req.Description, validation.MaxStringLength),
		Type:        rules.Type(req.Type),
		Action:      rules.Action(req.Action),
		Status:      status,
		Priority:    req.Priority,
		Conditions:  req.Conditions,
		Parameters:  req.Parameters,
		RiskWeight:  req.RiskWeight,
		CreatedBy:   validation.SanitizeString(req.CreatedBy, 100),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.ruleStore.Create(ctx, rule); err != nil {
		logging.L(ctx).Error("failed to create rule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusCreated, rule)
}

// listRules handles GET /v1/rules
func (s *Server) listRules(c *gin.Context) {
	var (
		list []*rules.Rule
		err  error
	)
	if c.Query("active") == "true" {
		list, err = s.ruleStore.ListActive(c.Request.Context())
	} else {
		list, err = s.ruleStore.List(c.Request.Context(), queryInt(c, "limit", 100))
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list rules", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": list, "count": len(list)})
}

// getRule handles GET /v1/rules/:id
func (s *Server) getRule(c *gin.Context) {
	rule, err := s.ruleStore.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Rule not found",
			})
			return
		}
		logging.L(c.Request.Context()).Error("failed to load rule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, rule)
}

// updateRule handles PUT /v1/rules/:id
func (s *Server) updateRule(c *gin.Context) {
	ctx := c.Request.Context()

	rule, err := s.ruleStore.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Rule not found",
			})
			return
		}
		logging.L(ctx).Error("failed to load rule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rule.Name = validation.SanitizeString(req.Name, 200)
	rule.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)
	rule.Type = rules.Type(req.Type)
	rule.Action = rules.Action(req.Action)
	if req.Status != "" {
		rule.Status = rules.Status(req.Status)
	}
	rule.Priority = req.Priority
	rule.Conditions = req.Conditions
	rule.Parameters = req.Parameters
	rule.RiskWeight = req.RiskWeight
	rule.UpdatedBy = validation.SanitizeString(req.CreatedBy, 100)
	rule.UpdatedAt = time.Now()

	if err := s.ruleStore.Update(ctx, rule); err != nil {
		logging.L(ctx).Error("failed to update rule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, rule)
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

// listAudit handles GET /v1/audit
func (s *Server) listAudit(c *gin.Context) {
	filter := audit.Filter{
		TransactionID: c.Query("transactionId"),
		Action:        audit.Action(c.Query("action")),
		Limit:         queryInt(c, "limit", 100),
	}
	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = t
		}
	}

	events, err := s.auditSink.Query(c.Request.Context(), filter)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to query audit trail", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
