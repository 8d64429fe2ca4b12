package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/paylens/fraudguard/internal/metrics"
	"github.com/paylens/fraudguard/internal/transaction"
)

// Detail is the per-rule outcome of one evaluation.
type Detail struct {
	RuleID     string  `json:"ruleId"`
	RuleName   string  `json:"ruleName"`
	Triggered  bool    `json:"triggered"`
	Action     Action  `json:"action"`
	RiskWeight float64 `json:"riskWeight"`
	Reason     string  `json:"reason,omitempty"`
}

// Result aggregates one catalog evaluation against a transaction.
type Result struct {
	TriggeredRules []string
	TotalRiskScore float64
	BlockedByRule  bool
	Details        []Detail
}

// errMissingConditions marks a rule whose condition payload does not match
// its type. The rule is skipped, not fatal.
var errMissingConditions = errors.New("rule conditions missing for type")

// Evaluator walks the active rule catalog against a transaction.
//
// Statistics are recorded in the arena, never on the Rule values, so
// concurrent evaluations of distinct transactions do not race.
type Evaluator struct {
	store    Store
	stats    *StatsArena
	geo      GeoIPResolver
	vpn      VPNDetector
	devices  DeviceHistory
	velocity VelocityCounter
	logger   *slog.Logger
	now      func() time.Time
}

// NewEvaluator creates a rule evaluator backed by the given catalog store
// and stats arena.
func NewEvaluator(store Store, stats *StatsArena, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		store:  store,
		stats:  stats,
		logger: logger,
		now:    time.Now,
	}
}

// WithGeoIP sets the IP geolocation capability.
func (e *Evaluator) WithGeoIP(g GeoIPResolver) *Evaluator { e.geo = g; return e }

// WithVPNDetector sets the VPN detection capability.
func (e *Evaluator) WithVPNDetector(d VPNDetector) *Evaluator { e.vpn = d; return e }

// WithDeviceHistory sets the known-device capability.
func (e *Evaluator) WithDeviceHistory(h DeviceHistory) *Evaluator { e.devices = h; return e }

// WithVelocityCounter sets the recent-transaction count capability.
func (e *Evaluator) WithVelocityCounter(v VelocityCounter) *Evaluator { e.velocity = v; return e }

// WithClock overrides the time source (tests).
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator { e.now = now; return e }

// Evaluate runs the active catalog against the transaction in priority
// order. A rule whose evaluation fails is logged and skipped; a triggered
// reject rule sets BlockedByRule and stops evaluation, leaving later rules
// unexecuted and uncounted.
func (e *Evaluator) Evaluate(ctx context.Context, tx *transaction.Transaction) (*Result, error) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}

	// The store already orders by priority; re-sorting stably here keeps
	// the invariant even for stores that don't.
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority > active[j].Priority
	})

	result := &Result{}
	for _, rule := range active {
		e.stats.RecordExecution(rule.ID)

		triggered, err := e.evalRule(ctx, rule, tx)
		if err != nil {
			metrics.RuleEvaluationErrors.Inc()
			e.logger.Error("rule evaluation failed",
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"transaction_id", tx.TransactionID,
				"error", err,
			)
			continue
		}

		detail := Detail{
			RuleID:     rule.ID,
			RuleName:   rule.Name,
			Triggered:  triggered,
			Action:     rule.Action,
			RiskWeight: rule.RiskWeight,
		}
		if triggered {
			detail.Reason = triggerReason(rule, tx)
			e.stats.RecordTrigger(rule.ID, e.now())
			result.TriggeredRules = append(result.TriggeredRules, rule.Name)
			result.TotalRiskScore += rule.RiskWeight
		}
		result.Details = append(result.Details, detail)

		if triggered && rule.Action == ActionReject {
			result.BlockedByRule = true
			break
		}
	}
	return result, nil
}

// evalRule dispatches on the rule type. Panics inside a single rule are
// recovered and surfaced as evaluation errors so one malformed rule never
// aborts the pipeline.
func (e *Evaluator) evalRule(ctx context.Context, rule *Rule, tx *transaction.Transaction) (triggered bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			triggered = false
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()

	switch rule.Type {
	case TypeAmountLimit:
		return e.evalAmountLimit(rule, tx)
	case TypeTimeRestriction:
		return e.evalTimeRestriction(rule, tx)
	case TypeCountryBlacklist:
		return e.evalCountryBlacklist(rule, tx)
	case TypeBINBlacklist:
		return e.evalBINBlacklist(rule, tx)
	case TypeVelocityCheck:
		return e.evalVelocity(ctx, rule, tx)
	case TypeMerchantCategory:
		return e.evalMerchantCategory(rule, tx)
	case TypeIPGeolocation:
		return e.evalIPGeolocation(ctx, rule, tx)
	case TypeDeviceFingerprint:
		return e.evalDeviceFingerprint(ctx, rule, tx)
	default:
		e.logger.Warn("unknown rule type, treating as non-triggering",
			"rule_id", rule.ID, "rule_type", string(rule.Type))
		return false, nil
	}
}

func (e *Evaluator) evalAmountLimit(rule *Rule, tx *transaction.Transaction) (bool, error) {
	c := rule.Conditions.AmountLimit
	if c == nil {
		return false, errMissingConditions
	}
	if c.MinAmount != nil && tx.Amount < *c.MinAmount {
		return true, nil
	}
	if c.MaxAmount != nil && tx.Amount > *c.MaxAmount {
		return true, nil
	}
	return false, nil
}

func (e *Evaluator) evalTimeRestriction(rule *Rule, tx *transaction.Transaction) (bool, error) {
	c := rule.Conditions.TimeRestriction
	if c == nil {
		return false, errMissingConditions
	}
	hour := tx.CreatedAt.Hour()
	day := tx.CreatedAt.Weekday()

	if len(c.AllowedHours) > 0 && !containsInt(c.AllowedHours, hour) {
		return true, nil
	}
	for _, d := range c.RestrictedDays {
		if d == day {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) evalCountryBlacklist(rule *Rule, tx *transaction.Transaction) (bool, error) {
	c := rule.Conditions.CountryBlacklist
	if c == nil {
		return false, errMissingConditions
	}
	return containsString(c.BlacklistedCountries, tx.CountryCode), nil
}

func (e *Evaluator) evalBINBlacklist(rule *Rule, tx *transaction.Transaction) (bool, error) {
	c := rule.Conditions.BINBlacklist
	if c == nil {
		return false, errMissingConditions
	}
	return containsString(c.BlacklistedBINs, tx.BIN), nil
}

func (e *Evaluator) evalVelocity(ctx context.Context, rule *Rule, tx *transaction.Transaction) (bool, error) {
	c := rule.Conditions.Velocity
	if c == nil {
		return false, errMissingConditions
	}
	if e.velocity == nil {
		return false, errors.New("velocity counter not configured")
	}

	window := time.Duration(c.WindowMinutes) * time.Minute
	if window <= 0 {
		window = time.Hour
	}
	count, err := e.velocity.CountRecentByCard(ctx, tx.CardHash, window)
	if err != nil {
		return false, fmt.Errorf("count recent transactions: %w", err)
	}
	return count > c.MaxTransactions, nil
}

func (e *Evaluator) evalMerchantCategory(rule *Rule, tx *transaction.Transaction) (bool, error) {
	c := rule.Conditions.MerchantCategory
	if c == nil {
		return false, errMissingConditions
	}
	mcc := tx.MerchantCategoryCode

	if containsString(c.BlockedCategories, mcc) {
		return true, nil
	}
	if containsString(c.RestrictedCategories, mcc) {
		if rule.Parameters.MaxAmount != nil && tx.Amount > *rule.Parameters.MaxAmount {
			return true, nil
		}
		if len(rule.Parameters.AllowedHours) > 0 && !containsInt(rule.Parameters.AllowedHours, tx.CreatedAt.Hour()) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) evalIPGeolocation(ctx context.Context, rule *Rule, tx *transaction.Transaction) (bool, error) {
	c := rule.Conditions.IPGeolocation
	if c == nil {
		return false, errMissingConditions
	}

	// A transaction without an IP is missing critical information.
	if tx.IPAddress == "" {
		return true, nil
	}
	if e.geo == nil {
		return false, errors.New("geoip resolver not configured")
	}

	ipCountry, err := e.geo.CountryForIP(ctx, tx.IPAddress)
	if err != nil {
		return false, fmt.Errorf("resolve ip country: %w", err)
	}
	if containsString(c.BlockedCountries, ipCountry) {
		return true, nil
	}
	if c.RequireVPNCheck && e.vpn != nil {
		isVPN, err := e.vpn.IsVPN(ctx, tx.IPAddress)
		if err != nil {
			return false, fmt.Errorf("vpn check: %w", err)
		}
		if isVPN {
			return true, nil
		}
	}
	// Geographic inconsistency: resolved country disagrees with the
	// declared one.
	return ipCountry != tx.CountryCode, nil
}

func (e *Evaluator) evalDeviceFingerprint(ctx context.Context, rule *Rule, tx *transaction.Transaction) (bool, error) {
	c := rule.Conditions.DeviceFingerprint
	if c == nil {
		return false, errMissingConditions
	}

	if tx.DeviceFingerprint == "" {
		return true, nil
	}
	if containsString(c.BlockedDevices, tx.DeviceFingerprint) {
		return true, nil
	}
	if c.RequireKnownDevice {
		if e.devices == nil {
			return false, errors.New("device history not configured")
		}
		known, err := e.devices.KnownDevice(ctx, tx.CardHash, tx.DeviceFingerprint)
		if err != nil {
			return false, fmt.Errorf("device lookup: %w", err)
		}
		if !known {
			return true, nil
		}
	}
	return false, nil
}

// triggerReason builds the human-readable explanation attached to a
// triggered rule's detail entry.
func triggerReason(rule *Rule, tx *transaction.Transaction) string {
	switch rule.Type {
	case TypeAmountLimit:
		return fmt.Sprintf("amount %.2f %s outside permitted limits", tx.Amount, tx.Currency)
	case TypeTimeRestriction:
		return "transaction made during restricted hours"
	case TypeCountryBlacklist:
		return fmt.Sprintf("country %s is blacklisted", tx.CountryCode)
	case TypeBINBlacklist:
		return fmt.Sprintf("BIN %s is blacklisted", tx.BIN)
	case TypeVelocityCheck:
		return "too many transactions in a short period"
	case TypeMerchantCategory:
		return fmt.Sprintf("merchant category %s is restricted", tx.MerchantCategoryCode)
	case TypeIPGeolocation:
		return "suspicious IP geolocation"
	case TypeDeviceFingerprint:
		return "device not recognized or blocked"
	default:
		return "rule triggered"
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}
