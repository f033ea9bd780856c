package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/Morse2580/Mimir-sub001/internal/store"
	"github.com/Morse2580/Mimir-sub001/pkg/config"
	"github.com/Morse2580/Mimir-sub001/pkg/errors"
	"github.com/Morse2580/Mimir-sub001/pkg/events"
	"github.com/Morse2580/Mimir-sub001/pkg/logging"
)

// Approval levels that may clear an active kill switch
const (
	ApprovalCLevel    = "c_level"
	ApprovalEmergency = "emergency"
)

// Governor enforces the monthly spend ceiling per tenant. Spend lives in
// the shared store as an atomic integer counter keyed by calendar month;
// the kill switch is a separately expiring flag checked before anything
// else.
type Governor struct {
	store     *store.Client
	publisher events.Publisher
	logger    *logging.Logger
	config    *config.BudgetConfig

	cap          Money
	thresholdAmt Money
}

// PreflightResult is the admission decision for one prospective call
type PreflightResult struct {
	Allowed             bool    `json:"allowed"`
	Reason              string  `json:"reason,omitempty"`
	CurrentSpend        Money   `json:"current_spend"`
	ProposedCost        Money   `json:"proposed_cost"`
	ProjectedSpend      Money   `json:"projected_spend"`
	UtilizationAfter    float64 `json:"utilization_after"`
	KillSwitchActive    bool    `json:"kill_switch_active"`
	KillSwitchTriggered bool    `json:"kill_switch_triggered"`
}

// State is a point-in-time budget snapshot for a tenant
type State struct {
	Tenant           string  `json:"tenant"`
	Period           string  `json:"period"`
	CurrentSpend     Money   `json:"current_spend"`
	MonthlyCap       Money   `json:"monthly_cap"`
	Utilization      float64 `json:"utilization"`
	Status           Status  `json:"status"`
	KillSwitchActive bool    `json:"kill_switch_active"`
}

// NewGovernor creates a budget governor. The configured cap must parse
// as an exact amount and the threshold must sit in (0, 100].
func NewGovernor(client *store.Client, publisher events.Publisher, logger *logging.Logger, cfg *config.BudgetConfig) (*Governor, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("budget configuration is required")
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	if publisher == nil {
		publisher = events.NewNoop()
	}

	cap, err := ParseMoney(cfg.MonthlyCap)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid monthly cap %q", cfg.MonthlyCap)).WithCause(err)
	}
	if cap <= 0 {
		return nil, errors.NewValidationError("monthly cap must be positive")
	}
	if cfg.KillSwitchThreshold <= 0 || cfg.KillSwitchThreshold > 100 {
		return nil, errors.NewValidationError(fmt.Sprintf("kill switch threshold must be in (0, 100], got %v", cfg.KillSwitchThreshold))
	}

	return &Governor{
		store:        client,
		publisher:    publisher,
		logger:       logger,
		config:       cfg,
		cap:          cap,
		thresholdAmt: ThresholdAmount(cap, cfg.KillSwitchThreshold),
	}, nil
}

// Cap returns the configured monthly cap
func (g *Governor) Cap() Money {
	return g.cap
}

// spendKey is the month-scoped spend counter for a tenant
func (g *Governor) spendKey(tenant string, now time.Time) string {
	return fmt.Sprintf("cost:spend:%s:%s", tenant, now.UTC().Format("2006-01"))
}

func (g *Governor) killSwitchKey(tenant string) string {
	return fmt.Sprintf("cost:kill_switch:%s", tenant)
}

const tenantsKey = "cost:tenants"

// Preflight decides whether one call of the given type may proceed.
// The kill switch is checked first and fails closed: if its state cannot
// be determined the call is denied. A spend-read failure on the allow
// path degrades to projecting from zero instead.
func (g *Governor) Preflight(ctx context.Context, tenant, apiType, processor string) (*PreflightResult, error) {
	if tenant == "" {
		return nil, errors.NewValidationError("tenant is required")
	}

	active, err := g.killSwitchActive(ctx, tenant)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("kill switch check", err)
	}
	if active {
		return &PreflightResult{
			Allowed:          false,
			Reason:           fmt.Sprintf("kill switch active for tenant %s", tenant),
			KillSwitchActive: true,
		}, nil
	}

	cost, err := CostOf(apiType, processor)
	if err != nil {
		return nil, err
	}

	current, err := g.currentSpend(ctx, tenant, time.Now())
	if err != nil {
		// Degrade to the safe default rather than blocking all calls
		g.logger.WithContext(ctx).WithError(err).Warn("Spend read failed, projecting from zero")
		current = 0
	}

	g.rememberTenant(ctx, tenant)

	projected := current + cost
	result := &PreflightResult{
		CurrentSpend:     current,
		ProposedCost:     cost,
		ProjectedSpend:   projected,
		UtilizationAfter: UtilizationPercent(projected, g.cap),
	}

	if projected > g.thresholdAmt {
		g.activateKillSwitch(ctx, tenant, projected, result.UtilizationAfter)
		result.Allowed = false
		result.KillSwitchTriggered = true
		result.Reason = fmt.Sprintf("projected spend %s exceeds %s threshold of cap %s",
			projected, g.thresholdAmt, g.cap)
		return result, nil
	}

	result.Allowed = true
	return result, nil
}

// Record adds the cost of one completed call to the tenant's monthly
// spend and returns the new exact total. A failed increment surfaces to
// the caller; spend records are never dropped silently.
func (g *Governor) Record(ctx context.Context, tenant, apiType, processor string) (Money, error) {
	if tenant == "" {
		return 0, errors.NewValidationError("tenant is required")
	}

	cost, err := CostOf(apiType, processor)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	previous, err := g.currentSpend(ctx, tenant, now)
	if err != nil {
		return 0, err
	}

	newTotal, err := g.store.IncrByWithExpiry(ctx, g.spendKey(tenant, now), int64(cost), g.config.SpendTTL)
	if err != nil {
		return 0, err
	}
	total := Money(newTotal)

	g.rememberTenant(ctx, tenant)

	before := StatusForUtilization(UtilizationMilliPercent(previous, g.cap))
	after := StatusForUtilization(UtilizationMilliPercent(total, g.cap))
	if before != after {
		evt := events.New(events.TypeBudgetThresholdCrossed).
			WithTenant(tenant).
			WithPayload("from_status", string(before)).
			WithPayload("to_status", string(after)).
			WithPayload("total_eur", total.String()).
			WithPayload("utilization", UtilizationPercent(total, g.cap))
		g.publisher.Publish(ctx, evt)

		g.logger.WithContext(ctx).WithFields(logging.Fields{
			"tenant":      tenant,
			"from_status": string(before),
			"to_status":   string(after),
			"total_eur":   total.String(),
		}).Info("Budget threshold crossed")
	}

	return total, nil
}

// Status returns the tenant's current budget snapshot
func (g *Governor) Status(ctx context.Context, tenant string) (*State, error) {
	now := time.Now()
	current, err := g.currentSpend(ctx, tenant, now)
	if err != nil {
		return nil, err
	}

	active, err := g.killSwitchActive(ctx, tenant)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("kill switch check", err)
	}

	milliPct := UtilizationMilliPercent(current, g.cap)
	return &State{
		Tenant:           tenant,
		Period:           now.UTC().Format("2006-01"),
		CurrentSpend:     current,
		MonthlyCap:       g.cap,
		Utilization:      float64(milliPct) / 1000,
		Status:           StatusForUtilization(milliPct),
		KillSwitchActive: active,
	}, nil
}

// Rollover resets the tenant's current period: the spend counter and the
// kill switch are deleted. Scheduled for the first of each month and
// available for manual resets.
func (g *Governor) Rollover(ctx context.Context, tenant string) error {
	_, err := g.store.Del(ctx, g.spendKey(tenant, time.Now()), g.killSwitchKey(tenant))
	if err != nil {
		return err
	}

	g.publisher.Publish(ctx, events.New(events.TypeBudgetReset).WithTenant(tenant))
	g.logger.WithContext(ctx).WithFields(logging.Fields{"tenant": tenant}).Info("Budget period reset")
	return nil
}

// Tenants lists every tenant that has recorded spend this period
func (g *Governor) Tenants(ctx context.Context) ([]string, error) {
	return g.store.SMembers(ctx, tenantsKey)
}

// RolloverAll resets every tenant seen this period
func (g *Governor) RolloverAll(ctx context.Context) error {
	tenants, err := g.store.SMembers(ctx, tenantsKey)
	if err != nil {
		return err
	}

	for _, tenant := range tenants {
		if err := g.Rollover(ctx, tenant); err != nil {
			g.logger.WithContext(ctx).WithError(err).WithFields(logging.Fields{"tenant": tenant}).Error("Rollover failed")
		}
	}
	return nil
}

// Override clears an active kill switch without touching spend. Only
// c-level and emergency approvals qualify. Returns whether a switch was
// actually cleared.
func (g *Governor) Override(ctx context.Context, tenant, approvalLevel string) (bool, error) {
	if approvalLevel != ApprovalCLevel && approvalLevel != ApprovalEmergency {
		g.logger.WithContext(ctx).WithFields(logging.Fields{
			"tenant":         tenant,
			"approval_level": approvalLevel,
		}).Warn("Kill switch override rejected")
		return false, nil
	}

	active, err := g.killSwitchActive(ctx, tenant)
	if err != nil {
		return false, errors.NewStoreUnavailableError("kill switch check", err)
	}
	if !active {
		return false, nil
	}

	if _, err := g.store.Del(ctx, g.killSwitchKey(tenant)); err != nil {
		return false, err
	}

	g.publisher.Publish(ctx, events.New(events.TypeKillSwitchOverridden).
		WithTenant(tenant).
		WithPayload("approval_level", approvalLevel))

	g.logger.WithContext(ctx).WithFields(logging.Fields{
		"tenant":         tenant,
		"approval_level": approvalLevel,
	}).Warn("Kill switch overridden")
	return true, nil
}

// KillSwitchActive reports whether the tenant's kill switch is set
func (g *Governor) KillSwitchActive(ctx context.Context, tenant string) (bool, error) {
	return g.killSwitchActive(ctx, tenant)
}

func (g *Governor) killSwitchActive(ctx context.Context, tenant string) (bool, error) {
	count, err := g.store.Exists(ctx, g.killSwitchKey(tenant))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (g *Governor) currentSpend(ctx context.Context, tenant string, now time.Time) (Money, error) {
	val, err := g.store.GetInt64(ctx, g.spendKey(tenant, now))
	if err != nil {
		return 0, err
	}
	return Money(val), nil
}

func (g *Governor) activateKillSwitch(ctx context.Context, tenant string, projected Money, utilizationAfter float64) {
	if err := g.store.Set(ctx, g.killSwitchKey(tenant), "1", g.config.KillSwitchTTL); err != nil {
		// The denial stands either way; the flag just won't persist
		g.logger.WithContext(ctx).WithError(err).WithFields(logging.Fields{"tenant": tenant}).Error("Failed to persist kill switch")
	}

	g.publisher.Publish(ctx, events.New(events.TypeKillSwitchActivated).
		WithTenant(tenant).
		WithPayload("projected_eur", projected.String()).
		WithPayload("threshold_eur", g.thresholdAmt.String()).
		WithPayload("utilization_after", utilizationAfter))

	g.logger.WithContext(ctx).WithFields(logging.Fields{
		"tenant":        tenant,
		"projected_eur": projected.String(),
		"threshold_eur": g.thresholdAmt.String(),
	}).Warn("Kill switch activated")
}

func (g *Governor) rememberTenant(ctx context.Context, tenant string) {
	if err := g.store.SAdd(ctx, tenantsKey, tenant); err != nil {
		g.logger.WithContext(ctx).WithError(err).WithFields(logging.Fields{"tenant": tenant}).Debug("Failed to remember tenant")
	}
}
