// Package entitlement decides whether an organization may admit another note
// generation and classifies the resulting denials.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"clinical-scribe-service/internal/models"
	"clinical-scribe-service/internal/observability/metrics"
	"clinical-scribe-service/internal/store"
)

// Reason is the user-actionable category of a denial.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonNoEntitlement Reason = "no_entitlement"
	ReasonQuotaExceeded Reason = "quota_exceeded"
	ReasonInactive      Reason = "inactive"
)

// Messages carried in 403 responses. The quota message embeds (used/limit).
const (
	MessageNoEntitlement = "No active subscription"
	MessageInactive      = "Subscription is inactive"
	messageQuotaPrefix   = "Monthly note limit reached"
)

var usagePattern = regexp.MustCompile(`\((\d+)\s*/\s*(\d+)\)`)

// DenialError is returned when a generation request is not admitted.
type DenialError struct {
	Reason  Reason
	Current int
	Limit   int
	Message string
}

func (e *DenialError) Error() string {
	return e.Message
}

// ErrDenied is matched by every *DenialError.
var ErrDenied = errors.New("entitlement denied")

func (e *DenialError) Is(target error) bool {
	return target == ErrDenied
}

// NoEntitlement builds the no-entitlement denial.
func NoEntitlement() *DenialError {
	return &DenialError{Reason: ReasonNoEntitlement, Message: MessageNoEntitlement}
}

// Inactive builds the inactive-entitlement denial.
func Inactive() *DenialError {
	return &DenialError{Reason: ReasonInactive, Message: MessageInactive}
}

// QuotaExceeded builds the quota denial with usage embedded in the message.
func QuotaExceeded(current, limit int) *DenialError {
	return &DenialError{
		Reason:  ReasonQuotaExceeded,
		Current: current,
		Limit:   limit,
		Message: fmt.Sprintf("%s (%d/%d)", messageQuotaPrefix, current, limit),
	}
}

// Classify parses a denial message into its category. Unrecognized messages
// return nil.
func Classify(message string) *DenialError {
	msg := strings.TrimSpace(message)
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "limit reached") || strings.Contains(lower, "quota"):
		d := &DenialError{Reason: ReasonQuotaExceeded, Message: msg}
		if m := usagePattern.FindStringSubmatch(msg); m != nil {
			d.Current, _ = strconv.Atoi(m[1])
			d.Limit, _ = strconv.Atoi(m[2])
		}
		return d
	case strings.Contains(lower, "inactive"):
		return &DenialError{Reason: ReasonInactive, Message: msg}
	case strings.Contains(lower, "no active") || strings.Contains(lower, "no subscription"):
		return &DenialError{Reason: ReasonNoEntitlement, Message: msg}
	}
	return nil
}

// Plan is an organization's entitlement.
type Plan struct {
	Active       bool
	MonthlyLimit int // zero means unlimited
}

// Plans resolves the plan of an organization. ok is false when the
// organization has none.
type Plans interface {
	Plan(ctx context.Context, organizationID string) (plan Plan, ok bool, err error)
}

// UsageCounter counts admitted generation jobs.
type UsageCounter interface {
	CountJobsSince(ctx context.Context, organizationID string, types []models.JobType, since time.Time) (int, error)
}

// Checker admits or denies generation requests.
type Checker struct {
	plans   Plans
	usage   UsageCounter
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewChecker creates a checker.
func NewChecker(plans Plans, usage UsageCounter) *Checker {
	return &Checker{plans: plans, usage: usage, metrics: metrics.DefaultMetrics, now: time.Now}
}

// Check returns a *DenialError when the organization may not generate
// another note this month.
func (c *Checker) Check(ctx context.Context, organizationID string) error {
	_, err := c.Admit(ctx, organizationID)
	return err
}

// Admit checks like Check and returns the quota the new job must be created
// within, so the limit holds against concurrent admissions. The quota is nil
// for unlimited plans.
func (c *Checker) Admit(ctx context.Context, organizationID string) (*store.Quota, error) {
	plan, ok, err := c.plans.Plan(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	if !ok {
		return nil, c.deny(NoEntitlement())
	}
	if !plan.Active {
		return nil, c.deny(Inactive())
	}
	if plan.MonthlyLimit <= 0 {
		return nil, nil
	}

	quota := &store.Quota{
		Types: []models.JobType{models.JobGenerateNote, models.JobRegenerateNote},
		Since: monthStart(c.now()),
		Limit: plan.MonthlyLimit,
	}
	used, err := c.usage.CountJobsSince(ctx, organizationID, quota.Types, quota.Since)
	if err != nil {
		return nil, fmt.Errorf("count usage: %w", err)
	}
	if used >= plan.MonthlyLimit {
		return nil, c.deny(QuotaExceeded(used, plan.MonthlyLimit))
	}
	return quota, nil
}

func (c *Checker) deny(d *DenialError) error {
	c.metrics.RecordEntitlementDenial(string(d.Reason))
	return d
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// StaticPlans serves plans from configuration. Organizations not listed get
// Default when DefaultOK is set.
type StaticPlans struct {
	ByOrganization map[string]Plan
	Default        Plan
	DefaultOK      bool
}

// Plan implements Plans.
func (s StaticPlans) Plan(_ context.Context, organizationID string) (Plan, bool, error) {
	if p, ok := s.ByOrganization[organizationID]; ok {
		return p, true, nil
	}
	return s.Default, s.DefaultOK, nil
}
