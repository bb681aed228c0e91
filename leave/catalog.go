/*
catalog.go - Leave type definitions and policy resolution

PURPOSE:
  Pure data access with uniqueness rules. The catalog owns leave type
  and policy lifecycle and answers "which policy governs this request":
  branch-specific policy overrides the org-wide one; no policy at all
  means no restrictions and no accrual.

SEE ALSO:
  - workflow.go: consults ResolveEffectivePolicy for approval mode and
    submission validation rules
  - accrual.go: iterates active policies for periodic credits
*/
package leave

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Catalog struct {
	store Store
	clock Clock
	log   *zap.Logger
}

func NewCatalog(store Store, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{store: store, clock: SystemClock, log: log.Named("leave.catalog")}
}

// =============================================================================
// LEAVE TYPES
// =============================================================================

type CreateLeaveTypeInput struct {
	OrgID              OrgID
	Code               string
	Name               string
	Paid               bool
	RequiresApproval   bool
	MinNoticeHours     int
	MaxConsecutiveDays int
}

// CreateLeaveType creates an org-scoped leave category. Fails with
// Conflict if (org, code) already exists.
func (c *Catalog) CreateLeaveType(ctx context.Context, in CreateLeaveTypeInput) (*LeaveType, error) {
	code := strings.TrimSpace(in.Code)
	if in.OrgID == "" || code == "" || strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: org, code and name are required", ErrBadRequest)
	}
	if in.MinNoticeHours < 0 || in.MaxConsecutiveDays < 0 {
		return nil, fmt.Errorf("%w: notice hours and max consecutive days cannot be negative", ErrBadRequest)
	}

	existing, err := c.store.FindLeaveTypeByCode(ctx, in.OrgID, code)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: leave type code %q already exists", ErrConflict, code)
	}

	lt := LeaveType{
		ID:                 LeaveTypeID(uuid.NewString()),
		OrgID:              in.OrgID,
		Code:               code,
		Name:               strings.TrimSpace(in.Name),
		Paid:               in.Paid,
		RequiresApproval:   in.RequiresApproval,
		MinNoticeHours:     in.MinNoticeHours,
		MaxConsecutiveDays: in.MaxConsecutiveDays,
		Active:             true,
		CreatedAt:          c.clock(),
	}
	if err := c.store.InsertLeaveType(ctx, lt); err != nil {
		return nil, err
	}

	c.log.Info("leave type created",
		zap.String("org_id", string(in.OrgID)),
		zap.String("leave_type_id", string(lt.ID)),
		zap.String("code", code),
	)
	return &lt, nil
}

func (c *Catalog) GetLeaveType(ctx context.Context, org OrgID, id LeaveTypeID) (*LeaveType, error) {
	lt, err := c.store.GetLeaveType(ctx, org, id)
	if err != nil {
		return nil, err
	}
	if lt == nil {
		return nil, fmt.Errorf("%w: leave type %s", ErrNotFound, id)
	}
	return lt, nil
}

func (c *Catalog) ListLeaveTypes(ctx context.Context, org OrgID) ([]LeaveType, error) {
	return c.store.ListLeaveTypes(ctx, org)
}

// DeactivateLeaveType soft-disables a leave type. Fails with Conflict
// while active policies still reference it.
func (c *Catalog) DeactivateLeaveType(ctx context.Context, org OrgID, id LeaveTypeID) error {
	if _, err := c.GetLeaveType(ctx, org, id); err != nil {
		return err
	}
	policies, err := c.store.ListActivePoliciesByLeaveType(ctx, org, id)
	if err != nil {
		return err
	}
	if len(policies) > 0 {
		return fmt.Errorf("%w: %d active policies still reference leave type %s", ErrConflict, len(policies), id)
	}
	return c.store.SetLeaveTypeActive(ctx, org, id, false)
}

// =============================================================================
// POLICIES
// =============================================================================

type CreatePolicyInput struct {
	OrgID             OrgID
	LeaveTypeID       LeaveTypeID
	BranchID          *BranchID
	AccrualMethod     AccrualMethod
	AccrualRateHours  string // decimal string, e.g. "13.34"
	CarryoverMaxHours string
	MaxBalanceHours   *string
	RoundingPlaces    int32
	ApprovalMode      ApprovalMode
}

// CreatePolicy creates the ruleset for a (org, leaveType, branch-or-nil)
// scope. Fails with NotFound if the leave type does not belong to the
// org, and with Conflict if an active policy already exists for the
// scope.
func (c *Catalog) CreatePolicy(ctx context.Context, in CreatePolicyInput) (*Policy, error) {
	lt, err := c.store.GetLeaveType(ctx, in.OrgID, in.LeaveTypeID)
	if err != nil {
		return nil, err
	}
	if lt == nil {
		return nil, fmt.Errorf("%w: leave type %s in org %s", ErrNotFound, in.LeaveTypeID, in.OrgID)
	}

	switch in.AccrualMethod {
	case AccrualNone, AccrualFixed:
	default:
		return nil, fmt.Errorf("%w: unknown accrual method %q", ErrBadRequest, in.AccrualMethod)
	}
	switch in.ApprovalMode {
	case ApprovalSingle, ApprovalTwoStep:
	default:
		return nil, fmt.Errorf("%w: unknown approval mode %q", ErrBadRequest, in.ApprovalMode)
	}
	if in.RoundingPlaces < 0 || in.RoundingPlaces > 6 {
		return nil, fmt.Errorf("%w: rounding places must be in [0, 6]", ErrBadRequest)
	}

	rate, err := parseHours(in.AccrualRateHours, "accrual rate")
	if err != nil {
		return nil, err
	}
	carryover, err := parseHours(in.CarryoverMaxHours, "carryover cap")
	if err != nil {
		return nil, err
	}
	p := Policy{
		ID:                PolicyID(uuid.NewString()),
		OrgID:             in.OrgID,
		LeaveTypeID:       in.LeaveTypeID,
		BranchID:          in.BranchID,
		AccrualMethod:     in.AccrualMethod,
		AccrualRateHours:  rate,
		CarryoverMaxHours: carryover,
		RoundingPlaces:    in.RoundingPlaces,
		ApprovalMode:      in.ApprovalMode,
		Active:            true,
		CreatedAt:         c.clock(),
	}
	if in.MaxBalanceHours != nil {
		maxBal, err := parseHours(*in.MaxBalanceHours, "max balance")
		if err != nil {
			return nil, err
		}
		p.MaxBalanceHours = &maxBal
	}

	existing, err := c.store.FindActivePolicy(ctx, in.OrgID, in.LeaveTypeID, in.BranchID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: policy already exists for (org %s, leave type %s, branch %q)",
			ErrConflict, in.OrgID, in.LeaveTypeID, p.BranchKey())
	}

	if err := c.store.InsertPolicy(ctx, p); err != nil {
		return nil, err
	}

	c.log.Info("policy created",
		zap.String("org_id", string(in.OrgID)),
		zap.String("policy_id", string(p.ID)),
		zap.String("leave_type_id", string(in.LeaveTypeID)),
		zap.String("branch", p.BranchKey()),
		zap.String("approval_mode", string(in.ApprovalMode)),
	)
	return &p, nil
}

// ResolveEffectivePolicy returns the branch-specific policy if present,
// else the org-wide (branch = nil) policy, else nil: no restrictions,
// no accrual.
func (c *Catalog) ResolveEffectivePolicy(ctx context.Context, org OrgID, branch BranchID, lt LeaveTypeID) (*Policy, error) {
	if branch != "" {
		b := branch
		p, err := c.store.FindActivePolicy(ctx, org, lt, &b)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return c.store.FindActivePolicy(ctx, org, lt, nil)
}

func (c *Catalog) ListPolicies(ctx context.Context, org OrgID) ([]Policy, error) {
	return c.store.ListPolicies(ctx, org)
}

// DeactivatePolicy soft-disables a policy.
func (c *Catalog) DeactivatePolicy(ctx context.Context, org OrgID, id PolicyID) error {
	p, err := c.store.GetPolicy(ctx, org, id)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: policy %s", ErrNotFound, id)
	}
	return c.store.SetPolicyActive(ctx, org, id, false)
}

func parseHours(s, field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q is not a valid decimal", ErrBadRequest, field, s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s cannot be negative", ErrBadRequest, field)
	}
	return d, nil
}
