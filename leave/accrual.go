/*
accrual.go - Periodic credits, year-end carryover, manual adjustments

PURPOSE:
  The batch side of the engine. Monthly accrual credits every eligible
  user under every active FIXED policy; year-end carryover forfeits the
  excess above the policy cap; adjustments are admin-driven one-off
  entries. All three write through the ledger, never around it.

IDEMPOTENCE:
  Batch runs are safe to re-run. Each periodic credit carries an
  idempotency key unique to (user, leaveType, period); the ledger's
  uniqueness constraint rejects the duplicate and the run counts it as
  skipped. Partial completion is acceptable because the rerun covers
  the remainder - idempotence substitutes for true resumability.
*/
package leave

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type AccrualEngine struct {
	store   Store
	catalog *Catalog
	ledger  *Ledger
	users   UserDirectory
	clock   Clock
	log     *zap.Logger
}

func NewAccrualEngine(store Store, catalog *Catalog, ledger *Ledger, users UserDirectory, log *zap.Logger) *AccrualEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &AccrualEngine{
		store:   store,
		catalog: catalog,
		ledger:  ledger,
		users:   users,
		clock:   SystemClock,
		log:     log.Named("leave.accrual"),
	}
}

// RunSummary reports what a batch run did. Errors lists per-user
// failures that did not stop the run.
type RunSummary struct {
	Credited int
	Debited  int
	Skipped  int
	Errors   []string
}

// =============================================================================
// MONTHLY ACCRUAL
// =============================================================================

// AccrualKey is the idempotency key for one periodic credit:
// unique per (user, leaveType, month, year).
func AccrualKey(user UserID, lt LeaveTypeID, year int, month time.Month) string {
	return fmt.Sprintf("ACCRUAL-%s-%s-%04d-%02d", user, lt, year, month)
}

// CarryoverKey is the idempotency key for one year-end forfeit.
func CarryoverKey(user UserID, lt LeaveTypeID, year int) string {
	return fmt.Sprintf("CARRYOVER-%s-%s-%04d", user, lt, year)
}

// assignment pairs a policy with the users a batch run processes
// under it.
type assignment struct {
	policy Policy
	users  []UserID
}

// policyAssignments maps every active policy to the users it governs,
// honoring branch-over-org-wide resolution: a user whose branch has an
// active branch-specific policy for a leave type is never processed
// under the org-wide policy for that type, even when the branch policy
// does nothing.
func (e *AccrualEngine) policyAssignments(ctx context.Context, org OrgID, policies []Policy) ([]assignment, error) {
	byType := make(map[LeaveTypeID][]Policy)
	var typeOrder []LeaveTypeID
	for _, p := range policies {
		if !p.Active {
			continue
		}
		if _, seen := byType[p.LeaveTypeID]; !seen {
			typeOrder = append(typeOrder, p.LeaveTypeID)
		}
		byType[p.LeaveTypeID] = append(byType[p.LeaveTypeID], p)
	}

	var out []assignment
	for _, lt := range typeOrder {
		covered := make(map[UserID]bool)
		var orgWide *Policy
		for _, p := range byType[lt] {
			p := p
			if p.BranchID == nil {
				orgWide = &p
				continue
			}
			users, err := e.users.EligibleUsers(ctx, org, p.BranchID)
			if err != nil {
				return nil, fmt.Errorf("list eligible users for policy %s: %w", p.ID, err)
			}
			for _, u := range users {
				covered[u] = true
			}
			out = append(out, assignment{policy: p, users: users})
		}
		if orgWide == nil {
			continue
		}
		users, err := e.users.EligibleUsers(ctx, org, nil)
		if err != nil {
			return nil, fmt.Errorf("list eligible users for policy %s: %w", orgWide.ID, err)
		}
		var remaining []UserID
		for _, u := range users {
			if !covered[u] {
				remaining = append(remaining, u)
			}
		}
		out = append(out, assignment{policy: *orgWide, users: remaining})
	}
	return out, nil
}

// RunMonthlyAccrual credits the period's accrual for every eligible
// user under every active policy with method != NONE. Branch-specific
// policies win: a user in a branch with its own policy accrues at the
// branch rate, never the org-wide one. Re-running the same period does
// not double-credit: the per-(user, leaveType, period) key is enforced
// by the ledger store, not by trusting the caller.
func (e *AccrualEngine) RunMonthlyAccrual(ctx context.Context, org OrgID, month time.Month, year int) (*RunSummary, error) {
	if month < time.January || month > time.December {
		return nil, fmt.Errorf("%w: month %d out of range", ErrBadRequest, month)
	}
	policies, err := e.store.ListPolicies(ctx, org)
	if err != nil {
		return nil, err
	}
	assignments, err := e.policyAssignments(ctx, org, policies)
	if err != nil {
		return nil, err
	}

	summary := &RunSummary{}
	for _, a := range assignments {
		p := a.policy
		if p.AccrualMethod == AccrualNone {
			continue
		}
		credit := p.AccrualRateHours.Round(p.RoundingPlaces)
		if !credit.IsPositive() {
			continue
		}

		for _, user := range a.users {
			if err := e.creditUser(ctx, user, p, credit, year, month, summary); err != nil {
				// One bad user must not sink the batch; the rerun picks
				// up whatever this pass missed.
				summary.Errors = append(summary.Errors, fmt.Sprintf("user %s: %v", user, err))
				e.log.Warn("accrual credit failed",
					zap.String("user_id", string(user)),
					zap.String("policy_id", string(p.ID)),
					zap.Error(err),
				)
			}
		}
	}

	e.log.Info("monthly accrual run finished",
		zap.String("org_id", string(org)),
		zap.Int("year", year),
		zap.Int("month", int(month)),
		zap.Int("credited", summary.Credited),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", len(summary.Errors)),
	)
	return summary, nil
}

func (e *AccrualEngine) creditUser(ctx context.Context, user UserID, p Policy, credit decimal.Decimal, year int, month time.Month, summary *RunSummary) error {
	// Absolute balance cap: never credit past it.
	if p.MaxBalanceHours != nil {
		balance, err := e.ledger.CurrentBalance(ctx, user, p.LeaveTypeID)
		if err != nil {
			return err
		}
		headroom := p.MaxBalanceHours.Sub(balance)
		if !headroom.IsPositive() {
			summary.Skipped++
			return nil
		}
		if credit.GreaterThan(headroom) {
			credit = headroom
		}
	}

	_, err := e.ledger.Append(ctx, AppendInput{
		UserID:         user,
		LeaveTypeID:    p.LeaveTypeID,
		Type:           EntryCredit,
		DeltaHours:     credit,
		Reason:         fmt.Sprintf("monthly accrual %04d-%02d", year, month),
		Reference:      Reference{Kind: RefAccrual, ID: fmt.Sprintf("%04d-%02d", year, month)},
		IdempotencyKey: AccrualKey(user, p.LeaveTypeID, year, month),
		CreatedBy:      "system",
	})
	var dup *DuplicateEntryError
	if errors.As(err, &dup) {
		summary.Skipped++
		return nil
	}
	if err != nil {
		return err
	}
	summary.Credited++
	return nil
}

// =============================================================================
// YEAR-END CARRYOVER
// =============================================================================

// RunYearEndCarryover caps every user's carried balance at the policy's
// carryoverMaxHours. The branch policy's cap applies to its branch's
// users, the org-wide cap to everyone else. The excess is written as a
// DEBIT "forfeited" entry so the ledger stays the single source of
// truth.
func (e *AccrualEngine) RunYearEndCarryover(ctx context.Context, org OrgID, year int) (*RunSummary, error) {
	policies, err := e.store.ListPolicies(ctx, org)
	if err != nil {
		return nil, err
	}
	assignments, err := e.policyAssignments(ctx, org, policies)
	if err != nil {
		return nil, err
	}

	summary := &RunSummary{}
	for _, a := range assignments {
		p := a.policy
		for _, user := range a.users {
			if err := e.forfeitExcess(ctx, user, p, year, summary); err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("user %s: %v", user, err))
				e.log.Warn("carryover forfeit failed",
					zap.String("user_id", string(user)),
					zap.String("policy_id", string(p.ID)),
					zap.Error(err),
				)
			}
		}
	}

	e.log.Info("year-end carryover run finished",
		zap.String("org_id", string(org)),
		zap.Int("year", year),
		zap.Int("forfeited", summary.Debited),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, nil
}

func (e *AccrualEngine) forfeitExcess(ctx context.Context, user UserID, p Policy, year int, summary *RunSummary) error {
	balance, err := e.ledger.CurrentBalance(ctx, user, p.LeaveTypeID)
	if err != nil {
		return err
	}
	excess := balance.Sub(p.CarryoverMaxHours)
	if !excess.IsPositive() {
		summary.Skipped++
		return nil
	}

	entry, err := e.ledger.Append(ctx, AppendInput{
		UserID:         user,
		LeaveTypeID:    p.LeaveTypeID,
		Type:           EntryDebit,
		DeltaHours:     excess.Neg(),
		Reason:         fmt.Sprintf("forfeited above carryover cap at end of %d", year),
		Reference:      Reference{Kind: RefCarryover, ID: fmt.Sprintf("%04d", year)},
		IdempotencyKey: CarryoverKey(user, p.LeaveTypeID, year),
		CreatedBy:      "system",
	})
	var dup *DuplicateEntryError
	if errors.As(err, &dup) {
		summary.Skipped++
		return nil
	}
	if err != nil {
		return err
	}
	summary.Debited++

	return e.store.RecordAudit(ctx, AuditEvent{
		ID:        uuid.NewString(),
		Action:    AuditCarryover,
		ActorID:   "system",
		EntityID:  string(entry.ID),
		Payload:   map[string]any{"user_id": string(user), "forfeited_hours": excess.String(), "year": year},
		CreatedAt: e.clock(),
	})
}

// =============================================================================
// MANUAL ADJUSTMENT
// =============================================================================

// AdjustBalance writes an administrative CREDIT or DEBIT, always logged
// with the acting user.
func (e *AccrualEngine) AdjustBalance(ctx context.Context, org OrgID, user UserID, lt LeaveTypeID, delta decimal.Decimal, reason string, actingUser UserID) (*LedgerEntry, error) {
	if delta.IsZero() {
		return nil, fmt.Errorf("%w: adjustment delta cannot be zero", ErrBadRequest)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: adjustment reason is required", ErrBadRequest)
	}
	if _, err := e.catalog.GetLeaveType(ctx, org, lt); err != nil {
		return nil, err
	}

	entryType := EntryCredit
	if delta.IsNegative() {
		entryType = EntryDebit
	}
	adjustmentID := uuid.NewString()

	entry, err := e.ledger.Append(ctx, AppendInput{
		UserID:      user,
		LeaveTypeID: lt,
		Type:        entryType,
		DeltaHours:  delta,
		Reason:      reason,
		Reference:   Reference{Kind: RefAdjustment, ID: adjustmentID},
		CreatedBy:   string(actingUser),
	})
	if err != nil {
		return nil, err
	}

	if err := e.store.RecordAudit(ctx, AuditEvent{
		ID:        adjustmentID,
		Action:    AuditManualAdjust,
		ActorID:   string(actingUser),
		EntityID:  string(entry.ID),
		Payload:   map[string]any{"user_id": string(user), "delta_hours": delta.String(), "reason": reason},
		CreatedAt: e.clock(),
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// =============================================================================
// REPORTING - data only, formatting is external
// =============================================================================

// LedgerHistory is the chronological replay for audit and reporting.
func (e *AccrualEngine) LedgerHistory(ctx context.Context, user UserID, lt LeaveTypeID) ([]LedgerEntry, error) {
	return e.ledger.History(ctx, user, lt)
}

// BalanceSummary is one CSV-exportable row: current balance plus
// lifetime totals for a (user, leaveType) key.
type BalanceSummary struct {
	UserID        UserID
	LeaveTypeID   LeaveTypeID
	Balance       decimal.Decimal
	TotalCredited decimal.Decimal
	TotalDebited  decimal.Decimal
	Entries       int
}

// BalanceSummaries builds summary rows for the given users. Rendering
// (CSV, reports) is an external concern.
func (e *AccrualEngine) BalanceSummaries(ctx context.Context, users []UserID, lt LeaveTypeID) ([]BalanceSummary, error) {
	summaries := make([]BalanceSummary, 0, len(users))
	for _, user := range users {
		entries, err := e.ledger.History(ctx, user, lt)
		if err != nil {
			return nil, err
		}
		s := BalanceSummary{
			UserID:        user,
			LeaveTypeID:   lt,
			Balance:       decimal.Zero,
			TotalCredited: decimal.Zero,
			TotalDebited:  decimal.Zero,
			Entries:       len(entries),
		}
		for _, en := range entries {
			if en.DeltaHours.IsPositive() {
				s.TotalCredited = s.TotalCredited.Add(en.DeltaHours)
			} else {
				s.TotalDebited = s.TotalDebited.Add(en.DeltaHours.Neg())
			}
			s.Balance = en.BalanceAfter
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}
