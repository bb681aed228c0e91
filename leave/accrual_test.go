/*
accrual_test.go - Batch accrual, carryover, and adjustment tests

CORE DESIGN UNDER TEST:
- Re-running a period is a no-op: idempotency keys turn the rerun into skips
- Carryover forfeits the excess as a visible DEBIT, never a silent reset
- Credits never push a balance past the policy's absolute cap
*/
package leave_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/leave/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type accrualFixture struct {
	mem     *store.Memory
	catalog *leave.Catalog
	ledger  *leave.Ledger
	engine  *leave.AccrualEngine
	lt      leave.LeaveTypeID
}

func newAccrualFixture(t *testing.T, in leave.CreatePolicyInput) *accrualFixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	catalog := leave.NewCatalog(mem, nil)
	ledger := leave.NewLedger(mem)
	engine := leave.NewAccrualEngine(mem, catalog, ledger, mem, nil)

	lt, err := catalog.CreateLeaveType(ctx, leave.CreateLeaveTypeInput{
		OrgID: "org-1", Code: "pto", Name: "Paid Time Off", Paid: true,
	})
	require.NoError(t, err)

	in.OrgID = "org-1"
	in.LeaveTypeID = lt.ID
	_, err = catalog.CreatePolicy(ctx, in)
	require.NoError(t, err)

	return &accrualFixture{mem: mem, catalog: catalog, ledger: ledger, engine: engine, lt: lt.ID}
}

func fixedPolicy(rate string) leave.CreatePolicyInput {
	return leave.CreatePolicyInput{
		AccrualMethod:     leave.AccrualFixed,
		AccrualRateHours:  rate,
		CarryoverMaxHours: "40",
		RoundingPlaces:    2,
		ApprovalMode:      leave.ApprovalSingle,
	}
}

func (f *accrualFixture) balanceOf(t *testing.T, user leave.UserID) string {
	t.Helper()
	b, err := f.ledger.CurrentBalance(context.Background(), user, f.lt)
	require.NoError(t, err)
	return b.String()
}

// =============================================================================
// MONTHLY ACCRUAL
// =============================================================================

func TestAccrual_CreditsEveryEligibleUser(t *testing.T) {
	// GIVEN: Two eligible users under a 13.335 hours/month policy, rounding 2
	// WHEN: Running January
	// THEN: Both get one rounded credit of 13.34

	f := newAccrualFixture(t, fixedPolicy("13.335"))
	f.mem.AddUser("org-1", "emp-1", "branch-a")
	f.mem.AddUser("org-1", "emp-2", "branch-b")

	summary, err := f.engine.RunMonthlyAccrual(context.Background(), "org-1", time.January, 2026)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Credited)
	assert.Empty(t, summary.Errors)

	assert.Equal(t, "13.34", f.balanceOf(t, "emp-1"))
	assert.Equal(t, "13.34", f.balanceOf(t, "emp-2"))
}

func TestAccrual_Rerun_SkipsWithoutDoubleCredit(t *testing.T) {
	// GIVEN: January already ran
	// WHEN: Running January again, then February
	// THEN: The rerun only skips; February credits on top

	f := newAccrualFixture(t, fixedPolicy("10"))
	f.mem.AddUser("org-1", "emp-1", "branch-a")
	ctx := context.Background()

	_, err := f.engine.RunMonthlyAccrual(ctx, "org-1", time.January, 2026)
	require.NoError(t, err)
	require.Equal(t, "10", f.balanceOf(t, "emp-1"))

	rerun, err := f.engine.RunMonthlyAccrual(ctx, "org-1", time.January, 2026)
	require.NoError(t, err)
	assert.Equal(t, 0, rerun.Credited)
	assert.Equal(t, 1, rerun.Skipped)
	assert.Equal(t, "10", f.balanceOf(t, "emp-1"), "rerun must not double credit")

	_, err = f.engine.RunMonthlyAccrual(ctx, "org-1", time.February, 2026)
	require.NoError(t, err)
	assert.Equal(t, "20", f.balanceOf(t, "emp-1"))
}

func TestAccrual_MaxBalanceCap_ClampsCredit(t *testing.T) {
	// GIVEN: A policy capped at 15 hours and a user already at 10
	// WHEN: Crediting 10
	// THEN: Only 5 lands; the next month is skipped entirely

	in := fixedPolicy("10")
	maxBal := "15"
	in.MaxBalanceHours = &maxBal
	f := newAccrualFixture(t, in)
	f.mem.AddUser("org-1", "emp-1", "branch-a")
	ctx := context.Background()

	_, err := f.ledger.Append(ctx, leave.AppendInput{
		UserID: "emp-1", LeaveTypeID: f.lt,
		Type: leave.EntryCredit, DeltaHours: leave.HoursInt(10),
		IdempotencyKey: "seed",
	})
	require.NoError(t, err)

	summary, err := f.engine.RunMonthlyAccrual(ctx, "org-1", time.January, 2026)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Credited)
	assert.Equal(t, "15", f.balanceOf(t, "emp-1"), "credit clamps to the cap")

	summary, err = f.engine.RunMonthlyAccrual(ctx, "org-1", time.February, 2026)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Credited)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, "15", f.balanceOf(t, "emp-1"))
}

func TestAccrual_BranchPolicyOverridesOrgWide(t *testing.T) {
	// GIVEN: An org-wide 10 hours/month policy and a branch-a policy of 5
	// WHEN: Running January
	// THEN: branch-a users accrue at the branch rate, everyone else at
	// the org-wide rate; nobody is credited twice

	f := newAccrualFixture(t, fixedPolicy("10"))
	ctx := context.Background()

	branch := leave.BranchID("branch-a")
	branchIn := fixedPolicy("5")
	branchIn.OrgID = "org-1"
	branchIn.LeaveTypeID = f.lt
	branchIn.BranchID = &branch
	_, err := f.catalog.CreatePolicy(ctx, branchIn)
	require.NoError(t, err)

	f.mem.AddUser("org-1", "emp-1", "branch-a")
	f.mem.AddUser("org-1", "emp-2", "branch-b")

	summary, err := f.engine.RunMonthlyAccrual(ctx, "org-1", time.January, 2026)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Credited)
	assert.Equal(t, 0, summary.Skipped)

	assert.Equal(t, "5", f.balanceOf(t, "emp-1"), "branch rate wins over org-wide")
	assert.Equal(t, "10", f.balanceOf(t, "emp-2"))
}

func TestAccrual_BranchNonePolicy_ShieldsFromOrgWide(t *testing.T) {
	// GIVEN: An org-wide FIXED policy and a branch-a policy with method NONE
	// WHEN: Running January
	// THEN: branch-a users accrue nothing; the branch policy overrides,
	// it does not fall through

	f := newAccrualFixture(t, fixedPolicy("10"))
	ctx := context.Background()

	branch := leave.BranchID("branch-a")
	branchIn := leave.CreatePolicyInput{
		OrgID:             "org-1",
		LeaveTypeID:       f.lt,
		BranchID:          &branch,
		AccrualMethod:     leave.AccrualNone,
		AccrualRateHours:  "0",
		CarryoverMaxHours: "40",
		ApprovalMode:      leave.ApprovalSingle,
	}
	_, err := f.catalog.CreatePolicy(ctx, branchIn)
	require.NoError(t, err)

	f.mem.AddUser("org-1", "emp-1", "branch-a")
	f.mem.AddUser("org-1", "emp-2", "branch-b")

	summary, err := f.engine.RunMonthlyAccrual(ctx, "org-1", time.January, 2026)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Credited)

	assert.Equal(t, "0", f.balanceOf(t, "emp-1"))
	assert.Equal(t, "10", f.balanceOf(t, "emp-2"))
}

func TestAccrual_InactiveOrNonePolicies_Ignored(t *testing.T) {
	f := newAccrualFixture(t, leave.CreatePolicyInput{
		AccrualMethod:     leave.AccrualNone,
		AccrualRateHours:  "0",
		CarryoverMaxHours: "40",
		ApprovalMode:      leave.ApprovalSingle,
	})
	f.mem.AddUser("org-1", "emp-1", "branch-a")

	summary, err := f.engine.RunMonthlyAccrual(context.Background(), "org-1", time.January, 2026)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Credited)
	assert.Equal(t, "0", f.balanceOf(t, "emp-1"))
}

func TestAccrual_InvalidMonth_Rejected(t *testing.T) {
	f := newAccrualFixture(t, fixedPolicy("10"))
	_, err := f.engine.RunMonthlyAccrual(context.Background(), "org-1", time.Month(13), 2026)
	assert.True(t, leave.IsBadRequest(err))
}

// =============================================================================
// YEAR-END CARRYOVER
// =============================================================================

func TestCarryover_ForfeitsExcessAsDebit(t *testing.T) {
	// GIVEN: emp-1 at 55 hours, emp-2 at 30, cap 40
	// WHEN: Running year-end carryover
	// THEN: emp-1 gets a -15 forfeit entry with an audit event; emp-2 is untouched

	f := newAccrualFixture(t, fixedPolicy("10"))
	f.mem.AddUser("org-1", "emp-1", "branch-a")
	f.mem.AddUser("org-1", "emp-2", "branch-a")
	ctx := context.Background()

	for user, hours := range map[leave.UserID]int{"emp-1": 55, "emp-2": 30} {
		_, err := f.ledger.Append(ctx, leave.AppendInput{
			UserID: user, LeaveTypeID: f.lt,
			Type: leave.EntryCredit, DeltaHours: leave.HoursInt(hours),
			IdempotencyKey: "seed-" + string(user),
		})
		require.NoError(t, err)
	}

	summary, err := f.engine.RunYearEndCarryover(ctx, "org-1", 2026)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Debited)
	assert.Equal(t, 1, summary.Skipped)

	assert.Equal(t, "40", f.balanceOf(t, "emp-1"))
	assert.Equal(t, "30", f.balanceOf(t, "emp-2"))

	entries, err := f.ledger.History(ctx, "emp-1", f.lt)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	forfeit := entries[1]
	assert.Equal(t, leave.EntryDebit, forfeit.Type)
	assert.Equal(t, "-15", forfeit.DeltaHours.String())
	assert.Equal(t, leave.RefCarryover, forfeit.Reference.Kind)

	var carryoverAudits int
	for _, ev := range f.mem.Audits() {
		if ev.Action == leave.AuditCarryover {
			carryoverAudits++
		}
	}
	assert.Equal(t, 1, carryoverAudits)
}

func TestCarryover_Rerun_Skips(t *testing.T) {
	f := newAccrualFixture(t, fixedPolicy("10"))
	f.mem.AddUser("org-1", "emp-1", "branch-a")
	ctx := context.Background()

	_, err := f.ledger.Append(ctx, leave.AppendInput{
		UserID: "emp-1", LeaveTypeID: f.lt,
		Type: leave.EntryCredit, DeltaHours: leave.HoursInt(55),
		IdempotencyKey: "seed",
	})
	require.NoError(t, err)

	_, err = f.engine.RunYearEndCarryover(ctx, "org-1", 2026)
	require.NoError(t, err)
	require.Equal(t, "40", f.balanceOf(t, "emp-1"))

	rerun, err := f.engine.RunYearEndCarryover(ctx, "org-1", 2026)
	require.NoError(t, err)
	assert.Equal(t, 0, rerun.Debited)
	assert.Equal(t, "40", f.balanceOf(t, "emp-1"), "rerun must not forfeit twice")
}

func TestCarryover_BranchCapOverridesOrgWide(t *testing.T) {
	// GIVEN: emp-1 (branch-a) at 55 hours, org-wide cap 40, branch-a cap 20
	// WHEN: Running year-end carryover
	// THEN: The branch cap applies; emp-1 forfeits 35, not 15

	f := newAccrualFixture(t, fixedPolicy("10"))
	ctx := context.Background()

	branch := leave.BranchID("branch-a")
	branchIn := fixedPolicy("10")
	branchIn.OrgID = "org-1"
	branchIn.LeaveTypeID = f.lt
	branchIn.BranchID = &branch
	branchIn.CarryoverMaxHours = "20"
	_, err := f.catalog.CreatePolicy(ctx, branchIn)
	require.NoError(t, err)

	f.mem.AddUser("org-1", "emp-1", "branch-a")
	_, err = f.ledger.Append(ctx, leave.AppendInput{
		UserID: "emp-1", LeaveTypeID: f.lt,
		Type: leave.EntryCredit, DeltaHours: leave.HoursInt(55),
		IdempotencyKey: "seed",
	})
	require.NoError(t, err)

	summary, err := f.engine.RunYearEndCarryover(ctx, "org-1", 2026)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Debited)
	assert.Equal(t, "20", f.balanceOf(t, "emp-1"), "branch cap wins over org-wide")

	entries, err := f.ledger.History(ctx, "emp-1", f.lt)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "-35", entries[1].DeltaHours.String())
}

// =============================================================================
// MANUAL ADJUSTMENT
// =============================================================================

func TestAdjustBalance_SignPicksEntryType(t *testing.T) {
	f := newAccrualFixture(t, fixedPolicy("10"))
	ctx := context.Background()

	up, err := f.engine.AdjustBalance(ctx, "org-1", "emp-1", f.lt, leave.HoursInt(8), "migration correction", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, leave.EntryCredit, up.Type)
	assert.Equal(t, leave.RefAdjustment, up.Reference.Kind)

	down, err := f.engine.AdjustBalance(ctx, "org-1", "emp-1", f.lt, leave.HoursInt(-3), "clawback", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, leave.EntryDebit, down.Type)
	assert.Equal(t, "5", down.BalanceAfter.String())

	var adjustAudits int
	for _, ev := range f.mem.Audits() {
		if ev.Action == leave.AuditManualAdjust {
			adjustAudits++
			assert.Equal(t, "admin-1", ev.ActorID)
		}
	}
	assert.Equal(t, 2, adjustAudits)
}

func TestAdjustBalance_Validation(t *testing.T) {
	f := newAccrualFixture(t, fixedPolicy("10"))
	ctx := context.Background()

	_, err := f.engine.AdjustBalance(ctx, "org-1", "emp-1", f.lt, leave.HoursInt(0), "reason", "admin-1")
	assert.True(t, leave.IsBadRequest(err), "zero delta")

	_, err = f.engine.AdjustBalance(ctx, "org-1", "emp-1", f.lt, leave.HoursInt(1), "", "admin-1")
	assert.True(t, leave.IsBadRequest(err), "missing reason")

	_, err = f.engine.AdjustBalance(ctx, "org-1", "emp-1", "nope", leave.HoursInt(1), "reason", "admin-1")
	assert.True(t, leave.IsNotFound(err), "unknown leave type")
}

// =============================================================================
// REPORTING
// =============================================================================

func TestBalanceSummaries_Totals(t *testing.T) {
	f := newAccrualFixture(t, fixedPolicy("10"))
	ctx := context.Background()

	_, err := f.ledger.Append(ctx, leave.AppendInput{
		UserID: "emp-1", LeaveTypeID: f.lt,
		Type: leave.EntryCredit, DeltaHours: leave.HoursInt(40), IdempotencyKey: "c1",
	})
	require.NoError(t, err)
	_, err = f.ledger.Append(ctx, leave.AppendInput{
		UserID: "emp-1", LeaveTypeID: f.lt,
		Type: leave.EntryDebit, DeltaHours: leave.HoursInt(-16), IdempotencyKey: "d1",
	})
	require.NoError(t, err)

	summaries, err := f.engine.BalanceSummaries(ctx, []leave.UserID{"emp-1", "emp-2"}, f.lt)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	s := summaries[0]
	assert.Equal(t, leave.UserID("emp-1"), s.UserID)
	assert.Equal(t, "24", s.Balance.String())
	assert.Equal(t, "40", s.TotalCredited.String())
	assert.Equal(t, "16", s.TotalDebited.String())
	assert.Equal(t, 2, s.Entries)

	empty := summaries[1]
	assert.Equal(t, 0, empty.Entries)
	assert.True(t, empty.Balance.IsZero())
}
