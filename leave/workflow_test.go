/*
workflow_test.go - Approval state machine tests

CORE DESIGN UNDER TEST:
- Transitions only through the centralized table; anything else fails
- Final approval is atomic: conflicts, status, audit, and the single
  ledger DEBIT commit together or not at all
- Two-step approvals require role level 4+ and a different identity
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

type workflowFixture struct {
	mem      *store.Memory
	catalog  *leave.Catalog
	ledger   *leave.Ledger
	workflow *leave.Workflow
	now      time.Time
}

// newWorkflowFixture wires the full stack over the in-memory store with
// a frozen clock and an allow-all access checker.
func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()
	mem := store.NewMemory()
	now := time.Date(2026, time.January, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	catalog := leave.NewCatalog(mem, nil)
	ledger := leave.NewLedger(mem).WithClock(clock)
	overlap := leave.NewOverlapDetector(mem, mem)
	access := leave.AccessCheckerFunc(func(ctx context.Context, user leave.UserID, branch leave.BranchID) (bool, error) {
		return true, nil
	})
	workflow := leave.NewWorkflow(mem, catalog, ledger, overlap, access, nil).WithClock(clock)

	return &workflowFixture{
		mem:      mem,
		catalog:  catalog,
		ledger:   ledger,
		workflow: workflow,
		now:      now,
	}
}

// seedLeaveType creates a pto leave type governed by a policy in the
// given approval mode and credits emp-1 with 40 hours.
func (f *workflowFixture) seedLeaveType(t *testing.T, mode leave.ApprovalMode) leave.LeaveTypeID {
	t.Helper()
	ctx := context.Background()

	lt, err := f.catalog.CreateLeaveType(ctx, leave.CreateLeaveTypeInput{
		OrgID: "org-1", Code: "pto", Name: "Paid Time Off", Paid: true, RequiresApproval: true,
	})
	require.NoError(t, err)

	_, err = f.catalog.CreatePolicy(ctx, leave.CreatePolicyInput{
		OrgID:             "org-1",
		LeaveTypeID:       lt.ID,
		AccrualMethod:     leave.AccrualFixed,
		AccrualRateHours:  "13.34",
		CarryoverMaxHours: "40",
		RoundingPlaces:    2,
		ApprovalMode:      mode,
	})
	require.NoError(t, err)

	_, err = f.ledger.Append(ctx, leave.AppendInput{
		UserID: "emp-1", LeaveTypeID: lt.ID,
		Type: leave.EntryCredit, DeltaHours: leave.HoursInt(40),
		Reason: "opening balance", IdempotencyKey: "seed-emp-1",
	})
	require.NoError(t, err)
	return lt.ID
}

// submitRequest creates and submits a request for emp-1 over [start, end).
func (f *workflowFixture) submitRequest(t *testing.T, lt leave.LeaveTypeID, start, end time.Time) *leave.Request {
	t.Helper()
	ctx := context.Background()

	req, err := f.workflow.Create(ctx, leave.CreateRequestInput{
		OrgID: "org-1", UserID: "emp-1", LeaveTypeID: lt, BranchID: "branch-a",
		Start: start, End: end, Reason: "vacation",
	})
	require.NoError(t, err)
	req, err = f.workflow.Submit(ctx, "org-1", req.ID, "emp-1")
	require.NoError(t, err)
	return req
}

func (f *workflowFixture) balance(t *testing.T, lt leave.LeaveTypeID) string {
	t.Helper()
	b, err := f.ledger.CurrentBalance(context.Background(), "emp-1", lt)
	require.NoError(t, err)
	return b.String()
}

// =============================================================================
// SINGLE-STEP APPROVAL
// =============================================================================

func TestWorkflow_SingleStepApproval_DebitsOnce(t *testing.T) {
	// GIVEN: emp-1 has 40 hours and requests Jan 10-12 (2 days, 16 hours)
	// WHEN: A manager approves
	// THEN: Request is APPROVED and the balance drops to 24

	f := newWorkflowFixture(t)
	ctx := context.Background()
	lt := f.seedLeaveType(t, leave.ApprovalSingle)
	req := f.submitRequest(t, lt, day(10), day(12))
	assert.Equal(t, "16", req.TotalHours.String())

	approved, err := f.workflow.Approve(ctx, "org-1", req.ID, leave.ApproveInput{ApproverID: "mgr-1", RoleLevel: 3})
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, approved.Status)
	require.NotNil(t, approved.Step1ApproverID)
	assert.Equal(t, leave.UserID("mgr-1"), *approved.Step1ApproverID)

	assert.Equal(t, "24", f.balance(t, lt))

	entries, err := f.ledger.History(ctx, "emp-1", lt)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, leave.EntryDebit, entries[1].Type)
	assert.Equal(t, leave.RefRequest, entries[1].Reference.Kind)
	assert.Equal(t, string(req.ID), entries[1].Reference.ID)
}

func TestWorkflow_ApproveTwice_SecondFails(t *testing.T) {
	// GIVEN: A request already APPROVED
	// WHEN: Approving it again
	// THEN: Transition error and exactly one debit remains

	f := newWorkflowFixture(t)
	ctx := context.Background()
	lt := f.seedLeaveType(t, leave.ApprovalSingle)
	req := f.submitRequest(t, lt, day(10), day(12))

	_, err := f.workflow.Approve(ctx, "org-1", req.ID, leave.ApproveInput{ApproverID: "mgr-1", RoleLevel: 3})
	require.NoError(t, err)

	_, err = f.workflow.Approve(ctx, "org-1", req.ID, leave.ApproveInput{ApproverID: "mgr-2", RoleLevel: 5})
	require.Error(t, err)
	var te *leave.TransitionError
	assert.ErrorAs(t, err, &te)

	assert.Equal(t, "24", f.balance(t, lt), "balance must not be debited twice")
}

func TestWorkflow_ApproveDraft_Fails(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	lt := f.seedLeaveType(t, leave.ApprovalSingle)

	req, err := f.workflow.Create(ctx, leave.CreateRequestInput{
		OrgID: "org-1", UserID: "emp-1", LeaveTypeID: lt, BranchID: "branch-a",
		Start: day(10), End: day(12),
	})
	require.NoError(t, err)

	_, err = f.workflow.Approve(ctx, "org-1", req.ID, leave.ApproveInput{ApproverID: "mgr-1", RoleLevel: 3})
	assert.True(t, leave.IsBadRequest(err), "DRAFT cannot be approved")
}

// =============================================================================
// CREATE AND SUBMIT VALIDATION
// =============================================================================

func TestWorkflow_Create_OverlapWithApprovedLeave_Rejected(t *testing.T) {
	// GIVEN: emp-1 has APPROVED leave for [Jan 10, Jan 12)
	// WHEN: Creating [Jan 11, Jan 13) and then [Jan 12, Jan 14)
	// THEN: The overlapping one conflicts; back to back is fine

	f := newWorkflowFixture(t)
	ctx := context.Background()
	lt := f.seedLeaveType(t, leave.ApprovalSingle)
	req := f.submitRequest(t, lt, day(10), day(12))
	_, err := f.workflow.Approve(ctx, "org-1", req.ID, leave.ApproveInput{ApproverID: "mgr-1", RoleLevel: 3})
	require.NoError(t, err)

	_, err = f.workflow.Create(ctx, leave.CreateRequestInput{
		OrgID: "org-1", UserID: "emp-1", LeaveTypeID: lt, BranchID: "branch-a",
		Start: day(11), End: day(13),
	})
	require.Error(t, err)
	var oe *leave.OverlapError
	assert.ErrorAs(t, err, &oe)
	assert.True(t, leave.IsConflict(err))

	_, err = f.workflow.Create(ctx, leave.CreateRequestInput{
		OrgID: "org-1", UserID: "emp-1", LeaveTypeID: lt, BranchID: "branch-a",
		Start: day(12), End: day(14),
	})
	assert.NoError(t, err, "half-open intervals: end == start does not overlap")
}

func TestWorkflow_Create_InvalidDatesOrInactiveType(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	lt := f.seedLeaveType(t, leave.ApprovalSingle)

	_, err := f.workflow.Create(ctx, leave.CreateRequestInput{
		OrgID: "org-1", UserID: "emp-1", LeaveTypeID: lt, Start: day(12), End: day(10),
	})
	assert.True(t, leave.IsBadRequest(err))

	_, err = f.workflow.Create(ctx, leave.CreateRequestInput{
		OrgID: "org-1", UserID: "emp-1", LeaveTypeID: "nope", Start: day(10), End: day(12),
	})
	assert.True(t, leave.IsNotFound(err))
}

func TestWorkflow_Submit_NoticeAndDurationRules(t *testing.T) {
	// GIVEN: A leave type requiring 72 hours notice and at most 3 consecutive days
	// WHEN: Submitting a short-notice request and an over-long request
	// THEN: Both are rejected as bad requests

	f := newWorkflowFixture(t)
	ctx := context.Background()

	lt, err := f.catalog.CreateLeaveType(ctx, leave.CreateLeaveTypeInput{
		OrgID: "org-1", Code: "sick", Name: "Sick Leave",
		MinNoticeHours: 72, MaxConsecutiveDays: 3,
	})
	require.NoError(t, err)

	// Starts 48h after the frozen clock: too short
	shortNotice, err := f.workflow.Create(ctx, leave.CreateRequestInput{
		OrgID: "org-1", UserID: "emp-1", LeaveTypeID: lt.ID,
		Start: f.now.Add(48 * time.Hour), End: f.now.Add(72 * time.Hour),
	})
	require.NoError(t, err)
	_, err = f.workflow.Submit(ctx, "org-1", shortNotice.ID, "emp-1")
	assert.True(t, leave.IsBadRequest(err), "insufficient notice")

	// 4 consecutive days against a 3 day cap
	tooLong, err := f.workflow.Create(ctx, leave.CreateRequestInput{
		OrgID: "org-1", UserID: "emp-1", LeaveTypeID: lt.ID,
		Start: day(10), End: day(14),
	})
	require.NoError(t, err)
	_, err = f.workflow.Submit(ctx, "org-1", tooLong.ID, "emp-1")
	assert.True(t, leave.IsBadRequest(err), "exceeds max consecutive days")

	// Within both limits
	ok, err := f.workflow.Create(ctx, leave.CreateRequestInput{
		OrgID: "org-1", UserID: "emp-1", LeaveTypeID: lt.ID,
		Start: day(10), End: day(13),
	})
	require.NoError(t, err)
	_, err = f.workflow.Submit(ctx, "org-1", ok.ID, "emp-1")
	assert.NoError(t, err)
}

func TestWorkflow_SubmitAndCancel_OwnerOnly(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	lt := f.seedLeaveType(t, leave.ApprovalSingle)

	req, err := f.workflow.Create(ctx, leave.CreateRequestInput{
		OrgID: "org-1", UserID: "emp-1", LeaveTypeID: lt, BranchID: "branch-a",
		Start: day(10), End: day(12),
	})
	require.NoError(t, err)

	_, err = f.workflow.Submit(ctx, "org-1", req.ID, "emp-2")
	assert.True(t, leave.IsForbidden(err))

	_, err = f.workflow.Cancel(ctx, "org-1", req.ID, "emp-2")
	assert.True(t, leave.IsForbidden(err))

	cancelled, err := f.workflow.Cancel(ctx, "org-1", req.ID, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusCancelled, cancelled.Status)

	// Terminal: nothing more can happen
	_, err = f.workflow.Submit(ctx, "org-1", req.ID, "emp-1")
	assert.True(t, leave.IsBadRequest(err))
}

func TestWorkflow_CancelApproved_Fails(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	lt := f.seedLeaveType(t, leave.ApprovalSingle)
	req := f.submitRequest(t, lt, day(10), day(12))
	_, err := f.workflow.Approve(ctx, "org-1", req.ID, leave.ApproveInput{ApproverID: "mgr-1", RoleLevel: 3})
	require.NoError(t, err)

	_, err = f.workflow.Cancel(ctx, "org-1", req.ID, "emp-1")
	assert.True(t, leave.IsBadRequest(err), "APPROVED is terminal for the owner")
}

// =============================================================================
// SHIFT CONFLICTS
// =============================================================================

func TestWorkflow_ShiftConflict_WithoutOverride_Aborts(t *testing.T) {
	// GIVEN: A published shift inside the requested interval
	// WHEN: Approving without override
	// THEN: ShiftConflictError naming the shift; status and balance untouched

	f := newWorkflowFixture(t)
	ctx := context.Background()
	lt := f.seedLeaveType(t, leave.ApprovalSingle)
	req := f.submitRequest(t, lt, day(10), day(12))

	f.mem.PutShift(leave.Shift{
		ID: "shift-1", UserID: "emp-1", BranchID: "branch-a",
		Interval: leave.NewInterval(day(10), day(11)), Status: leave.ShiftPublished,
	})

	_, err := f.workflow.Approve(ctx, "org-1", req.ID, leave.ApproveInput{ApproverID: "mgr-1", RoleLevel: 3})
	require.Error(t, err)
	var sc *leave.ShiftConflictError
	require.ErrorAs(t, err, &sc)
	require.Len(t, sc.Shifts, 1)
	assert.Equal(t, leave.ShiftID("shift-1"), sc.Shifts[0].ID)

	got, err := f.workflow.Get(ctx, "org-1", req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusSubmitted, got.Status, "aborted approval must not change status")
	assert.Equal(t, "40", f.balance(t, lt), "aborted approval must not debit")

	shift, ok := f.mem.GetShift("shift-1")
	require.True(t, ok)
	assert.Equal(t, leave.ShiftPublished, shift.Status, "shift must survive an aborted approval")
}

func TestWorkflow_ShiftConflict_WithOverride_CancelsAndAudits(t *testing.T) {
	// GIVEN: Two conflicting shifts and one outside the interval
	// WHEN: Approving with override
	// THEN: Exactly the conflicting shifts are cancelled, one audit event
	//       names both, and the debit lands once

	f := newWorkflowFixture(t)
	ctx := context.Background()
	lt := f.seedLeaveType(t, leave.ApprovalSingle)
	req := f.submitRequest(t, lt, day(10), day(12))

	f.mem.PutShift(leave.Shift{
		ID: "shift-1", UserID: "emp-1",
		Interval: leave.NewInterval(day(10), day(11)), Status: leave.ShiftPublished,
	})
	f.mem.PutShift(leave.Shift{
		ID: "shift-2", UserID: "emp-1",
		Interval: leave.NewInterval(day(11), day(12)), Status: leave.ShiftApproved,
	})
	f.mem.PutShift(leave.Shift{
		ID: "shift-3", UserID: "emp-1",
		Interval: leave.NewInterval(day(20), day(21)), Status: leave.ShiftPublished,
	})

	approved, err := f.workflow.Approve(ctx, "org-1", req.ID,
		leave.ApproveInput{ApproverID: "mgr-1", RoleLevel: 3, OverrideConflict: true})
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, approved.Status)
	assert.True(t, approved.OverrideConflict)

	for _, id := range []leave.ShiftID{"shift-1", "shift-2"} {
		s, ok := f.mem.GetShift(id)
		require.True(t, ok)
		assert.Equal(t, leave.ShiftCancelled, s.Status, "shift %s", id)
	}
	untouched, _ := f.mem.GetShift("shift-3")
	assert.Equal(t, leave.ShiftPublished, untouched.Status)

	var cancelEvents []leave.AuditEvent
	for _, ev := range f.mem.Audits() {
		if ev.Action == leave.AuditShiftsCancelled {
			cancelEvents = append(cancelEvents, ev)
		}
	}
	require.Len(t, cancelEvents, 1, "all cancellations share one audit event")
	ids, ok := cancelEvents[0].Payload["shift_ids"].([]string)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"shift-1", "shift-2"}, ids)

	assert.Equal(t, "24", f.balance(t, lt))
}

// =============================================================================
// TWO-STEP APPROVAL
// =============================================================================

func TestWorkflow_TwoStep_HappyPath(t *testing.T) {
	// GIVEN: A TWO_STEP policy; mgr-1 (level 3) did step 1
	// WHEN: hr-1 (level 4) does step 2
	// THEN: APPROVED with both approvers recorded and exactly one debit

	f := newWorkflowFixture(t)
	ctx := context.Background()
	lt := f.seedLeaveType(t, leave.ApprovalTwoStep)
	req := f.submitRequest(t, lt, day(10), day(12))

	step1, err := f.workflow.ApproveStep1(ctx, "org-1", req.ID, "mgr-1")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApprovedStep1, step1.Status)
	assert.Equal(t, "40", f.balance(t, lt), "step 1 must not touch the ledger")

	final, err := f.workflow.Approve(ctx, "org-1", req.ID, leave.ApproveInput{ApproverID: "hr-1", RoleLevel: 4})
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, final.Status)
	require.NotNil(t, final.Step1ApproverID)
	require.NotNil(t, final.Step2ApproverID)
	assert.Equal(t, leave.UserID("mgr-1"), *final.Step1ApproverID)
	assert.Equal(t, leave.UserID("hr-1"), *final.Step2ApproverID)

	assert.Equal(t, "24", f.balance(t, lt))
	entries, err := f.ledger.History(ctx, "emp-1", lt)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "one seed credit plus exactly one debit")
}

func TestWorkflow_TwoStep_SkippingStep1_Fails(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	lt := f.seedLeaveType(t, leave.ApprovalTwoStep)
	req := f.submitRequest(t, lt, day(10), day(12))

	_, err := f.workflow.Approve(ctx, "org-1", req.ID, leave.ApproveInput{ApproverID: "hr-1", RoleLevel: 5})
	assert.True(t, leave.IsBadRequest(err), "two-step policy cannot be approved in one hop")
}

func TestWorkflow_TwoStep_Step2RoleAndIdentityRules(t *testing.T) {
	// GIVEN: mgr-1 completed step 1
	// WHEN: mgr-1 (level 5) or a level-3 user tries step 2
	// THEN: Forbidden in both cases; a different level-4 user succeeds

	f := newWorkflowFixture(t)
	ctx := context.Background()
	lt := f.seedLeaveType(t, leave.ApprovalTwoStep)
	req := f.submitRequest(t, lt, day(10), day(12))
	_, err := f.workflow.ApproveStep1(ctx, "org-1", req.ID, "mgr-1")
	require.NoError(t, err)

	// Same identity, even with a high role
	_, err = f.workflow.Approve(ctx, "org-1", req.ID, leave.ApproveInput{ApproverID: "mgr-1", RoleLevel: 5})
	assert.True(t, leave.IsForbidden(err), "step-2 approver must differ from step-1")

	// Different identity, insufficient role
	_, err = f.workflow.Approve(ctx, "org-1", req.ID, leave.ApproveInput{ApproverID: "mgr-2", RoleLevel: 3})
	assert.True(t, leave.IsForbidden(err), "step 2 requires role level 4")

	_, err = f.workflow.Approve(ctx, "org-1", req.ID, leave.ApproveInput{ApproverID: "hr-1", RoleLevel: 4})
	assert.NoError(t, err)
}

func TestWorkflow_Step1OnSingleStepPolicy_Fails(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	lt := f.seedLeaveType(t, leave.ApprovalSingle)
	req := f.submitRequest(t, lt, day(10), day(12))

	_, err := f.workflow.ApproveStep1(ctx, "org-1", req.ID, "mgr-1")
	assert.True(t, leave.IsBadRequest(err))
}

// =============================================================================
// REJECT
// =============================================================================

func TestWorkflow_Reject_RecordsStage(t *testing.T) {
	// Stage 1 rejection from SUBMITTED, stage 2 from APPROVED_STEP1.
	f := newWorkflowFixture(t)
	ctx := context.Background()
	lt := f.seedLeaveType(t, leave.ApprovalTwoStep)

	first := f.submitRequest(t, lt, day(10), day(12))
	rejected, err := f.workflow.Reject(ctx, "org-1", first.ID, "mgr-1", "coverage gap")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusRejected, rejected.Status)
	assert.Equal(t, 1, rejected.RejectedStage)
	assert.Equal(t, "coverage gap", rejected.RejectionReason)

	second := f.submitRequest(t, lt, day(20), day(22))
	_, err = f.workflow.ApproveStep1(ctx, "org-1", second.ID, "mgr-1")
	require.NoError(t, err)
	rejected, err = f.workflow.Reject(ctx, "org-1", second.ID, "hr-1", "headcount freeze")
	require.NoError(t, err)
	assert.Equal(t, 2, rejected.RejectedStage)

	assert.Equal(t, "40", f.balance(t, lt), "rejections never touch the ledger")
}

// =============================================================================
// PENDING QUEUE
// =============================================================================

func TestWorkflow_PendingQueue_FiltersStep2ByRole(t *testing.T) {
	// GIVEN: One SUBMITTED and one APPROVED_STEP1 request in branch-a
	// WHEN: Listing pending as level 3 and as level 4
	// THEN: Level 3 sees only SUBMITTED; level 4 sees both

	f := newWorkflowFixture(t)
	ctx := context.Background()
	lt := f.seedLeaveType(t, leave.ApprovalTwoStep)

	submitted := f.submitRequest(t, lt, day(10), day(12))
	inStep2 := f.submitRequest(t, lt, day(20), day(22))
	_, err := f.workflow.ApproveStep1(ctx, "org-1", inStep2.ID, "mgr-1")
	require.NoError(t, err)

	branches := []leave.BranchID{"branch-a"}

	asManager, err := f.workflow.ListPendingForBranches(ctx, "org-1", branches, 3)
	require.NoError(t, err)
	require.Len(t, asManager, 1)
	assert.Equal(t, submitted.ID, asManager[0].ID)

	asHR, err := f.workflow.ListPendingForBranches(ctx, "org-1", branches, 4)
	require.NoError(t, err)
	assert.Len(t, asHR, 2)
}

// =============================================================================
// ACCESS CONTROL
// =============================================================================

func TestWorkflow_BranchAccessDenied_Forbidden(t *testing.T) {
	// A checker that only grants mgr-1 access to branch-a.
	mem := store.NewMemory()
	now := time.Date(2026, time.January, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	catalog := leave.NewCatalog(mem, nil)
	ledger := leave.NewLedger(mem).WithClock(clock)
	overlap := leave.NewOverlapDetector(mem, mem)
	access := leave.AccessCheckerFunc(func(ctx context.Context, user leave.UserID, branch leave.BranchID) (bool, error) {
		return user == "mgr-1" && branch == "branch-a", nil
	})
	workflow := leave.NewWorkflow(mem, catalog, ledger, overlap, access, nil).WithClock(clock)

	f := &workflowFixture{mem: mem, catalog: catalog, ledger: ledger, workflow: workflow, now: now}
	ctx := context.Background()
	lt := f.seedLeaveType(t, leave.ApprovalSingle)
	req := f.submitRequest(t, lt, day(10), day(12))

	_, err := f.workflow.Approve(ctx, "org-1", req.ID, leave.ApproveInput{ApproverID: "mgr-2", RoleLevel: 5})
	assert.True(t, leave.IsForbidden(err))

	_, err = f.workflow.Approve(ctx, "org-1", req.ID, leave.ApproveInput{ApproverID: "mgr-1", RoleLevel: 3})
	assert.NoError(t, err)
}
