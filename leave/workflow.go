/*
workflow.go - Approval state machine

PURPOSE:
  Drives a leave request through its lifecycle:

    DRAFT -> SUBMITTED -> {APPROVED_STEP1 -> APPROVED | REJECTED}
                        | APPROVED | REJECTED | CANCELLED

  APPROVED, REJECTED and CANCELLED are terminal. All transitions go
  through one centralized table; per-method status checks do not exist,
  so an illegal transition is unrepresentable rather than merely
  unlikely.

FINALIZE APPROVAL:
  The last hop into APPROVED is transactional: shift-conflict
  resolution (abort, or cancel-with-override plus one audit event),
  the status update, and the single ledger DEBIT of -TotalHours commit
  together or not at all. A partially applied approval is a
  correctness violation, not a degraded mode.

SEE ALSO:
  - catalog.go: effective policy (approval mode, notice, max days)
  - overlap.go: approved-leave and shift conflict checks
  - ledger.go: the debit on final approval
*/
package leave

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// TRANSITION TABLE - (status, event) -> status
// =============================================================================

type Event string

const (
	EventSubmit       Event = "submit"
	EventCancel       Event = "cancel"
	EventApproveStep1 Event = "approve_step1"
	EventApprove      Event = "approve"
	EventReject       Event = "reject"
)

var transitions = map[RequestStatus]map[Event]RequestStatus{
	StatusDraft: {
		EventSubmit: StatusSubmitted,
		EventCancel: StatusCancelled,
	},
	StatusSubmitted: {
		EventCancel:       StatusCancelled,
		EventApproveStep1: StatusApprovedStep1,
		EventApprove:      StatusApproved,
		EventReject:       StatusRejected,
	},
	StatusApprovedStep1: {
		EventApprove: StatusApproved,
		EventReject:  StatusRejected,
	},
}

// nextStatus is the single place that decides legality of a transition.
func nextStatus(from RequestStatus, ev Event) (RequestStatus, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return "", &TransitionError{From: from, Event: ev}
}

// =============================================================================
// WORKFLOW
// =============================================================================

// Step2MinRoleLevel is the minimum role level for a step-2 approval.
const Step2MinRoleLevel = 4

type Workflow struct {
	store   Store
	catalog *Catalog
	ledger  *Ledger
	overlap *OverlapDetector
	access  AccessChecker
	clock   Clock
	log     *zap.Logger
}

func NewWorkflow(store Store, catalog *Catalog, ledger *Ledger, overlap *OverlapDetector, access AccessChecker, log *zap.Logger) *Workflow {
	if log == nil {
		log = zap.NewNop()
	}
	return &Workflow{
		store:   store,
		catalog: catalog,
		ledger:  ledger,
		overlap: overlap,
		access:  access,
		clock:   SystemClock,
		log:     log.Named("leave.workflow"),
	}
}

// WithClock overrides the timestamp source. Intended for tests.
func (w *Workflow) WithClock(c Clock) *Workflow {
	w.clock = c
	return w
}

// =============================================================================
// CREATE - new request in DRAFT
// =============================================================================

type CreateRequestInput struct {
	OrgID       OrgID
	UserID      UserID
	LeaveTypeID LeaveTypeID
	BranchID    BranchID
	Start       time.Time
	End         time.Time
	Reason      string
}

// Create validates dates, leave type ownership, and approved-leave
// overlap, then stores the request in DRAFT. TotalHours is computed
// once here: days * 8, weekends included.
func (w *Workflow) Create(ctx context.Context, in CreateRequestInput) (*Request, error) {
	iv := NewInterval(in.Start, in.End)
	if !iv.Valid() {
		return nil, fmt.Errorf("%w: start date must be before end date", ErrBadRequest)
	}
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrBadRequest)
	}

	lt, err := w.catalog.GetLeaveType(ctx, in.OrgID, in.LeaveTypeID)
	if err != nil {
		return nil, err
	}
	if !lt.Active {
		return nil, fmt.Errorf("%w: leave type %s is deactivated", ErrBadRequest, lt.Code)
	}

	overlaps, err := w.overlap.HasApprovedLeaveOverlap(ctx, in.UserID, iv, nil)
	if err != nil {
		return nil, err
	}
	if overlaps {
		return nil, &OverlapError{UserID: in.UserID, Interval: iv}
	}

	now := w.clock()
	req := Request{
		ID:          RequestID(uuid.NewString()),
		OrgID:       in.OrgID,
		UserID:      in.UserID,
		LeaveTypeID: in.LeaveTypeID,
		BranchID:    in.BranchID,
		Interval:    iv,
		TotalHours:  iv.TotalHours(),
		Reason:      strings.TrimSpace(in.Reason),
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := w.store.InsertRequest(ctx, req); err != nil {
		return nil, err
	}

	w.log.Info("request created",
		zap.String("request_id", string(req.ID)),
		zap.String("user_id", string(req.UserID)),
		zap.String("total_hours", req.TotalHours.String()),
	)
	return &req, nil
}

// =============================================================================
// SUBMIT / CANCEL - owner operations
// =============================================================================

// Submit moves DRAFT to SUBMITTED after the effective policy's notice
// and duration rules pass. Only the owner may submit.
func (w *Workflow) Submit(ctx context.Context, org OrgID, id RequestID, caller UserID) (*Request, error) {
	req, err := w.getRequest(ctx, org, id)
	if err != nil {
		return nil, err
	}
	if req.UserID != caller {
		return nil, fmt.Errorf("%w: only the request owner may submit", ErrForbidden)
	}

	to, err := nextStatus(req.Status, EventSubmit)
	if err != nil {
		return nil, err
	}

	lt, err := w.catalog.GetLeaveType(ctx, org, req.LeaveTypeID)
	if err != nil {
		return nil, err
	}
	now := w.clock()
	if lt.MinNoticeHours > 0 {
		notice := req.Interval.Start.Sub(now)
		if notice < time.Duration(lt.MinNoticeHours)*time.Hour {
			return nil, fmt.Errorf("%w: %s requires %d hours notice", ErrBadRequest, lt.Code, lt.MinNoticeHours)
		}
	}
	if lt.MaxConsecutiveDays > 0 && req.Interval.Days() > lt.MaxConsecutiveDays {
		return nil, fmt.Errorf("%w: %s allows at most %d consecutive days, requested %d",
			ErrBadRequest, lt.Code, lt.MaxConsecutiveDays, req.Interval.Days())
	}

	req.Status = to
	req.UpdatedAt = now
	if err := w.store.UpdateRequest(ctx, *req); err != nil {
		return nil, err
	}
	return req, nil
}

// Cancel moves DRAFT or SUBMITTED to CANCELLED. Only the owner may
// cancel; approved requests cannot be cancelled through the workflow.
func (w *Workflow) Cancel(ctx context.Context, org OrgID, id RequestID, caller UserID) (*Request, error) {
	req, err := w.getRequest(ctx, org, id)
	if err != nil {
		return nil, err
	}
	if req.UserID != caller {
		return nil, fmt.Errorf("%w: only the request owner may cancel", ErrForbidden)
	}

	to, err := nextStatus(req.Status, EventCancel)
	if err != nil {
		return nil, err
	}
	req.Status = to
	req.UpdatedAt = w.clock()
	if err := w.store.UpdateRequest(ctx, *req); err != nil {
		return nil, err
	}
	return req, nil
}

// =============================================================================
// APPROVE - step 1, single step, step 2
// =============================================================================

// ApproveStep1 records the first approval of a TWO_STEP policy. The
// ledger is untouched; only the final approval debits.
func (w *Workflow) ApproveStep1(ctx context.Context, org OrgID, id RequestID, approver UserID) (*Request, error) {
	req, err := w.getRequest(ctx, org, id)
	if err != nil {
		return nil, err
	}
	to, err := nextStatus(req.Status, EventApproveStep1)
	if err != nil {
		return nil, err
	}

	policy, err := w.catalog.ResolveEffectivePolicy(ctx, org, req.BranchID, req.LeaveTypeID)
	if err != nil {
		return nil, err
	}
	if policy == nil || policy.ApprovalMode != ApprovalTwoStep {
		return nil, fmt.Errorf("%w: request %s is not governed by a two-step policy", ErrBadRequest, id)
	}
	if err := w.requireBranchAccess(ctx, approver, req.BranchID); err != nil {
		return nil, err
	}

	now := w.clock()
	req.Status = to
	req.Step1ApproverID = &approver
	req.Step1ApprovedAt = &now
	req.UpdatedAt = now
	if err := w.store.UpdateRequest(ctx, *req); err != nil {
		return nil, err
	}

	w.log.Info("request approved (step 1)",
		zap.String("request_id", string(id)),
		zap.String("approver_id", string(approver)),
	)
	return req, nil
}

type ApproveInput struct {
	ApproverID UserID
	RoleLevel  int
	// OverrideConflict approves despite scheduled-shift conflicts,
	// cancelling them.
	OverrideConflict bool
}

// Approve performs the final approval: single-step from SUBMITTED, or
// step 2 from APPROVED_STEP1. Ends in the finalize transaction.
func (w *Workflow) Approve(ctx context.Context, org OrgID, id RequestID, in ApproveInput) (*Request, error) {
	req, err := w.getRequest(ctx, org, id)
	if err != nil {
		return nil, err
	}
	if _, err := nextStatus(req.Status, EventApprove); err != nil {
		return nil, err
	}

	policy, err := w.catalog.ResolveEffectivePolicy(ctx, org, req.BranchID, req.LeaveTypeID)
	if err != nil {
		return nil, err
	}

	switch req.Status {
	case StatusSubmitted:
		// Single-step path. A TWO_STEP policy must go through step 1.
		if policy != nil && policy.ApprovalMode == ApprovalTwoStep {
			return nil, fmt.Errorf("%w: two-step policy requires a step-1 approval first", ErrBadRequest)
		}
	case StatusApprovedStep1:
		if in.RoleLevel < Step2MinRoleLevel {
			return nil, fmt.Errorf("%w: step-2 approval requires role level %d, got %d",
				ErrForbidden, Step2MinRoleLevel, in.RoleLevel)
		}
		if req.Step1ApproverID != nil && *req.Step1ApproverID == in.ApproverID {
			return nil, fmt.Errorf("%w: step-2 approver must differ from step-1 approver", ErrForbidden)
		}
	}

	if err := w.requireBranchAccess(ctx, in.ApproverID, req.BranchID); err != nil {
		return nil, err
	}

	return w.finalize(ctx, req, in)
}

// finalize is the atomic tail of every approval:
//  1. unresolved shift conflicts abort with Conflict listing every shift
//  2. with override, every conflicting shift is cancelled and one audit
//     event names all cancelled shift ids
//  3. the request becomes APPROVED with approver id and timestamp
//  4. one DEBIT of -TotalHours referencing the request
//
// Steps 2-4 run in a single store transaction.
func (w *Workflow) finalize(ctx context.Context, req *Request, in ApproveInput) (*Request, error) {
	now := w.clock()
	approved := *req

	// Key lock before the transaction. The transaction pins a database
	// connection, and a direct ledger append for the same key takes the
	// lock before touching the store; the opposite order here wedges
	// both.
	unlock := w.ledger.Lock(req.UserID, req.LeaveTypeID)
	defer unlock()

	err := w.store.WithTx(ctx, func(s Store) error {
		// Re-check approved-leave overlap inside the transaction so two
		// pending requests for the same dates cannot both land.
		self := req.ID
		overlapping, err := s.ListApprovedOverlapping(ctx, req.UserID, req.Interval, &self)
		if err != nil {
			return err
		}
		if len(overlapping) > 0 {
			return &OverlapError{UserID: req.UserID, Interval: req.Interval}
		}

		shifts, err := s.FindOverlappingShifts(ctx, req.UserID, req.Interval)
		if err != nil {
			return err
		}
		var conflicts []Shift
		for _, sh := range shifts {
			if sh.Blocking() && sh.Interval.Overlaps(req.Interval) {
				conflicts = append(conflicts, sh)
			}
		}

		if len(conflicts) > 0 {
			if !in.OverrideConflict {
				return &ShiftConflictError{RequestID: req.ID, Shifts: conflicts}
			}
			cancelled := make([]string, 0, len(conflicts))
			for _, sh := range conflicts {
				if err := s.CancelShift(ctx, sh.ID); err != nil {
					return fmt.Errorf("cancel shift %s: %w", sh.ID, err)
				}
				cancelled = append(cancelled, string(sh.ID))
			}
			if err := s.RecordAudit(ctx, AuditEvent{
				ID:        uuid.NewString(),
				Action:    AuditShiftsCancelled,
				ActorID:   string(in.ApproverID),
				EntityID:  string(req.ID),
				Payload:   map[string]any{"shift_ids": cancelled},
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}

		approved.OverrideConflict = in.OverrideConflict
		approved.UpdatedAt = now
		if approved.Status == StatusApprovedStep1 {
			approved.Step2ApproverID = &in.ApproverID
			approved.Step2ApprovedAt = &now
		} else {
			approved.Step1ApproverID = &in.ApproverID
			approved.Step1ApprovedAt = &now
		}
		approved.Status = StatusApproved
		if err := s.UpdateRequest(ctx, approved); err != nil {
			return err
		}

		_, err = w.ledger.AppendIn(ctx, s, AppendInput{
			UserID:         req.UserID,
			LeaveTypeID:    req.LeaveTypeID,
			Type:           EntryDebit,
			DeltaHours:     req.TotalHours.Neg(),
			Reason:         "approved leave request",
			Reference:      Reference{Kind: RefRequest, ID: string(req.ID)},
			IdempotencyKey: "REQUEST-" + string(req.ID),
			CreatedBy:      string(in.ApproverID),
		})
		if err != nil {
			return fmt.Errorf("ledger debit: %w", err)
		}

		return s.RecordAudit(ctx, AuditEvent{
			ID:       uuid.NewString(),
			Action:   AuditRequestApproved,
			ActorID:  string(in.ApproverID),
			EntityID: string(req.ID),
			Payload: map[string]any{
				"total_hours": req.TotalHours.String(),
				"override":    in.OverrideConflict,
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	w.log.Info("request approved",
		zap.String("request_id", string(req.ID)),
		zap.String("approver_id", string(in.ApproverID)),
		zap.Bool("override", in.OverrideConflict),
	)
	return &approved, nil
}

// =============================================================================
// REJECT
// =============================================================================

// Reject moves SUBMITTED or APPROVED_STEP1 to REJECTED, recording which
// step rejected and why.
func (w *Workflow) Reject(ctx context.Context, org OrgID, id RequestID, approver UserID, reason string) (*Request, error) {
	req, err := w.getRequest(ctx, org, id)
	if err != nil {
		return nil, err
	}
	to, err := nextStatus(req.Status, EventReject)
	if err != nil {
		return nil, err
	}
	if err := w.requireBranchAccess(ctx, approver, req.BranchID); err != nil {
		return nil, err
	}

	stage := 1
	if req.Status == StatusApprovedStep1 {
		stage = 2
	}
	now := w.clock()
	req.Status = to
	req.RejectedStage = stage
	req.RejectedBy = &approver
	req.RejectionReason = strings.TrimSpace(reason)
	req.UpdatedAt = now
	if err := w.store.UpdateRequest(ctx, *req); err != nil {
		return nil, err
	}

	if err := w.store.RecordAudit(ctx, AuditEvent{
		ID:        uuid.NewString(),
		Action:    AuditRequestRejected,
		ActorID:   string(approver),
		EntityID:  string(id),
		Payload:   map[string]any{"stage": stage, "reason": req.RejectionReason},
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	return req, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns a request scoped to the org.
func (w *Workflow) Get(ctx context.Context, org OrgID, id RequestID) (*Request, error) {
	return w.getRequest(ctx, org, id)
}

// ListPendingForBranches returns the approval queue for an approver who
// administers the given branches: all SUBMITTED requests, plus
// APPROVED_STEP1 requests when the role level permits step-2 approval.
func (w *Workflow) ListPendingForBranches(ctx context.Context, org OrgID, branches []BranchID, roleLevel int) ([]Request, error) {
	pending, err := w.store.ListPendingByBranches(ctx, org, branches)
	if err != nil {
		return nil, err
	}
	var out []Request
	for _, r := range pending {
		if r.Status == StatusApprovedStep1 && roleLevel < Step2MinRoleLevel {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// =============================================================================
// INTERNAL
// =============================================================================

func (w *Workflow) getRequest(ctx context.Context, org OrgID, id RequestID) (*Request, error) {
	req, err := w.store.GetRequest(ctx, org, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	return req, nil
}

func (w *Workflow) requireBranchAccess(ctx context.Context, user UserID, branch BranchID) error {
	ok, err := w.access.HasBranchAccess(ctx, user, branch)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s has no access to branch %s", ErrForbidden, user, branch)
	}
	return nil
}
