/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the domain logic and storage. All state
  lives in relational rows; the Store groups the per-aggregate
  interfaces and adds a unit-of-work (WithTx) so the finalize-approval
  side effects commit or roll back together.

APPEND-ONLY CONTRACT:
  LedgerStore has AppendEntry and reads. No update or delete methods
  exist for ledger entries; corrections are new entries.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite (same SQL shape as PostgreSQL)
  - leave/store:  in-memory, for tests and development

SEE ALSO:
  - ledger.go: per-key serialization on top of LedgerStore
  - workflow.go: uses WithTx for the finalize-approval transaction
*/
package leave

import (
	"context"
	"time"
)

// =============================================================================
// PER-AGGREGATE STORES
// =============================================================================

type LeaveTypeStore interface {
	InsertLeaveType(ctx context.Context, lt LeaveType) error
	GetLeaveType(ctx context.Context, org OrgID, id LeaveTypeID) (*LeaveType, error)
	FindLeaveTypeByCode(ctx context.Context, org OrgID, code string) (*LeaveType, error)
	ListLeaveTypes(ctx context.Context, org OrgID) ([]LeaveType, error)
	// SetLeaveTypeActive is the only permitted mutation of a leave type.
	SetLeaveTypeActive(ctx context.Context, org OrgID, id LeaveTypeID, active bool) error
}

type PolicyStore interface {
	InsertPolicy(ctx context.Context, p Policy) error
	GetPolicy(ctx context.Context, org OrgID, id PolicyID) (*Policy, error)
	// FindActivePolicy looks up the active policy for an exact
	// (org, leaveType, branch-or-nil) scope. Nil when absent.
	FindActivePolicy(ctx context.Context, org OrgID, lt LeaveTypeID, branch *BranchID) (*Policy, error)
	ListPolicies(ctx context.Context, org OrgID) ([]Policy, error)
	ListActivePoliciesByLeaveType(ctx context.Context, org OrgID, lt LeaveTypeID) ([]Policy, error)
	SetPolicyActive(ctx context.Context, org OrgID, id PolicyID, active bool) error
}

type RequestStore interface {
	InsertRequest(ctx context.Context, r Request) error
	GetRequest(ctx context.Context, org OrgID, id RequestID) (*Request, error)
	UpdateRequest(ctx context.Context, r Request) error
	// ListApprovedOverlapping returns APPROVED requests for the user
	// intersecting [start, end), optionally excluding one request id.
	ListApprovedOverlapping(ctx context.Context, user UserID, iv Interval, exclude *RequestID) ([]Request, error)
	// ListPendingByBranches returns SUBMITTED and APPROVED_STEP1
	// requests in any of the given branches, oldest first.
	ListPendingByBranches(ctx context.Context, org OrgID, branches []BranchID) ([]Request, error)
}

// LedgerStore persists ledger entries. Append-only: no update, no
// delete, ever.
type LedgerStore interface {
	// AppendEntry persists one entry. It must fail with
	// DuplicateEntryError when the idempotency key exists, and with
	// ErrConflict when (user, leaveType, seq) is already taken - the
	// latter is the defensive backstop against lost updates.
	AppendEntry(ctx context.Context, e LedgerEntry) error
	LatestEntry(ctx context.Context, user UserID, lt LeaveTypeID) (*LedgerEntry, error)
	ListEntries(ctx context.Context, user UserID, lt LeaveTypeID) ([]LedgerEntry, error)
}

// =============================================================================
// COLLABORATORS - External systems, interfaces only
// =============================================================================

// AccessChecker answers whether a user administers a branch. Role to
// permission mapping is resolved by the caller; the workflow never sees
// role names, only this capability and a numeric role level.
type AccessChecker interface {
	HasBranchAccess(ctx context.Context, user UserID, branch BranchID) (bool, error)
}

// AccessCheckerFunc adapts a function to the AccessChecker interface.
type AccessCheckerFunc func(ctx context.Context, user UserID, branch BranchID) (bool, error)

func (f AccessCheckerFunc) HasBranchAccess(ctx context.Context, user UserID, branch BranchID) (bool, error) {
	return f(ctx, user, branch)
}

// AuditSink receives audit events. The engine only writes to it.
type AuditSink interface {
	RecordAudit(ctx context.Context, ev AuditEvent) error
}

// ShiftStore is the scheduling system viewed as a source of scheduled
// shift intervals. Cancel is only invoked from inside the
// finalize-approval transaction.
type ShiftStore interface {
	FindOverlappingShifts(ctx context.Context, user UserID, iv Interval) ([]Shift, error)
	CancelShift(ctx context.Context, id ShiftID) error
}

// UserDirectory enumerates users eligible for accrual. Branch nil means
// the whole organization.
type UserDirectory interface {
	EligibleUsers(ctx context.Context, org OrgID, branch *BranchID) ([]UserID, error)
}

// =============================================================================
// STORE - Unit of work over all aggregates
// =============================================================================

// Store groups every aggregate the engine persists. The embedded
// ShiftStore and AuditSink let finalize-approval cancel shifts and
// record audit inside the same transaction as the request update and
// the ledger debit.
type Store interface {
	LeaveTypeStore
	PolicyStore
	RequestStore
	LedgerStore
	ShiftStore
	AuditSink

	// WithTx executes fn atomically. If fn returns an error every write
	// made through its Store argument is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

func SystemClock() time.Time { return time.Now().UTC() }
