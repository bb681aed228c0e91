/*
Package leave implements the core of a leave-management engine: an
append-only balance ledger, a policy catalog, an overlap detector, a
multi-step approval workflow, and an accrual engine.

KEY CONCEPTS IN THIS FILE (types.go):
  - LeaveType: An organization-scoped category of leave (PTO, sick, ...)
  - Policy: The effective ruleset for a (org, leave type, branch) triple
  - Request: An employee's time-off ask, driven by the workflow state machine
  - LedgerEntry: An immutable CREDIT/DEBIT record with a running balance
  - Interval: A half-open [start, end) date range

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never modified, only appended
  2. Precision: Uses decimal.Decimal for hours to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing users and policies
  4. Auditability: Every balance change carries reason, reference, and actor

SEE ALSO:
  - ledger.go: Serialized append and balance reads
  - catalog.go: Leave type and policy management
  - workflow.go: The request state machine
  - accrual.go: Periodic credits, carryover, manual adjustments
*/
package leave

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrgID string
type UserID string
type BranchID string
type LeaveTypeID string
type PolicyID string
type RequestID string
type EntryID string
type ShiftID string

// HoursPerWorkday is the fixed length of one requested day.
// Weekends and holidays are not excluded from request totals.
const HoursPerWorkday = 8

// Hours constructors. All hour quantities in this package are decimals.
func Hours(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }
func HoursInt(v int) decimal.Decimal  { return decimal.NewFromInt(int64(v)) }

// =============================================================================
// INTERVAL - Half-open [Start, End) date range
// =============================================================================

// Interval is a half-open date range: Start is included, End is not.
type Interval struct {
	Start time.Time
	End   time.Time
}

func NewInterval(start, end time.Time) Interval {
	return Interval{Start: start.UTC(), End: end.UTC()}
}

// Overlaps reports whether two half-open intervals intersect:
// a.Start < b.End && b.Start < a.End.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Valid reports whether Start < End.
func (iv Interval) Valid() bool {
	return iv.Start.Before(iv.End)
}

// Days returns the number of calendar days covered, rounding partial
// days up. [Jan 10, Jan 12) is 2 days.
func (iv Interval) Days() int {
	return int(math.Ceil(iv.End.Sub(iv.Start).Hours() / 24))
}

// TotalHours returns the request debit for the interval: days * 8.
func (iv Interval) TotalHours() decimal.Decimal {
	return decimal.NewFromInt(int64(iv.Days() * HoursPerWorkday))
}

// =============================================================================
// LEAVE TYPE - Org-scoped leave category
// =============================================================================

// LeaveType is an organization-scoped leave category. Immutable after
// creation except for deactivation. Code is unique per organization.
type LeaveType struct {
	ID                 LeaveTypeID
	OrgID              OrgID
	Code               string
	Name               string
	Paid               bool
	RequiresApproval   bool
	MinNoticeHours     int
	MaxConsecutiveDays int
	Active             bool
	CreatedAt          time.Time
}

// =============================================================================
// POLICY - Effective ruleset for (org, leave type, optional branch)
// =============================================================================

type AccrualMethod string

const (
	AccrualNone  AccrualMethod = "NONE"
	AccrualFixed AccrualMethod = "FIXED"
)

type ApprovalMode string

const (
	ApprovalSingle  ApprovalMode = "SINGLE"
	ApprovalTwoStep ApprovalMode = "TWO_STEP"
)

// Policy is the effective ruleset for a (org, leave type, branch) triple.
// BranchID nil means the policy is org-wide. A branch-specific policy
// overrides the org-wide one during resolution.
type Policy struct {
	ID                PolicyID
	OrgID             OrgID
	LeaveTypeID       LeaveTypeID
	BranchID          *BranchID
	AccrualMethod     AccrualMethod
	AccrualRateHours  decimal.Decimal
	CarryoverMaxHours decimal.Decimal
	MaxBalanceHours   *decimal.Decimal
	RoundingPlaces    int32
	ApprovalMode      ApprovalMode
	Active            bool
	CreatedAt         time.Time
}

// BranchKey returns a comparable key for the optional branch scope.
// Empty string means org-wide.
func (p Policy) BranchKey() string {
	if p.BranchID == nil {
		return ""
	}
	return string(*p.BranchID)
}

// =============================================================================
// REQUEST - An employee's time-off ask
// =============================================================================

type RequestStatus string

const (
	StatusDraft         RequestStatus = "DRAFT"
	StatusSubmitted     RequestStatus = "SUBMITTED"
	StatusApprovedStep1 RequestStatus = "APPROVED_STEP1"
	StatusApproved      RequestStatus = "APPROVED"
	StatusRejected      RequestStatus = "REJECTED"
	StatusCancelled     RequestStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// Request is mutated only by the workflow state machine and never
// physically deleted.
type Request struct {
	ID          RequestID
	OrgID       OrgID
	UserID      UserID
	LeaveTypeID LeaveTypeID
	BranchID    BranchID
	Interval    Interval
	TotalHours  decimal.Decimal
	Reason      string
	Status      RequestStatus

	Step1ApproverID *UserID
	Step1ApprovedAt *time.Time
	Step2ApproverID *UserID
	Step2ApprovedAt *time.Time

	RejectedStage   int // 1 or 2, 0 when not rejected
	RejectedBy      *UserID
	RejectionReason string

	OverrideConflict bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// LEDGER ENTRY - Immutable CREDIT/DEBIT with running balance
// =============================================================================

type EntryType string

const (
	EntryCredit EntryType = "CREDIT"
	EntryDebit  EntryType = "DEBIT"
)

type ReferenceKind string

const (
	RefRequest    ReferenceKind = "REQUEST"
	RefAccrual    ReferenceKind = "ACCRUAL"
	RefCarryover  ReferenceKind = "CARRYOVER"
	RefAdjustment ReferenceKind = "ADJUSTMENT"
)

// Reference links a ledger entry back to the operation that produced it.
type Reference struct {
	Kind ReferenceKind
	ID   string
}

// LedgerEntry is one immutable record in a (user, leave type) chain.
//
// INVARIANT: BalanceAfter == previous.BalanceAfter + DeltaHours, with the
// chain starting from zero. Seq is a per-key monotonic sequence number;
// the current balance is the BalanceAfter of the highest-Seq entry.
type LedgerEntry struct {
	ID             EntryID
	UserID         UserID
	LeaveTypeID    LeaveTypeID
	Type           EntryType
	DeltaHours     decimal.Decimal
	BalanceAfter   decimal.Decimal
	Seq            int64
	Reason         string
	Reference      Reference
	IdempotencyKey string
	CreatedBy      string
	CreatedAt      time.Time
}

// =============================================================================
// SHIFT - Scheduled work interval from the external scheduling system
// =============================================================================

type ShiftStatus string

const (
	ShiftDraft     ShiftStatus = "DRAFT"
	ShiftPublished ShiftStatus = "PUBLISHED"
	ShiftApproved  ShiftStatus = "APPROVED"
	ShiftCancelled ShiftStatus = "CANCELLED"
)

// Shift is a scheduled work interval. The scheduling system itself is
// external; this engine only queries and optionally cancels shifts.
type Shift struct {
	ID       ShiftID
	UserID   UserID
	BranchID BranchID
	Interval Interval
	Status   ShiftStatus
}

// Blocking reports whether the shift counts as a conflict at approval time.
func (s Shift) Blocking() bool {
	return s.Status == ShiftPublished || s.Status == ShiftApproved
}

// =============================================================================
// AUDIT EVENT - Written to the audit sink, never read back by the core
// =============================================================================

type AuditAction string

const (
	AuditRequestApproved AuditAction = "request_approved"
	AuditRequestRejected AuditAction = "request_rejected"
	AuditShiftsCancelled AuditAction = "shifts_cancelled"
	AuditManualAdjust    AuditAction = "manual_adjustment"
	AuditCarryover       AuditAction = "carryover"
)

type AuditEvent struct {
	ID        string
	Action    AuditAction
	ActorID   string
	EntityID  string
	Payload   map[string]any
	CreatedAt time.Time
}
