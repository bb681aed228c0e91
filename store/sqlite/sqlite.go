/*
Package sqlite provides the SQLite-backed implementation of leave.Store.

PURPOSE:
  Persists every aggregate of the leave engine. The same SQL shape
  applies to PostgreSQL - only minor dialect differences.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements exist for ledger_entries. Corrections
  are new entries.

KEY TABLES:
  leave_types:    Org-scoped leave categories
  policies:       Accrual/approval rulesets per (org, leave type, branch)
  requests:       Leave requests, mutated only by the workflow
  ledger_entries: Immutable balance ledger
  shifts:         Scheduled shift intervals (the scheduling system's view)
  audit_events:   Append-only audit sink
  employees:      Users eligible for accrual runs

CONCURRENCY:
  Opened in WAL mode: multiple readers, single writer, better crash
  recovery. ledger_entries carries two unique indexes:
  - idempotency_key: rejects duplicate batch credits and double debits
  - (user_id, leave_type_id, seq): turns a lost update into a visible
    constraint violation instead of silent chain corruption

TRANSACTIONS:
  WithTx runs a function against a view of the store bound to one
  database transaction. The finalize-approval path uses it so the
  request update, shift cancellation, ledger debit, and audit event
  commit together or not at all.

USAGE:
  store, err := sqlite.New("./data/leave.db")
  defer store.Close()

SEE ALSO:
  - leave/store.go: interface definitions
  - leave/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/leave"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements leave.Store and leave.UserDirectory over SQLite.
type Store struct {
	root *sql.DB
	db   dbtx
}

var _ leave.Store = (*Store)(nil)
var _ leave.UserDirectory = (*Store)(nil)

// New opens (or creates) the database at dbPath and migrates the
// schema. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	s := &Store{root: db, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.root.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS leave_types (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		paid BOOLEAN NOT NULL DEFAULT FALSE,
		requires_approval BOOLEAN NOT NULL DEFAULT TRUE,
		min_notice_hours INTEGER NOT NULL DEFAULT 0,
		max_consecutive_days INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_leave_types_org_code
		ON leave_types(org_id, code);

	-- branch_id '' means org-wide
	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL,
		branch_id TEXT NOT NULL DEFAULT '',
		accrual_method TEXT NOT NULL,
		accrual_rate_hours TEXT NOT NULL,
		carryover_max_hours TEXT NOT NULL,
		max_balance_hours TEXT,
		rounding_places INTEGER NOT NULL DEFAULT 2,
		approval_mode TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	-- One ACTIVE policy per (org, leave type, branch-or-'') scope
	CREATE UNIQUE INDEX IF NOT EXISTS idx_policies_scope
		ON policies(org_id, leave_type_id, branch_id) WHERE active;

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL,
		branch_id TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		total_hours TEXT NOT NULL,
		reason TEXT,
		status TEXT NOT NULL DEFAULT 'DRAFT',
		step1_approver_id TEXT,
		step1_approved_at TEXT,
		step2_approver_id TEXT,
		step2_approved_at TEXT,
		rejected_stage INTEGER NOT NULL DEFAULT 0,
		rejected_by TEXT,
		rejection_reason TEXT,
		override_conflict BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_user_status
		ON requests(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_requests_org_branch_status
		ON requests(org_id, branch_id, status);

	-- Append-only ledger. No UPDATE, no DELETE, ever.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		delta_hours TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		seq INTEGER NOT NULL,
		reason TEXT,
		reference_kind TEXT,
		reference_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	-- Chain ordering backstop: a lost update becomes a constraint
	-- violation, never a silently forked chain.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_chain_seq
		ON ledger_entries(user_id, leave_type_id, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_user_type
		ON ledger_entries(user_id, leave_type_id, seq DESC);

	CREATE TABLE IF NOT EXISTS shifts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		branch_id TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_shifts_user
		ON shifts(user_id, start_at);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS employees (
		id TEXT NOT NULL,
		org_id TEXT NOT NULL,
		branch_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (org_id, id)
	);
	`
	_, err := s.root.Exec(schema)
	return err
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx executes fn against a transaction-bound view of the store.
func (s *Store) WithTx(ctx context.Context, fn func(leave.Store) error) error {
	tx, err := s.root.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	view := &Store{root: s.root, db: tx}
	if err := fn(view); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// LEAVE TYPES
// =============================================================================

func (s *Store) InsertLeaveType(ctx context.Context, lt leave.LeaveType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leave_types
		(id, org_id, code, name, paid, requires_approval, min_notice_hours, max_consecutive_days, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, lt.ID, lt.OrgID, lt.Code, lt.Name, lt.Paid, lt.RequiresApproval,
		lt.MinNoticeHours, lt.MaxConsecutiveDays, lt.Active, formatTime(lt.CreatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: leave type code %q already exists", leave.ErrConflict, lt.Code)
	}
	return err
}

const leaveTypeColumns = `id, org_id, code, name, paid, requires_approval, min_notice_hours, max_consecutive_days, active, created_at`

func (s *Store) GetLeaveType(ctx context.Context, org leave.OrgID, id leave.LeaveTypeID) (*leave.LeaveType, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leaveTypeColumns+` FROM leave_types WHERE org_id = ? AND id = ?`, org, id)
	return scanLeaveType(row)
}

func (s *Store) FindLeaveTypeByCode(ctx context.Context, org leave.OrgID, code string) (*leave.LeaveType, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leaveTypeColumns+` FROM leave_types WHERE org_id = ? AND code = ?`, org, code)
	return scanLeaveType(row)
}

func (s *Store) ListLeaveTypes(ctx context.Context, org leave.OrgID) ([]leave.LeaveType, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leaveTypeColumns+` FROM leave_types WHERE org_id = ? ORDER BY code`, org)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leave.LeaveType
	for rows.Next() {
		lt, err := scanLeaveTypeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lt)
	}
	return out, rows.Err()
}

func (s *Store) SetLeaveTypeActive(ctx context.Context, org leave.OrgID, id leave.LeaveTypeID, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leave_types SET active = ? WHERE org_id = ? AND id = ?`, active, org, id)
	if err != nil {
		return err
	}
	return requireRow(res, "leave type")
}

func scanLeaveType(row *sql.Row) (*leave.LeaveType, error) {
	var lt leave.LeaveType
	var createdAt string
	err := row.Scan(&lt.ID, &lt.OrgID, &lt.Code, &lt.Name, &lt.Paid, &lt.RequiresApproval,
		&lt.MinNoticeHours, &lt.MaxConsecutiveDays, &lt.Active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lt.CreatedAt = parseTime(createdAt)
	return &lt, nil
}

func scanLeaveTypeRow(rows *sql.Rows) (leave.LeaveType, error) {
	var lt leave.LeaveType
	var createdAt string
	err := rows.Scan(&lt.ID, &lt.OrgID, &lt.Code, &lt.Name, &lt.Paid, &lt.RequiresApproval,
		&lt.MinNoticeHours, &lt.MaxConsecutiveDays, &lt.Active, &createdAt)
	if err != nil {
		return lt, err
	}
	lt.CreatedAt = parseTime(createdAt)
	return lt, nil
}

// =============================================================================
// POLICIES
// =============================================================================

const policyColumns = `id, org_id, leave_type_id, branch_id, accrual_method, accrual_rate_hours,
	carryover_max_hours, max_balance_hours, rounding_places, approval_mode, active, created_at`

func (s *Store) InsertPolicy(ctx context.Context, p leave.Policy) error {
	var maxBalance sql.NullString
	if p.MaxBalanceHours != nil {
		maxBalance = sql.NullString{String: p.MaxBalanceHours.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies
		(id, org_id, leave_type_id, branch_id, accrual_method, accrual_rate_hours,
		 carryover_max_hours, max_balance_hours, rounding_places, approval_mode, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.OrgID, p.LeaveTypeID, p.BranchKey(), p.AccrualMethod, p.AccrualRateHours.String(),
		p.CarryoverMaxHours.String(), maxBalance, p.RoundingPlaces, p.ApprovalMode, p.Active, formatTime(p.CreatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: active policy already exists for this scope", leave.ErrConflict)
	}
	return err
}

func (s *Store) GetPolicy(ctx context.Context, org leave.OrgID, id leave.PolicyID) (*leave.Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE org_id = ? AND id = ?`, org, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return firstPolicy(rows)
}

func (s *Store) FindActivePolicy(ctx context.Context, org leave.OrgID, lt leave.LeaveTypeID, branch *leave.BranchID) (*leave.Policy, error) {
	key := ""
	if branch != nil {
		key = string(*branch)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+policyColumns+` FROM policies
		 WHERE org_id = ? AND leave_type_id = ? AND branch_id = ? AND active`, org, lt, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return firstPolicy(rows)
}

func (s *Store) ListPolicies(ctx context.Context, org leave.OrgID) ([]leave.Policy, error) {
	return s.queryPolicies(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE org_id = ? ORDER BY created_at`, org)
}

func (s *Store) ListActivePoliciesByLeaveType(ctx context.Context, org leave.OrgID, lt leave.LeaveTypeID) ([]leave.Policy, error) {
	return s.queryPolicies(ctx,
		`SELECT `+policyColumns+` FROM policies
		 WHERE org_id = ? AND leave_type_id = ? AND active ORDER BY created_at`, org, lt)
}

func (s *Store) SetPolicyActive(ctx context.Context, org leave.OrgID, id leave.PolicyID, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET active = ? WHERE org_id = ? AND id = ?`, active, org, id)
	if err != nil {
		return err
	}
	return requireRow(res, "policy")
}

func (s *Store) queryPolicies(ctx context.Context, query string, args ...any) ([]leave.Policy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leave.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func firstPolicy(rows *sql.Rows) (*leave.Policy, error) {
	if !rows.Next() {
		return nil, rows.Err()
	}
	p, err := scanPolicy(rows)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPolicy(rows *sql.Rows) (leave.Policy, error) {
	var (
		p          leave.Policy
		branch     string
		rate       string
		carryover  string
		maxBalance sql.NullString
		createdAt  string
	)
	err := rows.Scan(&p.ID, &p.OrgID, &p.LeaveTypeID, &branch, &p.AccrualMethod, &rate,
		&carryover, &maxBalance, &p.RoundingPlaces, &p.ApprovalMode, &p.Active, &createdAt)
	if err != nil {
		return p, err
	}
	if branch != "" {
		b := leave.BranchID(branch)
		p.BranchID = &b
	}
	p.AccrualRateHours = mustDecimal(rate)
	p.CarryoverMaxHours = mustDecimal(carryover)
	if maxBalance.Valid {
		d := mustDecimal(maxBalance.String)
		p.MaxBalanceHours = &d
	}
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

// =============================================================================
// REQUESTS
// =============================================================================

const requestColumns = `id, org_id, user_id, leave_type_id, branch_id, start_at, end_at, total_hours,
	reason, status, step1_approver_id, step1_approved_at, step2_approver_id, step2_approved_at,
	rejected_stage, rejected_by, rejection_reason, override_conflict, created_at, updated_at`

func (s *Store) InsertRequest(ctx context.Context, r leave.Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests
		(id, org_id, user_id, leave_type_id, branch_id, start_at, end_at, total_hours,
		 reason, status, step1_approver_id, step1_approved_at, step2_approver_id, step2_approved_at,
		 rejected_stage, rejected_by, rejection_reason, override_conflict, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.OrgID, r.UserID, r.LeaveTypeID, r.BranchID,
		formatTime(r.Interval.Start), formatTime(r.Interval.End), r.TotalHours.String(),
		r.Reason, r.Status, nullUser(r.Step1ApproverID), nullTime(r.Step1ApprovedAt),
		nullUser(r.Step2ApproverID), nullTime(r.Step2ApprovedAt),
		r.RejectedStage, nullUser(r.RejectedBy), r.RejectionReason, r.OverrideConflict,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	return err
}

func (s *Store) GetRequest(ctx context.Context, org leave.OrgID, id leave.RequestID) (*leave.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE org_id = ? AND id = ?`, org, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanRequest(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpdateRequest(ctx context.Context, r leave.Request) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET
			status = ?, step1_approver_id = ?, step1_approved_at = ?,
			step2_approver_id = ?, step2_approved_at = ?,
			rejected_stage = ?, rejected_by = ?, rejection_reason = ?,
			override_conflict = ?, updated_at = ?
		WHERE id = ?
	`, r.Status, nullUser(r.Step1ApproverID), nullTime(r.Step1ApprovedAt),
		nullUser(r.Step2ApproverID), nullTime(r.Step2ApprovedAt),
		r.RejectedStage, nullUser(r.RejectedBy), r.RejectionReason,
		r.OverrideConflict, formatTime(r.UpdatedAt), r.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "request")
}

func (s *Store) ListApprovedOverlapping(ctx context.Context, user leave.UserID, iv leave.Interval, exclude *leave.RequestID) ([]leave.Request, error) {
	// Half-open interval intersection: a.start < b.end AND b.start < a.end.
	query := `SELECT ` + requestColumns + ` FROM requests
		WHERE user_id = ? AND status = 'APPROVED' AND start_at < ? AND ? < end_at`
	args := []any{user, formatTime(iv.End), formatTime(iv.Start)}
	if exclude != nil {
		query += ` AND id != ?`
		args = append(args, *exclude)
	}
	return s.queryRequests(ctx, query, args...)
}

func (s *Store) ListPendingByBranches(ctx context.Context, org leave.OrgID, branches []leave.BranchID) ([]leave.Request, error) {
	if len(branches) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(branches)), ",")
	query := `SELECT ` + requestColumns + ` FROM requests
		WHERE org_id = ? AND status IN ('SUBMITTED', 'APPROVED_STEP1')
		  AND branch_id IN (` + placeholders + `)
		ORDER BY created_at`
	args := []any{org}
	for _, b := range branches {
		args = append(args, b)
	}
	return s.queryRequests(ctx, query, args...)
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]leave.Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leave.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(rows *sql.Rows) (leave.Request, error) {
	var (
		r                              leave.Request
		startAt, endAt, totalHours     string
		step1By, step2By, rejectedBy   sql.NullString
		step1At, step2At               sql.NullString
		rejectionReason                sql.NullString
		createdAt, updatedAt           string
	)
	err := rows.Scan(&r.ID, &r.OrgID, &r.UserID, &r.LeaveTypeID, &r.BranchID,
		&startAt, &endAt, &totalHours, &r.Reason, &r.Status,
		&step1By, &step1At, &step2By, &step2At,
		&r.RejectedStage, &rejectedBy, &rejectionReason, &r.OverrideConflict,
		&createdAt, &updatedAt)
	if err != nil {
		return r, err
	}
	r.Interval = leave.Interval{Start: parseTime(startAt), End: parseTime(endAt)}
	r.TotalHours = mustDecimal(totalHours)
	r.RejectionReason = rejectionReason.String
	if step1By.Valid {
		u := leave.UserID(step1By.String)
		r.Step1ApproverID = &u
	}
	if step1At.Valid {
		t := parseTime(step1At.String)
		r.Step1ApprovedAt = &t
	}
	if step2By.Valid {
		u := leave.UserID(step2By.String)
		r.Step2ApproverID = &u
	}
	if step2At.Valid {
		t := parseTime(step2At.String)
		r.Step2ApprovedAt = &t
	}
	if rejectedBy.Valid {
		u := leave.UserID(rejectedBy.String)
		r.RejectedBy = &u
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// =============================================================================
// LEDGER - append-only
// =============================================================================

func (s *Store) AppendEntry(ctx context.Context, e leave.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, user_id, leave_type_id, entry_type, delta_hours, balance_after, seq,
		 reason, reference_kind, reference_id, idempotency_key, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.LeaveTypeID, e.Type, e.DeltaHours.String(), e.BalanceAfter.String(), e.Seq,
		e.Reason, e.Reference.Kind, e.Reference.ID, nullString(e.IdempotencyKey), e.CreatedBy,
		formatTime(e.CreatedAt))
	if isUniqueConstraintError(err) {
		if strings.Contains(err.Error(), "idempotency_key") {
			return &leave.DuplicateEntryError{IdempotencyKey: e.IdempotencyKey}
		}
		// idx_ledger_chain_seq: concurrent writer won the sequence slot.
		return fmt.Errorf("%w: concurrent ledger write for (%s, %s) seq %d",
			leave.ErrConflict, e.UserID, e.LeaveTypeID, e.Seq)
	}
	return err
}

func (s *Store) LatestEntry(ctx context.Context, user leave.UserID, lt leave.LeaveTypeID) (*leave.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, leave_type_id, entry_type, delta_hours, balance_after, seq,
		       reason, reference_kind, reference_id, idempotency_key, created_by, created_at
		FROM ledger_entries
		WHERE user_id = ? AND leave_type_id = ?
		ORDER BY seq DESC LIMIT 1
	`, user, lt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEntry(rows)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) ListEntries(ctx context.Context, user leave.UserID, lt leave.LeaveTypeID) ([]leave.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, leave_type_id, entry_type, delta_hours, balance_after, seq,
		       reason, reference_kind, reference_id, idempotency_key, created_by, created_at
		FROM ledger_entries
		WHERE user_id = ? AND leave_type_id = ?
		ORDER BY seq
	`, user, lt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leave.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (leave.LedgerEntry, error) {
	var (
		e          leave.LedgerEntry
		delta      string
		balance    string
		refKind    sql.NullString
		refID      sql.NullString
		idemKey    sql.NullString
		createdBy  sql.NullString
		createdAt  string
	)
	err := rows.Scan(&e.ID, &e.UserID, &e.LeaveTypeID, &e.Type, &delta, &balance, &e.Seq,
		&e.Reason, &refKind, &refID, &idemKey, &createdBy, &createdAt)
	if err != nil {
		return e, err
	}
	e.DeltaHours = mustDecimal(delta)
	e.BalanceAfter = mustDecimal(balance)
	e.Reference = leave.Reference{Kind: leave.ReferenceKind(refKind.String), ID: refID.String}
	e.IdempotencyKey = idemKey.String
	e.CreatedBy = createdBy.String
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

// =============================================================================
// SHIFTS
// =============================================================================

// PutShift seeds or replaces a shift row. The scheduling system is the
// writer of record; this exists for integration and tests.
func (s *Store) PutShift(ctx context.Context, sh leave.Shift) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shifts (id, user_id, branch_id, start_at, end_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status
	`, sh.ID, sh.UserID, sh.BranchID, formatTime(sh.Interval.Start), formatTime(sh.Interval.End), sh.Status)
	return err
}

func (s *Store) FindOverlappingShifts(ctx context.Context, user leave.UserID, iv leave.Interval) ([]leave.Shift, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, branch_id, start_at, end_at, status
		FROM shifts
		WHERE user_id = ? AND start_at < ? AND ? < end_at
		ORDER BY start_at
	`, user, formatTime(iv.End), formatTime(iv.Start))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leave.Shift
	for rows.Next() {
		var sh leave.Shift
		var startAt, endAt string
		if err := rows.Scan(&sh.ID, &sh.UserID, &sh.BranchID, &startAt, &endAt, &sh.Status); err != nil {
			return nil, err
		}
		sh.Interval = leave.Interval{Start: parseTime(startAt), End: parseTime(endAt)}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func (s *Store) CancelShift(ctx context.Context, id leave.ShiftID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE shifts SET status = 'CANCELLED' WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "shift")
}

// =============================================================================
// AUDIT
// =============================================================================

func (s *Store) RecordAudit(ctx context.Context, ev leave.AuditEvent) error {
	payload, _ := json.Marshal(ev.Payload)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, action, actor_id, entity_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Action, ev.ActorID, ev.EntityID, string(payload), formatTime(ev.CreatedAt))
	return err
}

// =============================================================================
// USER DIRECTORY
// =============================================================================

// AddEmployee registers a user for accrual eligibility.
func (s *Store) AddEmployee(ctx context.Context, org leave.OrgID, user leave.UserID, branch leave.BranchID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employees (id, org_id, branch_id) VALUES (?, ?, ?)
		ON CONFLICT(org_id, id) DO UPDATE SET branch_id = excluded.branch_id
	`, user, org, branch)
	return err
}

func (s *Store) EligibleUsers(ctx context.Context, org leave.OrgID, branch *leave.BranchID) ([]leave.UserID, error) {
	query := `SELECT id FROM employees WHERE org_id = ?`
	args := []any{org}
	if branch != nil {
		query += ` AND branch_id = ?`
		args = append(args, *branch)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leave.UserID
	for rows.Next() {
		var id leave.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullUser(u *leave.UserID) sql.NullString {
	if u == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*u), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", leave.ErrNotFound, what)
	}
	return nil
}
