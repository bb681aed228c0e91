// Package store provides an in-memory implementation of leave.Store
// for tests and development. WithTx simulates a transaction with a
// snapshot and rollback, the same contract the SQLite store gets from
// real database transactions.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/leave-engine/leave"
)

type ledgerKey struct {
	User leave.UserID
	Type leave.LeaveTypeID
}

type Memory struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	leaveTypes map[leave.LeaveTypeID]leave.LeaveType
	policies   map[leave.PolicyID]leave.Policy
	requests   map[leave.RequestID]leave.Request
	entries    map[ledgerKey][]leave.LedgerEntry
	idemKeys   map[string]bool
	shifts     map[leave.ShiftID]leave.Shift
	audits     []leave.AuditEvent
	users      map[leave.OrgID][]directoryUser
}

type directoryUser struct {
	ID     leave.UserID
	Branch leave.BranchID
}

func NewMemory() *Memory {
	return &Memory{
		leaveTypes: make(map[leave.LeaveTypeID]leave.LeaveType),
		policies:   make(map[leave.PolicyID]leave.Policy),
		requests:   make(map[leave.RequestID]leave.Request),
		entries:    make(map[ledgerKey][]leave.LedgerEntry),
		idemKeys:   make(map[string]bool),
		shifts:     make(map[leave.ShiftID]leave.Shift),
		users:      make(map[leave.OrgID][]directoryUser),
	}
}

var _ leave.Store = (*Memory)(nil)
var _ leave.UserDirectory = (*Memory)(nil)

// =============================================================================
// LEAVE TYPES
// =============================================================================

func (m *Memory) InsertLeaveType(_ context.Context, lt leave.LeaveType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveTypes[lt.ID] = lt
	return nil
}

func (m *Memory) GetLeaveType(_ context.Context, org leave.OrgID, id leave.LeaveTypeID) (*leave.LeaveType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lt, ok := m.leaveTypes[id]
	if !ok || lt.OrgID != org {
		return nil, nil
	}
	out := lt
	return &out, nil
}

func (m *Memory) FindLeaveTypeByCode(_ context.Context, org leave.OrgID, code string) (*leave.LeaveType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, lt := range m.leaveTypes {
		if lt.OrgID == org && lt.Code == code {
			out := lt
			return &out, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListLeaveTypes(_ context.Context, org leave.OrgID) ([]leave.LeaveType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []leave.LeaveType
	for _, lt := range m.leaveTypes {
		if lt.OrgID == org {
			out = append(out, lt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *Memory) SetLeaveTypeActive(_ context.Context, org leave.OrgID, id leave.LeaveTypeID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lt, ok := m.leaveTypes[id]
	if !ok || lt.OrgID != org {
		return leave.ErrNotFound
	}
	lt.Active = active
	m.leaveTypes[id] = lt
	return nil
}

// =============================================================================
// POLICIES
// =============================================================================

func (m *Memory) InsertPolicy(_ context.Context, p leave.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.ID] = p
	return nil
}

func (m *Memory) GetPolicy(_ context.Context, org leave.OrgID, id leave.PolicyID) (*leave.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok || p.OrgID != org {
		return nil, nil
	}
	out := p
	return &out, nil
}

func (m *Memory) FindActivePolicy(_ context.Context, org leave.OrgID, lt leave.LeaveTypeID, branch *leave.BranchID) (*leave.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := ""
	if branch != nil {
		want = string(*branch)
	}
	for _, p := range m.policies {
		if p.Active && p.OrgID == org && p.LeaveTypeID == lt && p.BranchKey() == want {
			out := p
			return &out, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListPolicies(_ context.Context, org leave.OrgID) ([]leave.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []leave.Policy
	for _, p := range m.policies {
		if p.OrgID == org {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListActivePoliciesByLeaveType(_ context.Context, org leave.OrgID, lt leave.LeaveTypeID) ([]leave.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []leave.Policy
	for _, p := range m.policies {
		if p.Active && p.OrgID == org && p.LeaveTypeID == lt {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) SetPolicyActive(_ context.Context, org leave.OrgID, id leave.PolicyID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok || p.OrgID != org {
		return leave.ErrNotFound
	}
	p.Active = active
	m.policies[id] = p
	return nil
}

// =============================================================================
// REQUESTS
// =============================================================================

func (m *Memory) InsertRequest(_ context.Context, r leave.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r
	return nil
}

func (m *Memory) GetRequest(_ context.Context, org leave.OrgID, id leave.RequestID) (*leave.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok || r.OrgID != org {
		return nil, nil
	}
	out := r
	return &out, nil
}

func (m *Memory) UpdateRequest(_ context.Context, r leave.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return leave.ErrNotFound
	}
	m.requests[r.ID] = r
	return nil
}

func (m *Memory) ListApprovedOverlapping(_ context.Context, user leave.UserID, iv leave.Interval, exclude *leave.RequestID) ([]leave.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []leave.Request
	for _, r := range m.requests {
		if r.UserID != user || r.Status != leave.StatusApproved {
			continue
		}
		if exclude != nil && r.ID == *exclude {
			continue
		}
		if r.Interval.Overlaps(iv) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) ListPendingByBranches(_ context.Context, org leave.OrgID, branches []leave.BranchID) ([]leave.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inScope := make(map[leave.BranchID]bool, len(branches))
	for _, b := range branches {
		inScope[b] = true
	}
	var out []leave.Request
	for _, r := range m.requests {
		if r.OrgID != org || !inScope[r.BranchID] {
			continue
		}
		if r.Status == leave.StatusSubmitted || r.Status == leave.StatusApprovedStep1 {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// LEDGER - append-only
// =============================================================================

func (m *Memory) AppendEntry(_ context.Context, e leave.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.IdempotencyKey != "" && m.idemKeys[e.IdempotencyKey] {
		return &leave.DuplicateEntryError{IdempotencyKey: e.IdempotencyKey}
	}
	k := ledgerKey{User: e.UserID, Type: e.LeaveTypeID}
	chain := m.entries[k]
	if len(chain) > 0 && chain[len(chain)-1].Seq >= e.Seq {
		return leave.ErrConflict
	}
	m.entries[k] = append(chain, e)
	if e.IdempotencyKey != "" {
		m.idemKeys[e.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) LatestEntry(_ context.Context, user leave.UserID, lt leave.LeaveTypeID) (*leave.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.entries[ledgerKey{User: user, Type: lt}]
	if len(chain) == 0 {
		return nil, nil
	}
	out := chain[len(chain)-1]
	return &out, nil
}

func (m *Memory) ListEntries(_ context.Context, user leave.UserID, lt leave.LeaveTypeID) ([]leave.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.entries[ledgerKey{User: user, Type: lt}]
	out := make([]leave.LedgerEntry, len(chain))
	copy(out, chain)
	return out, nil
}

// =============================================================================
// SHIFTS
// =============================================================================

// PutShift seeds a shift. Test and development helper; the scheduling
// system owns shifts in production.
func (m *Memory) PutShift(s leave.Shift) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shifts[s.ID] = s
}

func (m *Memory) GetShift(id leave.ShiftID) (leave.Shift, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shifts[id]
	return s, ok
}

func (m *Memory) FindOverlappingShifts(_ context.Context, user leave.UserID, iv leave.Interval) ([]leave.Shift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []leave.Shift
	for _, s := range m.shifts {
		if s.UserID == user && s.Interval.Overlaps(iv) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CancelShift(_ context.Context, id leave.ShiftID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shifts[id]
	if !ok {
		return leave.ErrNotFound
	}
	s.Status = leave.ShiftCancelled
	m.shifts[id] = s
	return nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (m *Memory) RecordAudit(_ context.Context, ev leave.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, ev)
	return nil
}

// Audits returns a copy of all recorded events, oldest first.
func (m *Memory) Audits() []leave.AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]leave.AuditEvent, len(m.audits))
	copy(out, m.audits)
	return out
}

// =============================================================================
// USER DIRECTORY
// =============================================================================

// AddUser registers a user as eligible for accrual in the org/branch.
func (m *Memory) AddUser(org leave.OrgID, user leave.UserID, branch leave.BranchID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[org] = append(m.users[org], directoryUser{ID: user, Branch: branch})
}

func (m *Memory) EligibleUsers(_ context.Context, org leave.OrgID, branch *leave.BranchID) ([]leave.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []leave.UserID
	for _, u := range m.users[org] {
		if branch != nil && u.Branch != *branch {
			continue
		}
		out = append(out, u.ID)
	}
	return out, nil
}

// =============================================================================
// UNIT OF WORK - snapshot + rollback
// =============================================================================

// WithTx executes fn against the store, restoring a pre-call snapshot
// if fn fails. Serialized with a second mutex so concurrent WithTx
// calls cannot interleave their snapshots.
func (m *Memory) WithTx(_ context.Context, fn func(leave.Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	leaveTypes map[leave.LeaveTypeID]leave.LeaveType
	policies   map[leave.PolicyID]leave.Policy
	requests   map[leave.RequestID]leave.Request
	entries    map[ledgerKey][]leave.LedgerEntry
	idemKeys   map[string]bool
	shifts     map[leave.ShiftID]leave.Shift
	audits     []leave.AuditEvent
}

func (m *Memory) snapshot() memorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := memorySnapshot{
		leaveTypes: make(map[leave.LeaveTypeID]leave.LeaveType, len(m.leaveTypes)),
		policies:   make(map[leave.PolicyID]leave.Policy, len(m.policies)),
		requests:   make(map[leave.RequestID]leave.Request, len(m.requests)),
		entries:    make(map[ledgerKey][]leave.LedgerEntry, len(m.entries)),
		idemKeys:   make(map[string]bool, len(m.idemKeys)),
		shifts:     make(map[leave.ShiftID]leave.Shift, len(m.shifts)),
		audits:     append([]leave.AuditEvent{}, m.audits...),
	}
	for k, v := range m.leaveTypes {
		snap.leaveTypes[k] = v
	}
	for k, v := range m.policies {
		snap.policies[k] = v
	}
	for k, v := range m.requests {
		snap.requests[k] = v
	}
	for k, v := range m.entries {
		snap.entries[k] = append([]leave.LedgerEntry{}, v...)
	}
	for k, v := range m.idemKeys {
		snap.idemKeys[k] = v
	}
	for k, v := range m.shifts {
		snap.shifts[k] = v
	}
	return snap
}

func (m *Memory) restore(snap memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveTypes = snap.leaveTypes
	m.policies = snap.policies
	m.requests = snap.requests
	m.entries = snap.entries
	m.idemKeys = snap.idemKeys
	m.shifts = snap.shifts
	m.audits = snap.audits
}
