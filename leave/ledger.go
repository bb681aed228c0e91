/*
ledger.go - Append-only balance ledger

PURPOSE:
  The ledger is the single source of truth for leave balances. The
  current balance of a (user, leaveType) key is the BalanceAfter of the
  most recent entry - it is never recomputed by summing, so write
  ordering is load-bearing.

CRITICAL SECTION:
  Append is a read-current-balance-then-write-new-entry sequence that
  is not inherently atomic. Two concurrent approvals for the same key
  must not both read the same stale balance. The Ledger serializes
  appends per key with a keyed mutex; the store's unique
  (user, leaveType, seq) constraint is a defensive backstop that turns
  any lost update into a visible conflict instead of silent corruption.

LOCK ORDERING:
  Key lock first, then the store. A caller appending inside a store
  transaction must take the key lock (Lock) before opening the
  transaction; taking it after would wait on a direct Append that is
  itself waiting on the transaction's connection.

CHAIN INVARIANT:
  entry[i].BalanceAfter == entry[i-1].BalanceAfter + entry[i].DeltaHours
  with entry[-1].BalanceAfter == 0.

CORRECTIONS:
  No entry is ever mutated or deleted. A mistake is corrected with a
  new entry of opposite sign and an explanatory reason.
*/
package leave

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// KEYED MUTEX - One lock per (user, leaveType)
// =============================================================================

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (km *keyedMutex) lock(key string) func() {
	km.mu.Lock()
	l, ok := km.locks[key]
	if !ok {
		l = &sync.Mutex{}
		km.locks[key] = l
	}
	km.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger serializes read-then-append per (user, leaveType) key on top
// of a LedgerStore.
type Ledger struct {
	store LedgerStore
	keys  *keyedMutex
	clock Clock
}

func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{store: store, keys: newKeyedMutex(), clock: SystemClock}
}

// WithClock overrides the entry timestamp source. Intended for tests.
func (l *Ledger) WithClock(c Clock) *Ledger {
	l.clock = c
	return l
}

// AppendInput describes one ledger write. DeltaHours carries the sign:
// positive for CREDIT, negative for DEBIT.
type AppendInput struct {
	UserID         UserID
	LeaveTypeID    LeaveTypeID
	Type           EntryType
	DeltaHours     decimal.Decimal
	Reason         string
	Reference      Reference
	IdempotencyKey string
	CreatedBy      string
}

func ledgerKey(user UserID, lt LeaveTypeID) string {
	return string(user) + "\x00" + string(lt)
}

// Lock serializes writers of one (user, leaveType) chain and returns
// the release function. Callers that append inside a store transaction
// must take this lock before opening the transaction; Append takes it
// on the caller's behalf.
func (l *Ledger) Lock(user UserID, lt LeaveTypeID) func() {
	return l.keys.lock(ledgerKey(user, lt))
}

// Append computes newBalance = currentBalance + delta and writes one
// entry, as a single serialized unit per key.
//
// A debit may drive the balance negative (advance leave); the ledger
// records it without complaint.
func (l *Ledger) Append(ctx context.Context, in AppendInput) (*LedgerEntry, error) {
	unlock := l.Lock(in.UserID, in.LeaveTypeID)
	defer unlock()
	return l.AppendIn(ctx, l.store, in)
}

// AppendIn is Append against an explicit store, so callers holding a
// database transaction can route the write through it. It takes no lock
// itself: the caller must hold Lock for the key from before the
// transaction began, or the transaction's connection and a direct
// Append's key lock end up waiting on each other.
func (l *Ledger) AppendIn(ctx context.Context, store LedgerStore, in AppendInput) (*LedgerEntry, error) {
	if err := validateAppend(in); err != nil {
		return nil, err
	}

	latest, err := store.LatestEntry(ctx, in.UserID, in.LeaveTypeID)
	if err != nil {
		return nil, fmt.Errorf("read latest entry: %w", err)
	}

	var seq int64 = 1
	balance := decimal.Zero
	if latest != nil {
		seq = latest.Seq + 1
		balance = latest.BalanceAfter
	}

	entry := LedgerEntry{
		ID:             EntryID(uuid.NewString()),
		UserID:         in.UserID,
		LeaveTypeID:    in.LeaveTypeID,
		Type:           in.Type,
		DeltaHours:     in.DeltaHours,
		BalanceAfter:   balance.Add(in.DeltaHours),
		Seq:            seq,
		Reason:         in.Reason,
		Reference:      in.Reference,
		IdempotencyKey: in.IdempotencyKey,
		CreatedBy:      in.CreatedBy,
		CreatedAt:      l.clock(),
	}

	if err := store.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func validateAppend(in AppendInput) error {
	if in.UserID == "" || in.LeaveTypeID == "" {
		return fmt.Errorf("%w: ledger append requires user and leave type", ErrBadRequest)
	}
	switch in.Type {
	case EntryCredit:
		if !in.DeltaHours.IsPositive() {
			return fmt.Errorf("%w: CREDIT delta must be positive, got %s", ErrBadRequest, in.DeltaHours)
		}
	case EntryDebit:
		if !in.DeltaHours.IsNegative() {
			return fmt.Errorf("%w: DEBIT delta must be negative, got %s", ErrBadRequest, in.DeltaHours)
		}
	default:
		return fmt.Errorf("%w: unknown entry type %q", ErrBadRequest, in.Type)
	}
	return nil
}

// CurrentBalance reads the latest entry's BalanceAfter, or zero when
// the chain is empty.
func (l *Ledger) CurrentBalance(ctx context.Context, user UserID, lt LeaveTypeID) (decimal.Decimal, error) {
	return CurrentBalanceIn(ctx, l.store, user, lt)
}

// CurrentBalanceIn is CurrentBalance against an explicit store.
func CurrentBalanceIn(ctx context.Context, store LedgerStore, user UserID, lt LeaveTypeID) (decimal.Decimal, error) {
	latest, err := store.LatestEntry(ctx, user, lt)
	if err != nil {
		return decimal.Zero, err
	}
	if latest == nil {
		return decimal.Zero, nil
	}
	return latest.BalanceAfter, nil
}

// History returns the chronological entry chain for audit and
// reporting.
func (l *Ledger) History(ctx context.Context, user UserID, lt LeaveTypeID) ([]LedgerEntry, error) {
	return l.store.ListEntries(ctx, user, lt)
}
