package opensway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AccountInfo is a read-only snapshot of a credit account.
type AccountInfo struct {
	PrincipalID string `json:"principalId"`
	// Balance is the committed balance; reservations are not yet subtracted.
	Balance int64 `json:"balance"`
	// Reserved is the sum of outstanding (uncommitted) holds.
	Reserved int64 `json:"reserved"`
	// MonthlyCeiling caps total committed spend per calendar month (UTC).
	// Zero means no ceiling.
	MonthlyCeiling int64 `json:"monthlyCeiling"`
	// MonthSpend is the committed spend in the current calendar month.
	MonthSpend int64 `json:"monthSpend"`
}

// CreditLedger tracks per-principal spend budgets with a two-phase hold:
// Reserve decrements the available balance immediately so concurrent
// admissions cannot overdraw, Commit finalizes the debit and Release returns
// the hold. Operations on the same account are serialized; unrelated
// principals never contend.
type CreditLedger interface {
	// Reserve places a hold of amount credits. ErrInsufficientCredit if the
	// available balance (balance minus outstanding holds) is too low or the
	// monthly ceiling would be exceeded.
	Reserve(ctx context.Context, principalID string, amount int64) (reservationID string, err error)
	// Commit finalizes a hold, debiting the balance and counting the spend
	// against the monthly window.
	Commit(ctx context.Context, reservationID string) error
	// Release returns a hold without charging it.
	Release(ctx context.Context, reservationID string) error
	// Account returns a snapshot of the principal's balances.
	Account(ctx context.Context, principalID string) (*AccountInfo, error)
}

// AccountCreator is implemented by ledgers that can provision accounts.
// Key issuance uses it to open an account alongside each new API key.
type AccountCreator interface {
	CreateAccount(ctx context.Context, principalID string, balance, monthlyCeiling int64) error
}

// creditAccount is one independently lockable ledger partition.
type creditAccount struct {
	mu             sync.Mutex
	balance        int64
	reserved       int64
	monthlyCeiling int64
	monthSpend     int64
	month          string // "2006-01" key of the spend window
}

type reservation struct {
	principalID string
	amount      int64
}

// MemLedger is an in-memory CreditLedger with per-account critical sections.
type MemLedger struct {
	mu       sync.RWMutex
	accounts map[string]*creditAccount

	resvMu       sync.Mutex
	reservations map[string]reservation

	now func() time.Time
}

// NewMemLedger creates an empty in-memory ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{
		accounts:     make(map[string]*creditAccount),
		reservations: make(map[string]reservation),
		now:          time.Now,
	}
}

// CreateAccount registers a principal with an opening balance and monthly
// ceiling. Creating an existing account overwrites its limits but keeps usage.
func (l *MemLedger) CreateAccount(_ context.Context, principalID string, balance, monthlyCeiling int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok := l.accounts[principalID]; ok {
		acc.mu.Lock()
		acc.balance = balance
		acc.monthlyCeiling = monthlyCeiling
		acc.mu.Unlock()
		return nil
	}
	l.accounts[principalID] = &creditAccount{balance: balance, monthlyCeiling: monthlyCeiling}
	return nil
}

func (l *MemLedger) account(principalID string) (*creditAccount, error) {
	l.mu.RLock()
	acc, ok := l.accounts[principalID]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acc, nil
}

// rollMonth resets the spend window when the calendar month changes.
// Caller holds acc.mu.
func (l *MemLedger) rollMonth(acc *creditAccount) {
	m := l.now().UTC().Format("2006-01")
	if acc.month != m {
		acc.month = m
		acc.monthSpend = 0
	}
}

func (l *MemLedger) Reserve(_ context.Context, principalID string, amount int64) (string, error) {
	acc, err := l.account(principalID)
	if err != nil {
		return "", err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	l.rollMonth(acc)
	if acc.balance-acc.reserved < amount {
		return "", ErrInsufficientCredit
	}
	if acc.monthlyCeiling > 0 && acc.monthSpend+acc.reserved+amount > acc.monthlyCeiling {
		return "", ErrInsufficientCredit
	}
	acc.reserved += amount

	rid := uuid.NewString()
	l.resvMu.Lock()
	l.reservations[rid] = reservation{principalID: principalID, amount: amount}
	l.resvMu.Unlock()
	return rid, nil
}

func (l *MemLedger) take(reservationID string) (reservation, error) {
	l.resvMu.Lock()
	defer l.resvMu.Unlock()
	r, ok := l.reservations[reservationID]
	if !ok {
		return reservation{}, ErrReservationNotFound
	}
	delete(l.reservations, reservationID)
	return r, nil
}

func (l *MemLedger) Commit(_ context.Context, reservationID string) error {
	r, err := l.take(reservationID)
	if err != nil {
		return err
	}
	acc, err := l.account(r.principalID)
	if err != nil {
		return err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	l.rollMonth(acc)
	acc.reserved -= r.amount
	acc.balance -= r.amount
	acc.monthSpend += r.amount
	return nil
}

func (l *MemLedger) Release(_ context.Context, reservationID string) error {
	r, err := l.take(reservationID)
	if err != nil {
		return err
	}
	acc, err := l.account(r.principalID)
	if err != nil {
		return err
	}
	acc.mu.Lock()
	acc.reserved -= r.amount
	acc.mu.Unlock()
	return nil
}

func (l *MemLedger) Account(_ context.Context, principalID string) (*AccountInfo, error) {
	acc, err := l.account(principalID)
	if err != nil {
		return nil, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	l.rollMonth(acc)
	return &AccountInfo{
		PrincipalID:    principalID,
		Balance:        acc.balance,
		Reserved:       acc.reserved,
		MonthlyCeiling: acc.monthlyCeiling,
		MonthSpend:     acc.monthSpend,
	}, nil
}
