// Package budget tracks per-run spend against an optional USD cap. The
// ledger fails closed: a reservation that would breach the cap is denied
// before any money is spent, and uncertain states never allow a call.
package budget

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrExhausted is returned by Reserve when the requested amount does not fit
// in the remaining budget.
var ErrExhausted = errors.New("budget: exhausted")

// Ledger is the per-run spend tracker. A nil limit means unlimited; a zero
// limit is a real budget that admits only free calls. Safe for concurrent
// use by orchestrator workers.
type Ledger struct {
	mu       sync.Mutex
	limited  bool
	limitUSD float64
	spentUSD float64
}

// NewLedger builds a ledger. limit is the run's USD cap; nil means the run
// is not budget-constrained.
func NewLedger(limit *float64) *Ledger {
	l := &Ledger{}
	if limit != nil {
		l.limited = true
		l.limitUSD = math.Max(*limit, 0)
	}
	return l
}

// Limited reports whether the run carries a budget cap at all.
func (l *Ledger) Limited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limited
}

// Limit returns the USD cap. Meaningless when Limited is false.
func (l *Ledger) Limit() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitUSD
}

// Spent returns the total USD reserved so far.
func (l *Ledger) Spent() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spentUSD
}

// Remaining returns the USD still available. Unlimited ledgers report +Inf.
func (l *Ledger) Remaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingLocked()
}

func (l *Ledger) remainingLocked() float64 {
	if !l.limited {
		return math.Inf(1)
	}
	r := l.limitUSD - l.spentUSD
	if r < 0 {
		return 0
	}
	return r
}

// CanAfford reports whether a call costing amount would fit right now. Free
// calls always fit.
func (l *Ledger) CanAfford(amount float64) bool {
	if amount <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.limited || amount <= l.remainingLocked()+costEpsilon
}

// costEpsilon absorbs float accumulation error so a plan that exactly fills
// the budget is not rejected at run time.
const costEpsilon = 1e-9

// Reserve atomically charges amount against the budget. On ErrExhausted
// nothing is charged and the caller must not make the call.
func (l *Ledger) Reserve(amount float64) error {
	if amount < 0 {
		return fmt.Errorf("budget: negative amount %f", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limited && amount > l.remainingLocked()+costEpsilon {
		return fmt.Errorf("%w: %.4f USD requested, %.4f USD remaining", ErrExhausted, amount, l.remainingLocked())
	}
	l.spentUSD += amount
	return nil
}

// Refund returns a reservation for a call that was never made, such as an
// invocation cancelled before dispatch. Refunds never push spend below zero.
func (l *Ledger) Refund(amount float64) {
	if amount <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spentUSD -= amount
	if l.spentUSD < 0 {
		l.spentUSD = 0
	}
}
