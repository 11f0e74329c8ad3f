package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Sale is a time-bounded offer of a quantity of one catalog item. The
// remaining quantity is guarded by the sale's own mutex, so the open-check and
// decrement are atomic without the manager lock. Manager.HandleBuyRequest
// still calls TryPurchase while holding the manager lock.
type Sale struct {
	id       string
	itemName string
	sellerID string

	startTime time.Time
	duration  time.Duration

	mu           sync.Mutex
	remaining    decimal.Decimal
	forcedClosed bool
}

// newSale constructs an open sale. Callers validate the quantity and duration.
func newSale(id, itemName, sellerID string, quantity decimal.Decimal, duration time.Duration) *Sale {
	return &Sale{
		id:        id,
		itemName:  itemName,
		sellerID:  sellerID,
		startTime: time.Now(),
		duration:  duration,
		remaining: quantity,
	}
}

// ID returns the sale id.
func (s *Sale) ID() string { return s.id }

// ItemName returns the catalog item on offer.
func (s *Sale) ItemName() string { return s.itemName }

// SellerID returns the id of the seller that started the sale.
func (s *Sale) SellerID() string { return s.sellerID }

// Remaining returns the quantity still available.
func (s *Sale) Remaining() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// deadline is start + duration.
func (s *Sale) deadline() time.Time {
	return s.startTime.Add(s.duration)
}

// Open reports whether the sale still accepts purchases. A depleted sale
// stays open until the seller ends it or the deadline passes.
func (s *Sale) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

func (s *Sale) openLocked() bool {
	return !s.forcedClosed && time.Now().Before(s.deadline())
}

// TryPurchase decrements the remaining quantity by amount iff the sale is
// open and has at least that much left. The open-check and decrement are one
// atomic step: two buyers racing for the last unit see exactly one success.
// Amount must be strictly positive.
func (s *Sale) TryPurchase(amount decimal.Decimal) (bool, error) {
	if amount.Sign() <= 0 {
		return false, ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.openLocked() {
		return false, nil
	}
	if s.remaining.LessThan(amount) {
		return false, nil
	}

	s.remaining = s.remaining.Sub(amount)
	return true, nil
}

// ForceClose closes the sale and returns the unsold remainder exactly once.
// Subsequent calls are no-ops returning zero, so the credit-back to the
// seller's ledger cannot double-count.
func (s *Sale) ForceClose() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.forcedClosed {
		return decimal.Zero
	}
	s.forcedClosed = true

	unsold := s.remaining
	s.remaining = decimal.Zero
	return unsold
}

// RemainingTime returns max(0, deadline - now), or 0 once force-closed.
func (s *Sale) RemainingTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.forcedClosed {
		return 0
	}
	left := time.Until(s.deadline())
	if left < 0 {
		return 0
	}
	return left
}

// Snapshot is an immutable value copy of a sale, safe to ship over the wire
// without further synchronization.
type Snapshot struct {
	ID            string
	Name          string
	Quantity      decimal.Decimal
	SellerID      string
	RemainingTime time.Duration
}

// Snapshot takes a consistent copy of the sale's observable state.
func (s *Sale) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	left := time.Duration(0)
	if !s.forcedClosed {
		if until := time.Until(s.deadline()); until > 0 {
			left = until
		}
	}

	return Snapshot{
		ID:            s.id,
		Name:          s.itemName,
		Quantity:      s.remaining,
		SellerID:      s.sellerID,
		RemainingTime: left,
	}
}
