package market

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Ledger maps catalog item names to a seller's on-hand quantity not currently
// committed to any active sale. It is a pure data structure; the Manager that
// owns it supplies all synchronization.
type Ledger struct {
	sellerID string
	balances map[string]decimal.Decimal
}

// newLedger seeds a ledger with a uniform starting quantity per catalog item.
func newLedger(sellerID string, catalog Catalog, initialStock decimal.Decimal) *Ledger {
	balances := make(map[string]decimal.Decimal, len(catalog))
	for item := range catalog {
		balances[item] = initialStock
	}
	return &Ledger{sellerID: sellerID, balances: balances}
}

// Available returns the balance for an item. Unknown items read as zero.
func (l *Ledger) Available(item string) decimal.Decimal {
	return l.balances[item]
}

// Debit removes amount from an item's balance. The balance never goes
// negative: a debit that would is rejected before any mutation.
func (l *Ledger) Debit(item string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidQuantity
	}
	balance := l.balances[item]
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, need %s", ErrInsufficientStock, item, balance, amount)
	}
	l.balances[item] = balance.Sub(amount)
	return nil
}

// Credit adds amount back to an item's balance.
func (l *Ledger) Credit(item string, amount decimal.Decimal) {
	if amount.Sign() <= 0 {
		return
	}
	l.balances[item] = l.balances[item].Add(amount)
}

// Balances returns a copy of the item balances.
func (l *Ledger) Balances() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(l.balances))
	for item, q := range l.balances {
		out[item] = q
	}
	return out
}
