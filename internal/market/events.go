package market

import "github.com/shopspring/decimal"

// EventKind identifies a market state change.
type EventKind string

// Event kinds emitted by the Manager.
const (
	EventSaleStarted EventKind = "sale_started"
	EventSaleEnded   EventKind = "sale_ended"
	EventSaleExpired EventKind = "sale_expired"
	EventPurchase    EventKind = "purchase"
)

// Event describes one committed state change. Events carry value copies only,
// never live Sale pointers.
type Event struct {
	Kind     EventKind
	Sale     Snapshot
	SellerID string
	BuyerID  string
	Quantity decimal.Decimal
}

// Listener receives market events. Listeners are invoked outside the manager
// lock, in emission order, from the goroutine that performed the mutation.
type Listener func(Event)
