package market

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agora-exchange/agorad/pkg/logging"
)

// Market errors.
var (
	ErrUnknownSeller     = errors.New("unknown seller")
	ErrUnknownItem       = errors.New("unknown item")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInvalidDuration   = errors.New("sale duration must be in (0, 60s]")
)

// MaxSaleDuration is the hard ceiling on a sale's lifetime. The 1-second
// sweeper granularity is part of the observable contract, so clients are
// promised at most MaxSaleDuration plus one sweep tick.
const MaxSaleDuration = 60 * time.Second

// Config holds the market-level tunables.
type Config struct {
	// Catalog is the fixed item set. Empty means DefaultCatalog.
	Catalog []string

	// InitialStock seeds every catalog item of a newly registered seller.
	InitialStock decimal.Decimal

	// SaleDuration is applied to every sale at creation.
	SaleDuration time.Duration
}

// DefaultConfig returns the market defaults.
func DefaultConfig() Config {
	return Config{
		Catalog:      DefaultCatalog,
		InitialStock: decimal.NewFromInt(1000),
		SaleDuration: MaxSaleDuration,
	}
}

// Manager is the authoritative market state: active sales indexed by sale id
// and seller ledgers indexed by seller id. All mutating operations are
// serialized under one manager-wide lock; per-sale buy contention is settled
// by the Sale's own mutex.
type Manager struct {
	mu      sync.Mutex
	sales   map[string]*Sale
	ledgers map[string]*Ledger

	catalog      Catalog
	initialStock decimal.Decimal
	saleDuration time.Duration

	listenerMu sync.RWMutex
	listeners  []Listener

	log *logging.Logger
}

// NewManager creates a market manager. An out-of-range sale duration is a
// configuration error, not something to silently clamp.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.SaleDuration <= 0 || cfg.SaleDuration > MaxSaleDuration {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidDuration, cfg.SaleDuration)
	}
	if cfg.InitialStock.Sign() < 0 {
		return nil, fmt.Errorf("%w: initial stock %s", ErrInvalidQuantity, cfg.InitialStock)
	}

	items := cfg.Catalog
	if len(items) == 0 {
		items = DefaultCatalog
	}

	return &Manager{
		sales:        make(map[string]*Sale),
		ledgers:      make(map[string]*Ledger),
		catalog:      NewCatalog(items),
		initialStock: cfg.InitialStock,
		saleDuration: cfg.SaleDuration,
		log:          logging.GetDefault().Component("market"),
	}, nil
}

// Catalog returns the fixed item set.
func (m *Manager) Catalog() Catalog {
	return m.catalog
}

// OnEvent registers a listener for market events.
func (m *Manager) OnEvent(l Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// emit delivers events to listeners. Always called with the manager lock
// released so a listener can safely call back into the manager.
func (m *Manager) emit(events ...Event) {
	m.listenerMu.RLock()
	listeners := m.listeners
	m.listenerMu.RUnlock()

	for _, ev := range events {
		for _, l := range listeners {
			l(ev)
		}
	}
}

// InitializeSellerStock creates the seller's ledger seeded with the default
// stock per catalog item. Re-registration of a known seller keeps the
// existing ledger: returning sellers retain prior stock within a process
// lifetime.
func (m *Manager) InitializeSellerStock(sellerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ledgers[sellerID]; ok {
		return
	}
	m.ledgers[sellerID] = newLedger(sellerID, m.catalog, m.initialStock)
	m.log.Info("Seller ledger created", "seller", sellerID, "stock", m.initialStock)
}

// StartSale debits the seller's ledger and opens a sale for the given
// quantity of the item.
func (m *Manager) StartSale(sellerID, itemName string, quantity decimal.Decimal) (Snapshot, error) {
	if quantity.Sign() <= 0 {
		return Snapshot{}, ErrInvalidQuantity
	}

	m.mu.Lock()

	ledger, ok := m.ledgers[sellerID]
	if !ok {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownSeller, sellerID)
	}
	if !m.catalog.Contains(itemName) {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemName)
	}
	if err := ledger.Debit(itemName, quantity); err != nil {
		m.mu.Unlock()
		return Snapshot{}, err
	}

	sale := newSale(newSaleID(sellerID), itemName, sellerID, quantity, m.saleDuration)
	m.sales[sale.ID()] = sale
	snap := sale.Snapshot()
	m.mu.Unlock()

	m.log.Info("Sale started",
		"sale", sale.ID(),
		"seller", sellerID,
		"item", itemName,
		"quantity", quantity)

	m.emit(Event{Kind: EventSaleStarted, Sale: snap, SellerID: sellerID})
	return snap, nil
}

// HandleBuyRequest attempts a purchase against a sale. A missing, expired, or
// depleted sale is a normal false outcome, not an error; only a non-positive
// quantity is rejected as invalid.
func (m *Manager) HandleBuyRequest(saleID string, quantity decimal.Decimal, buyerID string) (bool, error) {
	if quantity.Sign() <= 0 {
		return false, ErrInvalidQuantity
	}

	m.mu.Lock()
	sale, ok := m.sales[saleID]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}

	ok, err := sale.TryPurchase(quantity)
	var snap Snapshot
	if ok {
		snap = sale.Snapshot()
	}
	m.mu.Unlock()

	if err != nil || !ok {
		return false, err
	}

	m.log.Info("Purchase committed",
		"sale", saleID,
		"buyer", buyerID,
		"quantity", quantity,
		"remaining", snap.Quantity)

	m.emit(Event{
		Kind:     EventPurchase,
		Sale:     snap,
		SellerID: snap.SellerID,
		BuyerID:  buyerID,
		Quantity: quantity,
	})
	return true, nil
}

// EndSellerSales force-closes every active sale owned by the seller,
// crediting the unsold remainder back to the seller's ledger. Idempotent when
// no sales are active. Returns the number of sales closed.
func (m *Manager) EndSellerSales(sellerID string) int {
	return m.closeSales(func(s *Sale) bool { return s.SellerID() == sellerID }, EventSaleEnded)
}

// sweepExpired closes every sale whose deadline has passed, routing each
// through the same close path as EndSellerSales.
func (m *Manager) sweepExpired() int {
	return m.closeSales(func(s *Sale) bool { return !s.Open() }, EventSaleExpired)
}

// closeSales removes the sales matching the predicate, credits remainders
// back, and emits one event per closed sale after releasing the lock.
func (m *Manager) closeSales(match func(*Sale) bool, kind EventKind) int {
	m.mu.Lock()

	var events []Event
	for id, sale := range m.sales {
		if !match(sale) {
			continue
		}

		unsold := sale.ForceClose()
		delete(m.sales, id)

		if ledger, ok := m.ledgers[sale.SellerID()]; ok {
			ledger.Credit(sale.ItemName(), unsold)
		}

		events = append(events, Event{
			Kind:     kind,
			Sale:     sale.Snapshot(),
			SellerID: sale.SellerID(),
			Quantity: unsold,
		})
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.log.Info("Sale closed",
			"sale", ev.Sale.ID,
			"seller", ev.SellerID,
			"reason", ev.Kind,
			"reclaimed", ev.Quantity)
	}
	m.emit(events...)
	return len(events)
}

// ActiveItems returns immutable snapshots of all open sales, taken while
// holding the lock. Sales past their deadline are filtered out even if the
// sweeper has not reaped them yet.
func (m *Manager) ActiveItems() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(m.sales))
	for _, sale := range m.sales {
		if !sale.Open() {
			continue
		}
		snapshots = append(snapshots, sale.Snapshot())
	}
	return snapshots
}

// SellerFor returns the seller owning a sale, if the sale exists.
func (m *Manager) SellerFor(saleID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sale, ok := m.sales[saleID]
	if !ok {
		return "", false
	}
	return sale.SellerID(), true
}

// LedgerBalances returns a copy of a seller's ledger, if the seller is known.
func (m *Manager) LedgerBalances(sellerID string) (map[string]decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ledger, ok := m.ledgers[sellerID]
	if !ok {
		return nil, false
	}
	return ledger.Balances(), true
}

// Stats returns the seller and active-sale counts.
func (m *Manager) Stats() (sellers, activeSales int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ledgers), len(m.sales)
}

// newSaleID derives a sale id unique across the process lifetime.
func newSaleID(sellerID string) string {
	return fmt.Sprintf("%s-%s", shortID(sellerID), uuid.NewString()[:8])
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
