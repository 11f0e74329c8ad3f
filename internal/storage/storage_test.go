package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	store, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	dir := t.TempDir()

	store, err := New(&Config{DataDir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(filepath.Join(dir, "agora.db")); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if store.DB() == nil {
		t.Error("DB() returned nil")
	}
}

func TestSchema(t *testing.T) {
	store := newTestStorage(t)

	var tableName string
	err := store.DB().QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='market_events'",
	).Scan(&tableName)
	if err != nil {
		t.Errorf("market_events table not found: %v", err)
	}
}

func TestRecordAndListEvents(t *testing.T) {
	store := newTestStorage(t)

	events := []*JournalEvent{
		{Kind: "sale_started", SaleID: "s1", ItemName: "flower", SellerID: "alice", Quantity: decimal.NewFromInt(50)},
		{Kind: "purchase", SaleID: "s1", ItemName: "flower", SellerID: "alice", BuyerID: "bob", Quantity: decimal.NewFromInt(20)},
		{Kind: "sale_ended", SaleID: "s1", ItemName: "flower", SellerID: "alice", Quantity: decimal.NewFromInt(30)},
	}
	for _, ev := range events {
		if err := store.RecordEvent(ev); err != nil {
			t.Fatalf("RecordEvent() error = %v", err)
		}
	}

	// Newest first.
	got, err := store.ListEvents(EventFilter{})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Kind != "sale_ended" || got[2].Kind != "sale_started" {
		t.Errorf("order wrong: %s ... %s", got[0].Kind, got[2].Kind)
	}
	if got[1].BuyerID != "bob" || !got[1].Quantity.Equal(decimal.NewFromInt(20)) {
		t.Errorf("purchase row = %+v", got[1])
	}
	if got[0].RecordedAt.IsZero() {
		t.Error("recorded_at not stamped")
	}
}

func TestListEventsFilters(t *testing.T) {
	store := newTestStorage(t)

	store.RecordEvent(&JournalEvent{Kind: "purchase", SaleID: "s1", ItemName: "oil", SellerID: "alice", BuyerID: "bob", Quantity: decimal.NewFromInt(1)})
	store.RecordEvent(&JournalEvent{Kind: "purchase", SaleID: "s2", ItemName: "oil", SellerID: "carol", BuyerID: "bob", Quantity: decimal.NewFromInt(2)})
	store.RecordEvent(&JournalEvent{Kind: "sale_started", SaleID: "s3", ItemName: "oil", SellerID: "alice", Quantity: decimal.NewFromInt(9)})

	byKind, err := store.ListEvents(EventFilter{Kind: "purchase"})
	if err != nil || len(byKind) != 2 {
		t.Errorf("ListEvents(kind) = %d rows, %v; want 2", len(byKind), err)
	}

	bySeller, err := store.ListEvents(EventFilter{SellerID: "alice"})
	if err != nil || len(bySeller) != 2 {
		t.Errorf("ListEvents(seller) = %d rows, %v; want 2", len(bySeller), err)
	}

	bySale, err := store.ListEvents(EventFilter{SaleID: "s2"})
	if err != nil || len(bySale) != 1 {
		t.Errorf("ListEvents(sale) = %d rows, %v; want 1", len(bySale), err)
	}

	limited, err := store.ListEvents(EventFilter{Limit: 1})
	if err != nil || len(limited) != 1 {
		t.Errorf("ListEvents(limit) = %d rows, %v; want 1", len(limited), err)
	}
}

func TestCountEvents(t *testing.T) {
	store := newTestStorage(t)

	store.RecordEvent(&JournalEvent{Kind: "purchase", SaleID: "s1", ItemName: "oil", SellerID: "a", Quantity: decimal.NewFromInt(1)})
	store.RecordEvent(&JournalEvent{Kind: "sale_started", SaleID: "s2", ItemName: "oil", SellerID: "a", Quantity: decimal.NewFromInt(1)})

	if n, err := store.CountEvents(""); err != nil || n != 2 {
		t.Errorf("CountEvents() = %d, %v; want 2", n, err)
	}
	if n, err := store.CountEvents("purchase"); err != nil || n != 1 {
		t.Errorf("CountEvents(purchase) = %d, %v; want 1", n, err)
	}
}

func TestQuantityPrecisionSurvives(t *testing.T) {
	store := newTestStorage(t)

	q, _ := decimal.NewFromString("0.123456789")
	store.RecordEvent(&JournalEvent{Kind: "purchase", SaleID: "s1", ItemName: "oil", SellerID: "a", Quantity: q})

	got, err := store.ListEvents(EventFilter{})
	if err != nil || len(got) != 1 {
		t.Fatalf("ListEvents() = %v, %v", got, err)
	}
	if !got[0].Quantity.Equal(q) {
		t.Errorf("quantity = %s, want %s", got[0].Quantity, q)
	}
}
