// Package storage - Market journal operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrEventNotFound is returned when a journal row does not exist.
var ErrEventNotFound = errors.New("journal event not found")

// JournalEvent is one audit row.
type JournalEvent struct {
	Seq        int64
	RecordedAt time.Time
	Kind       string
	SaleID     string
	ItemName   string
	SellerID   string
	BuyerID    string
	Quantity   decimal.Decimal
}

// RecordEvent appends one event to the journal.
func (s *Storage) RecordEvent(ev *JournalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordedAt := ev.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO market_events (recorded_at, kind, sale_id, item_name, seller_id, buyer_id, quantity)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		recordedAt.UnixMilli(), ev.Kind, ev.SaleID, ev.ItemName,
		ev.SellerID, ev.BuyerID, ev.Quantity.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Kind     string
	SellerID string
	SaleID   string
	Limit    int
}

// ListEvents returns journal rows matching the filter, newest first.
func (s *Storage) ListEvents(filter EventFilter) ([]*JournalEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT seq, recorded_at, kind, sale_id, item_name, seller_id, buyer_id, quantity
		FROM market_events WHERE 1=1
	`
	args := []interface{}{}

	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.SellerID != "" {
		query += " AND seller_id = ?"
		args = append(args, filter.SellerID)
	}
	if filter.SaleID != "" {
		query += " AND sale_id = ?"
		args = append(args, filter.SaleID)
	}

	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*JournalEvent
	for rows.Next() {
		var ev JournalEvent
		var recordedAt int64
		var buyerID sql.NullString
		var quantity string

		if err := rows.Scan(
			&ev.Seq, &recordedAt, &ev.Kind, &ev.SaleID,
			&ev.ItemName, &ev.SellerID, &buyerID, &quantity,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		ev.RecordedAt = time.UnixMilli(recordedAt)
		ev.BuyerID = buyerID.String
		q, err := decimal.NewFromString(quantity)
		if err != nil {
			return nil, fmt.Errorf("corrupt quantity in journal row %d: %w", ev.Seq, err)
		}
		ev.Quantity = q

		events = append(events, &ev)
	}
	return events, rows.Err()
}

// CountEvents returns the number of journal rows, optionally per kind.
func (s *Storage) CountEvents(kind string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	var err error
	if kind != "" {
		err = s.db.QueryRow("SELECT COUNT(*) FROM market_events WHERE kind = ?", kind).Scan(&count)
	} else {
		err = s.db.QueryRow("SELECT COUNT(*) FROM market_events").Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
