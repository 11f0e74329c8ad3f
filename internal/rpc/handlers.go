// Package rpc - Admin method handlers.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/agora-exchange/agorad/internal/market"
	"github.com/agora-exchange/agorad/internal/storage"
)

// ErrJournalDisabled is returned by history methods when no journal is open.
var ErrJournalDisabled = errors.New("market journal disabled")

// SaleInfo is the admin view of one active sale.
type SaleInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Quantity      string `json:"quantity"`
	SellerID      string `json:"seller_id"`
	RemainingTime int64  `json:"remaining_time_ms"`
}

func saleToInfo(snap market.Snapshot) SaleInfo {
	return SaleInfo{
		ID:            snap.ID,
		Name:          snap.Name,
		Quantity:      snap.Quantity.String(),
		SellerID:      snap.SellerID,
		RemainingTime: snap.RemainingTime.Milliseconds(),
	}
}

// marketStatus reports seller/sale/session counts.
func (s *Server) marketStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	sellers, activeSales := s.market.Stats()
	return map[string]interface{}{
		"sellers":      sellers,
		"active_sales": activeSales,
		"sessions":     s.broker.SessionCount(),
	}, nil
}

// marketSales lists the open sales.
func (s *Server) marketSales(ctx context.Context, params json.RawMessage) (interface{}, error) {
	snaps := s.market.ActiveItems()
	sales := make([]SaleInfo, 0, len(snaps))
	for _, snap := range snaps {
		sales = append(sales, saleToInfo(snap))
	}
	return map[string]interface{}{"sales": sales}, nil
}

// marketCatalog lists the fixed item set.
func (s *Server) marketCatalog(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"items": s.market.Catalog().Items()}, nil
}

// historyParams narrows market_history.
type historyParams struct {
	Kind     string `json:"kind,omitempty"`
	SellerID string `json:"seller_id,omitempty"`
	SaleID   string `json:"sale_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// marketHistory lists journal rows, newest first.
func (s *Server) marketHistory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.store == nil {
		return nil, ErrJournalDisabled
	}

	var p historyParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 100
	}

	events, err := s.store.ListEvents(storage.EventFilter{
		Kind:     p.Kind,
		SellerID: p.SellerID,
		SaleID:   p.SaleID,
		Limit:    p.Limit,
	})
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]interface{}, 0, len(events))
	for _, ev := range events {
		rows = append(rows, map[string]interface{}{
			"seq":         ev.Seq,
			"recorded_at": ev.RecordedAt.Format(time.RFC3339Nano),
			"kind":        ev.Kind,
			"sale_id":     ev.SaleID,
			"item":        ev.ItemName,
			"seller_id":   ev.SellerID,
			"buyer_id":    ev.BuyerID,
			"quantity":    ev.Quantity.String(),
		})
	}
	return map[string]interface{}{"events": rows}, nil
}

// brokerSessions lists the live client sessions.
func (s *Server) brokerSessions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	infos := s.broker.Sessions()
	sessions := make([]map[string]interface{}, 0, len(infos))
	for _, info := range infos {
		sessions = append(sessions, map[string]interface{}{
			"client_id":      info.ID,
			"role":           string(info.Role),
			"remote":         info.Remote,
			"last_heartbeat": info.LastHeartbeat.Format(time.RFC3339Nano),
		})
	}
	return map[string]interface{}{"sessions": sessions}, nil
}
