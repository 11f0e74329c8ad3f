// Package protocol defines the framed message envelope spoken between the
// broker and its clients.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MessageType identifies the kind of a wire message.
type MessageType string

// Wire message kinds.
const (
	MsgRegister             MessageType = "REGISTER"
	MsgAck                  MessageType = "ACK"
	MsgSaleStart            MessageType = "SALE_START"
	MsgSaleEnd              MessageType = "SALE_END"
	MsgBuyRequest           MessageType = "BUY_REQUEST"
	MsgBuyResponse          MessageType = "BUY_RESPONSE"
	MsgListItems            MessageType = "LIST_ITEMS"
	MsgStockUpdate          MessageType = "STOCK_UPDATE"
	MsgError                MessageType = "ERROR"
	MsgHeartbeat            MessageType = "HEARTBEAT"
	MsgPurchaseNotification MessageType = "PURCHASE_NOTIFICATION"
)

// ClientType values carried in a REGISTER payload.
const (
	ClientTypeBuyer  = "BUYER"
	ClientTypeSeller = "SELLER"
)

// SenderUnregistered is the senderId used before registration completes.
const SenderUnregistered = "unregistered"

// Envelope errors.
var (
	ErrBadEnvelope  = errors.New("malformed message envelope")
	ErrMissingField = errors.New("missing mandatory field")
)

// Message is the self-describing envelope carried in every frame.
type Message struct {
	Type      MessageType            `json:"type"`
	Data      map[string]interface{} `json:"data"`
	SenderID  string                 `json:"senderId"`
	Timestamp int64                  `json:"timestamp"`
}

// New builds a message stamped with the current wall clock.
func New(t MessageType, sender string, data map[string]interface{}) *Message {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Message{
		Type:      t,
		Data:      data,
		SenderID:  sender,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewError builds an ERROR message carrying a human-readable reason.
func NewError(sender, reason string) *Message {
	return New(MsgError, sender, map[string]interface{}{"error": reason})
}

// String extracts a string field from the payload.
func (m *Message) String(key string) (string, error) {
	v, ok := m.Data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is not a string", ErrBadEnvelope, key)
	}
	return s, nil
}

// Quantity extracts a decimal quantity field. JSON clients may send the
// quantity either as a number or as a decimal string.
func (m *Message) Quantity(key string) (decimal.Decimal, error) {
	v, ok := m.Data[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	switch q := v.(type) {
	case string:
		d, err := decimal.NewFromString(q)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrBadEnvelope, key, err)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(q), nil
	case int:
		return decimal.NewFromInt(int64(q)), nil
	case int64:
		return decimal.NewFromInt(q), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %s is not a quantity", ErrBadEnvelope, key)
	}
}

// Bool extracts a boolean field from the payload.
func (m *Message) Bool(key string) (bool, error) {
	v, ok := m.Data[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s is not a bool", ErrBadEnvelope, key)
	}
	return b, nil
}
