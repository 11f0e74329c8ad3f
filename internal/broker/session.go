// Package broker implements the TCP broker server: per-connection sessions,
// the live-session registry, and the broadcast router.
package broker

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agora-exchange/agorad/internal/market"
	"github.com/agora-exchange/agorad/internal/protocol"
	"github.com/agora-exchange/agorad/pkg/logging"
)

// Role is the behavior variant a client registers as.
type Role string

// Client roles.
const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
)

const (
	handshakeTimeout = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// ErrNotRegistered is returned when the first inbound frame is not REGISTER.
var ErrNotRegistered = errors.New("first message must be REGISTER")

// Session is the per-connection agent translating framed messages into
// market operations and back. All outbound frames, responses and broadcasts
// alike, flow through one writer goroutine so producers never interleave
// frames on the wire.
type Session struct {
	id   string
	role Role
	conn net.Conn

	server *Server
	market *market.Manager
	log    *logging.Logger

	out    chan *protocol.Message
	failed atomic.Bool

	lastHeartbeat atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn net.Conn, srv *Server) *Session {
	return &Session{
		conn:   conn,
		server: srv,
		market: srv.market,
		log:    logging.GetDefault().Component("session"),
		out:    make(chan *protocol.Message, srv.cfg.SessionQueue),
		closed: make(chan struct{}),
	}
}

// ID returns the broker-assigned client id. Empty until registration.
func (s *Session) ID() string { return s.id }

// Role returns the registered client role.
func (s *Session) Role() Role { return s.role }

// LastHeartbeat returns the time of the last inbound frame.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

// run drives the session: handshake, then the message loop. It owns the
// connection and tears everything down on exit.
func (s *Session) run() {
	defer s.teardown()

	if err := s.handshake(); err != nil {
		s.log.Warn("Registration failed", "remote", s.conn.RemoteAddr(), "error", err)
		return
	}

	go s.writeLoop()

	s.log.Info("Client registered",
		"client", s.id,
		"role", s.role,
		"remote", s.conn.RemoteAddr())

	s.send(protocol.New(protocol.MsgAck, "", map[string]interface{}{
		"clientId": s.id,
	}))

	s.readLoop()
}

// handshake reads exactly one frame, which must be a REGISTER carrying a
// valid clientType. Anything else is a protocol error and the connection is
// closed without a session ever being registered.
func (s *Session) handshake() error {
	s.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	msg, err := protocol.ReadMessage(s.conn)
	if err != nil {
		return fmt.Errorf("reading registration: %w", err)
	}
	if msg.Type != protocol.MsgRegister {
		s.writeNow(protocol.NewError("", "first message must be REGISTER"))
		return ErrNotRegistered
	}

	clientType, err := msg.String("clientType")
	if err != nil {
		s.writeNow(protocol.NewError("", "REGISTER requires clientType"))
		return err
	}

	switch clientType {
	case protocol.ClientTypeBuyer:
		s.role = RoleBuyer
	case protocol.ClientTypeSeller:
		s.role = RoleSeller
	default:
		s.writeNow(protocol.NewError("", "clientType must be BUYER or SELLER"))
		return fmt.Errorf("invalid clientType %q", clientType)
	}

	s.id = uuid.NewString()[:8]
	s.touch()

	if s.role == RoleSeller {
		s.market.InitializeSellerStock(s.id)
	}

	s.server.register(s)
	s.conn.SetReadDeadline(time.Time{})
	return nil
}

// readLoop reads frames until EOF, I/O error, or an unrecoverable decode
// error, dispatching each by kind.
func (s *Session) readLoop() {
	for {
		msg, err := protocol.ReadMessage(s.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("Session read ended", "client", s.id, "error", err)
			}
			return
		}

		s.touch()
		s.dispatch(msg)
	}
}

// dispatch routes one inbound message by kind, enforcing the role table. A
// role violation gets an ERROR reply and the session continues.
func (s *Session) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.MsgSaleStart:
		if !s.requireRole(RoleSeller, msg.Type) {
			return
		}
		s.handleSaleStart(msg)

	case protocol.MsgSaleEnd:
		if !s.requireRole(RoleSeller, msg.Type) {
			return
		}
		s.handleSaleEnd()

	case protocol.MsgBuyRequest:
		if !s.requireRole(RoleBuyer, msg.Type) {
			return
		}
		s.handleBuyRequest(msg)

	case protocol.MsgListItems:
		s.handleListItems()

	case protocol.MsgHeartbeat:
		// Timestamp already refreshed; heartbeats get no reply.

	case protocol.MsgRegister:
		s.send(protocol.NewError("", "already registered"))

	default:
		s.log.Warn("Unknown message type", "client", s.id, "type", msg.Type)
		s.send(protocol.NewError("", fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

func (s *Session) requireRole(want Role, kind protocol.MessageType) bool {
	if s.role == want {
		return true
	}
	s.log.Warn("Role violation", "client", s.id, "role", s.role, "type", kind)
	s.send(protocol.NewError("", fmt.Sprintf("%s requires role %s", kind, want)))
	return false
}

func (s *Session) handleSaleStart(msg *protocol.Message) {
	name, err := msg.String("name")
	if err != nil {
		s.send(protocol.NewError("", "SALE_START requires name"))
		return
	}
	quantity, err := msg.Quantity("quantity")
	if err != nil {
		s.send(protocol.NewError("", "SALE_START requires quantity"))
		return
	}

	snap, err := s.market.StartSale(s.id, name, quantity)
	if err != nil {
		s.send(protocol.NewError("", err.Error()))
		return
	}

	s.send(protocol.New(protocol.MsgSaleStart, "", map[string]interface{}{
		"success":       true,
		"itemId":        snap.ID,
		"name":          snap.Name,
		"quantity":      snap.Quantity.String(),
		"remainingTime": snap.RemainingTime.Milliseconds(),
	}))
}

func (s *Session) handleSaleEnd() {
	s.market.EndSellerSales(s.id)
	s.send(protocol.New(protocol.MsgSaleEnd, "", map[string]interface{}{
		"success": true,
	}))
}

func (s *Session) handleBuyRequest(msg *protocol.Message) {
	itemID, err := msg.String("itemId")
	if err != nil {
		s.send(protocol.NewError("", "BUY_REQUEST requires itemId"))
		return
	}
	quantity, err := msg.Quantity("quantity")
	if err != nil {
		s.send(protocol.NewError("", "BUY_REQUEST requires quantity"))
		return
	}

	ok, err := s.market.HandleBuyRequest(itemID, quantity, s.id)
	if err != nil {
		// Non-positive quantity is a malformed request, not a sold-out sale.
		s.send(protocol.NewError("", err.Error()))
		return
	}

	s.send(protocol.New(protocol.MsgBuyResponse, "", map[string]interface{}{
		"success":  ok,
		"itemId":   itemID,
		"quantity": quantity.String(),
	}))
}

func (s *Session) handleListItems() {
	s.send(protocol.New(protocol.MsgListItems, "", map[string]interface{}{
		"items": snapshotItems(s.market.ActiveItems()),
	}))
}

// send enqueues an outbound message. A full queue means the client is not
// draining its socket; the session is marked failed and reaped.
func (s *Session) send(msg *protocol.Message) {
	if s.failed.Load() {
		return
	}
	select {
	case s.out <- msg:
	default:
		s.log.Warn("Outbound queue full, failing session", "client", s.id)
		s.fail()
	}
}

// writeLoop serializes all outbound frames onto the wire.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.out:
			if err := s.writeNow(msg); err != nil {
				s.log.Debug("Session write failed", "client", s.id, "error", err)
				s.fail()
				return
			}
		}
	}
}

func (s *Session) writeNow(msg *protocol.Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return protocol.WriteMessage(s.conn, msg)
}

func (s *Session) touch() {
	s.lastHeartbeat.Store(time.Now().UnixNano())
}

// fail marks the session dead and closes the connection, unblocking the read
// loop.
func (s *Session) fail() {
	s.failed.Store(true)
	s.conn.Close()
}

// teardown removes the session from the registry and closes the socket. The
// seller's ledger is intentionally left in the market: it outlives the
// session.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		if s.id != "" {
			s.server.unregister(s.id)
			s.log.Info("Client disconnected", "client", s.id, "role", s.role)
		}
	})
}

// snapshotItems converts sale snapshots to their wire representation.
// Quantities travel as decimal strings, remaining time in milliseconds.
func snapshotItems(snaps []market.Snapshot) []interface{} {
	items := make([]interface{}, 0, len(snaps))
	for _, snap := range snaps {
		items = append(items, map[string]interface{}{
			"id":            snap.ID,
			"name":          snap.Name,
			"quantity":      snap.Quantity.String(),
			"sellerId":      snap.SellerID,
			"remainingTime": snap.RemainingTime.Milliseconds(),
		})
	}
	return items
}
