package broker

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agora-exchange/agorad/internal/market"
	"github.com/agora-exchange/agorad/internal/protocol"
)

func qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func startBroker(t *testing.T) (*market.Manager, *Server) {
	t.Helper()

	m, err := market.NewManager(market.DefaultConfig())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	srv := NewServer(m, Config{Addr: "127.0.0.1:0"})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(srv.Stop)

	return m, srv
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func register(t *testing.T, conn net.Conn, clientType string) string {
	t.Helper()

	send(t, conn, protocol.New(protocol.MsgRegister, protocol.SenderUnregistered, map[string]interface{}{
		"clientType": clientType,
	}))

	ack := readUntil(t, conn, protocol.MsgAck)
	id, err := ack.String("clientId")
	if err != nil || id == "" {
		t.Fatalf("ACK missing clientId: %v", err)
	}
	return id
}

func send(t *testing.T, conn net.Conn, msg *protocol.Message) {
	t.Helper()
	if err := protocol.WriteMessage(conn, msg); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

// readUntil reads frames, skipping unrelated broadcasts, until a message of
// the wanted kind arrives.
func readUntil(t *testing.T, conn net.Conn, want protocol.MessageType) *protocol.Message {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

// readReply waits for a frame of the wanted kind that carries a success
// field, distinguishing a request reply from a broadcast of the same kind.
func readReply(t *testing.T, conn net.Conn, want protocol.MessageType) *protocol.Message {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			t.Fatalf("waiting for %s reply: %v", want, err)
		}
		if msg.Type != want {
			continue
		}
		if _, ok := msg.Data["success"]; ok {
			return msg
		}
	}
}

func items(t *testing.T, msg *protocol.Message) []map[string]interface{} {
	t.Helper()

	raw, ok := msg.Data["items"].([]interface{})
	if !ok {
		t.Fatalf("items payload missing: %+v", msg.Data)
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, it := range raw {
		entry, ok := it.(map[string]interface{})
		if !ok {
			t.Fatalf("item entry not an object: %+v", it)
		}
		out = append(out, entry)
	}
	return out
}

func TestRegisterHandshake(t *testing.T) {
	m, srv := startBroker(t)

	seller := dial(t, srv)
	sellerID := register(t, seller, protocol.ClientTypeSeller)

	buyer := dial(t, srv)
	buyerID := register(t, buyer, protocol.ClientTypeBuyer)

	if sellerID == buyerID {
		t.Error("client ids must be unique")
	}

	// Seller registration seeds a ledger.
	if _, ok := m.LedgerBalances(sellerID); !ok {
		t.Error("seller ledger not initialized")
	}
	if _, ok := m.LedgerBalances(buyerID); ok {
		t.Error("buyer must not get a ledger")
	}

	waitFor(t, func() bool { return srv.SessionCount() == 2 })
}

func TestFirstMessageMustBeRegister(t *testing.T) {
	_, srv := startBroker(t)

	conn := dial(t, srv)
	send(t, conn, protocol.New(protocol.MsgListItems, protocol.SenderUnregistered, nil))

	msg := readUntil(t, conn, protocol.MsgError)
	if _, err := msg.String("error"); err != nil {
		t.Errorf("ERROR without reason: %v", err)
	}

	// Connection is closed after the protocol violation.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := protocol.ReadMessage(conn); err == nil {
		t.Error("connection should be closed after failed handshake")
	}
	if srv.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d, want 0", srv.SessionCount())
	}
}

func TestRegisterRejectsBadClientType(t *testing.T) {
	_, srv := startBroker(t)

	conn := dial(t, srv)
	send(t, conn, protocol.New(protocol.MsgRegister, protocol.SenderUnregistered, map[string]interface{}{
		"clientType": "ADMIN",
	}))

	readUntil(t, conn, protocol.MsgError)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := protocol.ReadMessage(conn); err == nil {
		t.Error("connection should be closed after invalid clientType")
	}
}

// The S1 happy path: register, sell, list, buy, list, end.
func TestHappyPath(t *testing.T) {
	m, srv := startBroker(t)

	seller := dial(t, srv)
	sellerID := register(t, seller, protocol.ClientTypeSeller)

	buyer := dial(t, srv)
	register(t, buyer, protocol.ClientTypeBuyer)

	// Seller starts a sale of 50 flower.
	send(t, seller, protocol.New(protocol.MsgSaleStart, sellerID, map[string]interface{}{
		"name":     "flower",
		"quantity": 50,
	}))
	resp := readReply(t, seller, protocol.MsgSaleStart)
	if ok, _ := resp.Bool("success"); !ok {
		t.Fatalf("SALE_START failed: %+v", resp.Data)
	}
	saleID, _ := resp.String("itemId")
	if saleID == "" {
		t.Fatal("SALE_START reply missing itemId")
	}

	balances, _ := m.LedgerBalances(sellerID)
	if got := balances["flower"]; !got.Equal(qty(950)) {
		t.Errorf("ledger flower = %s, want 950", got)
	}

	// Buyer lists: one item with quantity 50.
	send(t, buyer, protocol.New(protocol.MsgListItems, "", nil))
	list := readUntil(t, buyer, protocol.MsgListItems)
	got := items(t, list)
	if len(got) != 1 || got[0]["quantity"] != "50" {
		t.Fatalf("LIST_ITEMS = %+v, want one item with quantity 50", got)
	}

	// Buyer purchases 20.
	send(t, buyer, protocol.New(protocol.MsgBuyRequest, "", map[string]interface{}{
		"itemId":   saleID,
		"quantity": 20,
	}))
	buyResp := readUntil(t, buyer, protocol.MsgBuyResponse)
	if ok, _ := buyResp.Bool("success"); !ok {
		t.Fatalf("BUY_REQUEST failed: %+v", buyResp.Data)
	}

	// Listing now shows 30.
	send(t, buyer, protocol.New(protocol.MsgListItems, "", nil))
	list = readUntil(t, buyer, protocol.MsgListItems)
	got = items(t, list)
	if len(got) != 1 || got[0]["quantity"] != "30" {
		t.Fatalf("LIST_ITEMS after buy = %+v, want quantity 30", got)
	}

	// Seller ends: unsold 30 flows back, ledger at 980.
	send(t, seller, protocol.New(protocol.MsgSaleEnd, sellerID, nil))
	endResp := readReply(t, seller, protocol.MsgSaleEnd)
	if ok, _ := endResp.Bool("success"); !ok {
		t.Fatalf("SALE_END failed: %+v", endResp.Data)
	}

	balances, _ = m.LedgerBalances(sellerID)
	if got := balances["flower"]; !got.Equal(qty(980)) {
		t.Errorf("ledger flower = %s, want 980", got)
	}
	if n := len(m.ActiveItems()); n != 0 {
		t.Errorf("active sales = %d, want 0", n)
	}
}

// S5: a role violation gets an ERROR and the session survives.
func TestRoleEnforcement(t *testing.T) {
	m, srv := startBroker(t)

	buyer := dial(t, srv)
	register(t, buyer, protocol.ClientTypeBuyer)

	send(t, buyer, protocol.New(protocol.MsgSaleStart, "", map[string]interface{}{
		"name":     "flower",
		"quantity": 10,
	}))
	readUntil(t, buyer, protocol.MsgError)

	if _, sales := m.Stats(); sales != 0 {
		t.Error("role violation must not mutate state")
	}

	// Session continues: a LIST_ITEMS still gets answered.
	send(t, buyer, protocol.New(protocol.MsgListItems, "", nil))
	readUntil(t, buyer, protocol.MsgListItems)

	// Sellers cannot buy either.
	seller := dial(t, srv)
	register(t, seller, protocol.ClientTypeSeller)
	send(t, seller, protocol.New(protocol.MsgBuyRequest, "", map[string]interface{}{
		"itemId":   "whatever",
		"quantity": 1,
	}))
	readUntil(t, seller, protocol.MsgError)
}

func TestBuyMissingSaleIsFalseNotError(t *testing.T) {
	_, srv := startBroker(t)

	buyer := dial(t, srv)
	register(t, buyer, protocol.ClientTypeBuyer)

	send(t, buyer, protocol.New(protocol.MsgBuyRequest, "", map[string]interface{}{
		"itemId":   "no-such-sale",
		"quantity": 5,
	}))
	resp := readUntil(t, buyer, protocol.MsgBuyResponse)
	if ok, _ := resp.Bool("success"); ok {
		t.Error("buy against missing sale should report success:false")
	}
}

// S6: both buyers receive a STOCK_UPDATE after a sale starts.
func TestBroadcastFanout(t *testing.T) {
	_, srv := startBroker(t)

	buyerA := dial(t, srv)
	register(t, buyerA, protocol.ClientTypeBuyer)
	buyerB := dial(t, srv)
	register(t, buyerB, protocol.ClientTypeBuyer)

	seller := dial(t, srv)
	sellerID := register(t, seller, protocol.ClientTypeSeller)

	send(t, seller, protocol.New(protocol.MsgSaleStart, sellerID, map[string]interface{}{
		"name":     "sugar",
		"quantity": 10,
	}))
	readReply(t, seller, protocol.MsgSaleStart)

	// Per-recipient FIFO: the SALE_START broadcast precedes the STOCK_UPDATE.
	for _, buyer := range []net.Conn{buyerA, buyerB} {
		start := readUntil(t, buyer, protocol.MsgSaleStart)
		if got, _ := start.String("sellerId"); got != sellerID {
			t.Errorf("SALE_START sellerId = %q, want %q", got, sellerID)
		}

		update := readUntil(t, buyer, protocol.MsgStockUpdate)
		if got := items(t, update); len(got) != 1 || got[0]["name"] != "sugar" {
			t.Errorf("STOCK_UPDATE = %+v, want one sugar sale", got)
		}
	}
}

func TestPurchaseNotificationTargetsSeller(t *testing.T) {
	_, srv := startBroker(t)

	seller := dial(t, srv)
	sellerID := register(t, seller, protocol.ClientTypeSeller)
	buyer := dial(t, srv)
	buyerID := register(t, buyer, protocol.ClientTypeBuyer)

	send(t, seller, protocol.New(protocol.MsgSaleStart, sellerID, map[string]interface{}{
		"name":     "oil",
		"quantity": 5,
	}))
	resp := readReply(t, seller, protocol.MsgSaleStart)
	saleID, _ := resp.String("itemId")

	send(t, buyer, protocol.New(protocol.MsgBuyRequest, buyerID, map[string]interface{}{
		"itemId":   saleID,
		"quantity": 2,
	}))
	readUntil(t, buyer, protocol.MsgBuyResponse)

	note := readUntil(t, seller, protocol.MsgPurchaseNotification)
	if gotBuyer, _ := note.String("buyerId"); gotBuyer != buyerID {
		t.Errorf("buyerId = %q, want %q", gotBuyer, buyerID)
	}
	if q, err := note.Quantity("quantity"); err != nil || !q.Equal(qty(2)) {
		t.Errorf("quantity = %s, %v", q, err)
	}
}

// S2: two buyers race for the last unit over the wire; exactly one wins.
func TestRaceOnLastUnit(t *testing.T) {
	_, srv := startBroker(t)

	seller := dial(t, srv)
	sellerID := register(t, seller, protocol.ClientTypeSeller)

	send(t, seller, protocol.New(protocol.MsgSaleStart, sellerID, map[string]interface{}{
		"name":     "sugar",
		"quantity": 10,
	}))
	resp := readReply(t, seller, protocol.MsgSaleStart)
	saleID, _ := resp.String("itemId")

	conns := []net.Conn{dial(t, srv), dial(t, srv)}
	for _, c := range conns {
		register(t, c, protocol.ClientTypeBuyer)
	}

	var wg sync.WaitGroup
	results := make([]bool, len(conns))
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c net.Conn) {
			defer wg.Done()
			if err := protocol.WriteMessage(c, protocol.New(protocol.MsgBuyRequest, "", map[string]interface{}{
				"itemId":   saleID,
				"quantity": 10,
			})); err != nil {
				t.Errorf("WriteMessage() error = %v", err)
				return
			}
			c.SetReadDeadline(time.Now().Add(3 * time.Second))
			for {
				msg, err := protocol.ReadMessage(c)
				if err != nil {
					t.Errorf("ReadMessage() error = %v", err)
					return
				}
				if msg.Type == protocol.MsgBuyResponse {
					results[i], _ = msg.Bool("success")
					return
				}
			}
		}(i, c)
	}
	wg.Wait()

	if results[0] == results[1] {
		t.Fatalf("want exactly one winner, got %v", results)
	}
}

func TestUnknownMessageTypeGetsError(t *testing.T) {
	_, srv := startBroker(t)

	conn := dial(t, srv)
	register(t, conn, protocol.ClientTypeBuyer)

	send(t, conn, protocol.New(protocol.MessageType("GAMBLE"), "", nil))
	readUntil(t, conn, protocol.MsgError)

	// Still alive afterwards.
	send(t, conn, protocol.New(protocol.MsgListItems, "", nil))
	readUntil(t, conn, protocol.MsgListItems)
}

func TestHeartbeatUpdatesTimestampWithoutReply(t *testing.T) {
	_, srv := startBroker(t)

	conn := dial(t, srv)
	id := register(t, conn, protocol.ClientTypeBuyer)

	before := sessionHeartbeat(t, srv, id)
	time.Sleep(10 * time.Millisecond)
	send(t, conn, protocol.New(protocol.MsgHeartbeat, id, nil))

	waitFor(t, func() bool { return sessionHeartbeat(t, srv, id).After(before) })

	// No reply to a heartbeat: the next frame we read is the LIST_ITEMS
	// response, not something queued in between.
	send(t, conn, protocol.New(protocol.MsgListItems, "", nil))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msg.Type != protocol.MsgListItems {
		t.Errorf("unexpected frame %s", msg.Type)
	}
}

func TestSellerLedgerSurvivesDisconnect(t *testing.T) {
	m, srv := startBroker(t)

	seller := dial(t, srv)
	sellerID := register(t, seller, protocol.ClientTypeSeller)
	seller.Close()

	waitFor(t, func() bool { return srv.SessionCount() == 0 })

	if _, ok := m.LedgerBalances(sellerID); !ok {
		t.Error("ledger must outlive the session")
	}
}

func TestStopIdempotent(t *testing.T) {
	_, srv := startBroker(t)
	srv.Stop()
	srv.Stop()
}

func sessionHeartbeat(t *testing.T, srv *Server, id string) time.Time {
	t.Helper()
	for _, info := range srv.Sessions() {
		if info.ID == id {
			return info.LastHeartbeat
		}
	}
	t.Fatalf("session %s not registered", id)
	return time.Time{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
