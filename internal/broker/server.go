package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/agora-exchange/agorad/internal/market"
	"github.com/agora-exchange/agorad/internal/protocol"
	"github.com/agora-exchange/agorad/pkg/logging"
)

// Config holds broker server tunables.
type Config struct {
	// Addr is the TCP listen address.
	Addr string

	// BroadcastQueue bounds the shared broadcast queue.
	BroadcastQueue int

	// SessionQueue bounds each session's outbound queue.
	SessionQueue int

	// DrainTimeout caps the best-effort broadcast drain during shutdown.
	DrainTimeout time.Duration

	// IdleTimeout culls sessions silent for longer than this. Zero disables
	// culling, which is the reference behavior.
	IdleTimeout time.Duration
}

// DefaultConfig returns the broker defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":5000",
		BroadcastQueue: 256,
		SessionQueue:   64,
		DrainTimeout:   3 * time.Second,
	}
}

// audience selects the subset of sessions a broadcast is delivered to.
type audience int

const (
	audienceAll audience = iota
	audienceBuyers
	audienceOne
)

type broadcast struct {
	aud    audience
	target string
	msg    *protocol.Message
}

// Server owns the TCP accept loop, the live-session registry, and the
// broadcast dispatcher.
type Server struct {
	cfg    Config
	market *market.Manager
	log    *logging.Logger

	listener net.Listener

	mu       sync.RWMutex
	sessions map[string]*Session

	queue chan broadcast

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// NewServer creates a broker server bound to the market manager. The server
// subscribes to market events so every state change, including sweeper
// expiry, fans out to the connected sessions.
func NewServer(m *market.Manager, cfg Config) *Server {
	if cfg.BroadcastQueue <= 0 {
		cfg.BroadcastQueue = 256
	}
	if cfg.SessionQueue <= 0 {
		cfg.SessionQueue = 64
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 3 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		market:   m,
		log:      logging.GetDefault().Component("broker"),
		sessions: make(map[string]*Session),
		queue:    make(chan broadcast, cfg.BroadcastQueue),
		ctx:      ctx,
		cancel:   cancel,
	}

	m.OnEvent(s.onMarketEvent)
	return s
}

// Start binds the listener and launches the accept and dispatch loops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.wg.Add(2)
	go s.acceptLoop()
	go s.dispatchLoop()

	if s.cfg.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.cullLoop()
	}

	s.log.Info("Broker listening", "addr", ln.Addr())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the broker down: stop accepting, drain broadcasts best-effort,
// close every session, close the listener. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.log.Info("Broker stopping")

		if s.listener != nil {
			s.listener.Close()
		}
		s.cancel()
		s.wg.Wait()

		s.mu.Lock()
		sessions := make([]*Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()

		for _, sess := range sessions {
			sess.teardown()
		}
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("Accept failed", "error", err)
			continue
		}

		sess := newSession(conn, s)
		go sess.run()
	}
}

// register inserts a freshly handshaken session into the registry.
// Registration is atomic with broadcast enumeration: a late registrant may
// miss the in-flight broadcast but receives all subsequent ones.
func (s *Server) register(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SessionCount returns the number of registered sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SessionInfo is a value copy of a session's registry entry.
type SessionInfo struct {
	ID            string
	Role          Role
	Remote        string
	LastHeartbeat time.Time
}

// Sessions returns info for every registered session.
func (s *Server) Sessions() []SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, SessionInfo{
			ID:            sess.id,
			Role:          sess.role,
			Remote:        sess.conn.RemoteAddr().String(),
			LastHeartbeat: sess.LastHeartbeat(),
		})
	}
	return infos
}

// onMarketEvent translates a market state change into broadcasts.
// Audiences: STOCK_UPDATE goes to buyers, SALE_START and SALE_END to all
// sessions, PURCHASE_NOTIFICATION only to the owning seller.
func (s *Server) onMarketEvent(ev market.Event) {
	switch ev.Kind {
	case market.EventSaleStarted:
		s.enqueue(broadcast{aud: audienceAll, msg: protocol.New(protocol.MsgSaleStart, "", map[string]interface{}{
			"itemId":   ev.Sale.ID,
			"sellerId": ev.SellerID,
		})})
		s.enqueueStockUpdate()

	case market.EventSaleEnded, market.EventSaleExpired:
		s.enqueue(broadcast{aud: audienceAll, msg: protocol.New(protocol.MsgSaleEnd, "", map[string]interface{}{
			"items": snapshotItems(s.market.ActiveItems()),
		})})
		s.enqueueStockUpdate()

	case market.EventPurchase:
		s.enqueueStockUpdate()
		s.enqueue(broadcast{aud: audienceOne, target: ev.SellerID, msg: protocol.New(protocol.MsgPurchaseNotification, "", map[string]interface{}{
			"itemId":   ev.Sale.ID,
			"quantity": ev.Quantity.String(),
			"buyerId":  ev.BuyerID,
		})})
	}
}

func (s *Server) enqueueStockUpdate() {
	s.enqueue(broadcast{aud: audienceBuyers, msg: protocol.New(protocol.MsgStockUpdate, "", map[string]interface{}{
		"items": snapshotItems(s.market.ActiveItems()),
	})})
}

// enqueue adds a broadcast without blocking the producer. A full queue drops
// the event with a warning, mirroring the overflow policy of the admin hub.
func (s *Server) enqueue(b broadcast) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.queue <- b:
	default:
		s.log.Warn("Broadcast queue full, dropping event", "type", b.msg.Type)
	}
}

func (s *Server) dispatchLoop() {
	defer s.wg.Done()

	for {
		select {
		case b := <-s.queue:
			s.deliver(b)
		case <-s.ctx.Done():
			s.drainQueue()
			return
		}
	}
}

// drainQueue delivers whatever is still queued, bounded by DrainTimeout.
func (s *Server) drainQueue() {
	deadline := time.NewTimer(s.cfg.DrainTimeout)
	defer deadline.Stop()

	for {
		select {
		case b := <-s.queue:
			s.deliver(b)
		case <-deadline.C:
			return
		default:
			return
		}
	}
}

// deliver fans one broadcast out to its audience. A recipient whose queue is
// full is failed by Session.send and reaped through its own teardown; other
// deliveries proceed.
func (s *Server) deliver(b broadcast) {
	s.mu.RLock()
	recipients := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		switch b.aud {
		case audienceAll:
			recipients = append(recipients, sess)
		case audienceBuyers:
			if sess.role == RoleBuyer {
				recipients = append(recipients, sess)
			}
		case audienceOne:
			if sess.id == b.target {
				recipients = append(recipients, sess)
			}
		}
	}
	s.mu.RUnlock()

	for _, sess := range recipients {
		sess.send(b.msg)
	}
}

// cullLoop reaps sessions that have been silent past the idle timeout.
func (s *Server) cullLoop() {
	defer s.wg.Done()

	interval := s.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.IdleTimeout)
			s.mu.RLock()
			var stale []*Session
			for _, sess := range s.sessions {
				if sess.LastHeartbeat().Before(cutoff) {
					stale = append(stale, sess)
				}
			}
			s.mu.RUnlock()

			for _, sess := range stale {
				s.log.Info("Culling idle session", "client", sess.id)
				sess.fail()
			}
		}
	}
}
