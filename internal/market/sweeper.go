package market

import (
	"context"
	"fmt"
	"time"

	"github.com/agora-exchange/agorad/pkg/logging"
)

// DefaultSweepInterval is the expiry granularity promised to clients: a sale
// outlives its deadline by at most one tick plus scheduling jitter.
const DefaultSweepInterval = 1 * time.Second

// Sweeper periodically reaps sales whose deadlines have passed. It competes
// with client operations for the manager lock.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper for the manager. Intervals coarser than one
// second would widen the expiry jitter beyond the documented contract.
func NewSweeper(m *Manager, interval time.Duration) (*Sweeper, error) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if interval > DefaultSweepInterval {
		return nil, fmt.Errorf("sweep interval %s coarser than %s", interval, DefaultSweepInterval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		manager:  m,
		interval: interval,
		log:      logging.GetDefault().Component("sweeper"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the sweep loop.
func (w *Sweeper) Start() {
	go w.run()
	w.log.Info("Expiry sweeper started", "interval", w.interval)
}

// Stop terminates the sweep loop and waits for it to exit. Idempotent.
func (w *Sweeper) Stop() {
	w.cancel()
	<-w.done
}

func (w *Sweeper) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if n := w.manager.sweepExpired(); n > 0 {
				w.log.Debug("Expired sales reaped", "count", n)
			}
		}
	}
}
