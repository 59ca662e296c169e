// Package connection owns the live transport session for one venue: the
// initial connect and subscribe, automatic reconnection with backoff after
// mid-session drops, and idempotent teardown.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pricefeed/pkg/ticker"
)

// backoffSchedule is the delay before reconnect attempt n. Attempts beyond
// the schedule reuse the last entry.
var backoffSchedule = []time.Duration{
	0,
	2 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// Backoff returns the reconnect delay for the given consecutive-failure count.
func Backoff(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	if failures >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[failures]
}

// Callbacks are invoked from the manager's session goroutine. OnTick carries
// validated ticks in arrival order; the reconnect callbacks track the session
// health excursions.
type Callbacks struct {
	OnTick         func(ticker.Tick)
	OnReconnecting func(attempt int, delay time.Duration)
	OnReconnected  func()
}

// Manager drives a single live transport session. An initial connect failure
// is terminal for the attempt; drops after a successful connect are recovered
// automatically.
type Manager struct {
	transport Transport
	logger    *zap.Logger
	cb        Callbacks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.RWMutex
	topic           string
	subID           string
	connected       bool
	closed          bool
	resubUnverified bool
}

func New(transport Transport, logger *zap.Logger, cb Callbacks) *Manager {
	return &Manager{
		transport: transport,
		logger:    logger,
		cb:        cb,
	}
}

// Connect opens the transport and subscribes to the venue's ticker channel.
// It returns once the transport reports open. A handshake or subscribe
// failure is returned to the caller and the manager stays down; a failed
// initial connect is never retried.
func (m *Manager) Connect(ctx context.Context, venueID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("connection manager already closed")
	}
	topic := ticker.Topic(venueID)
	m.topic = topic
	m.mu.Unlock()

	if err := m.transport.Connect(ctx); err != nil {
		m.logger.Error("initial connect failed",
			zap.String("venue", venueID), zap.Error(err))
		return fmt.Errorf("connect venue %s: %w", venueID, err)
	}

	subID, err := m.transport.Subscribe(ctx, topic)
	if err != nil {
		m.logger.Error("initial subscribe failed",
			zap.String("topic", topic), zap.Error(err))
		_ = m.transport.Close()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	m.mu.Lock()
	m.subID = subID
	m.connected = true
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	m.logger.Info("connected",
		zap.String("venue", venueID), zap.String("sub_id", subID))

	m.wg.Add(1)
	go m.run()

	return nil
}

// IsConnected reports false while the session is down or reconnecting.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected && !m.closed
}

// SubscriptionID returns the id of the current channel subscription.
func (m *Manager) SubscriptionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subID
}

// ResubscribeUnverified reports whether the last reconnect completed without
// a verified channel re-subscription (the capability gap around server-managed
// channel membership). The transport is up, but the channel may be silent.
func (m *Manager) ResubscribeUnverified() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resubUnverified
}

// Close stops the session. Idempotent; teardown failures are logged, never
// returned. After Close returns no callback fires.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.connected = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	if err := m.transport.Close(); err != nil {
		m.logger.Warn("transport close failed", zap.Error(err))
	}

	m.logger.Info("connection manager closed")
	return nil
}

// run is the session loop: it forwards validated ticks and turns transport
// errors into reconnect cycles. It exits only on Close.
func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case u, ok := <-m.transport.Updates():
			if !ok {
				return
			}
			tick, err := u.ToTick()
			if err != nil {
				m.logger.Warn("dropping invalid price update", zap.Error(err))
				continue
			}
			m.cb.OnTick(tick)

		case err, ok := <-m.transport.Errors():
			if !ok {
				return
			}
			if !m.reconnect(err) {
				return
			}
		}
	}
}

// reconnect runs the backoff loop after a mid-session drop. It returns false
// only when the manager is closed while reconnecting.
func (m *Manager) reconnect(cause error) bool {
	m.mu.Lock()
	m.connected = false
	topic := m.topic
	m.mu.Unlock()

	m.logger.Warn("transport dropped, reconnecting", zap.Error(cause))

	for failures := 0; ; failures++ {
		delay := Backoff(failures)
		if m.cb.OnReconnecting != nil {
			m.cb.OnReconnecting(failures, delay)
		}

		if delay > 0 {
			select {
			case <-m.ctx.Done():
				return false
			case <-time.After(delay):
			}
		} else if m.ctx.Err() != nil {
			return false
		}

		if err := m.transport.Connect(m.ctx); err != nil {
			if m.ctx.Err() != nil {
				return false
			}
			m.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", failures), zap.Duration("next_delay", Backoff(failures+1)),
				zap.Error(err))
			continue
		}

		m.resubscribe(topic)

		m.mu.Lock()
		m.connected = true
		m.mu.Unlock()

		m.logger.Info("reconnected", zap.Int("attempts", failures+1))
		if m.cb.OnReconnected != nil {
			m.cb.OnReconnected()
		}
		return true
	}
}

// resubscribe re-establishes the channel subscription after a reconnect.
// When it cannot be performed or verified, the session stays up but the gap
// is logged and surfaced via ResubscribeUnverified rather than assumed away.
func (m *Manager) resubscribe(topic string) {
	subID, err := m.transport.Subscribe(m.ctx, topic)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.resubUnverified = true
		m.logger.Warn("channel re-subscription unverified after reconnect",
			zap.String("topic", topic), zap.Error(err))
		return
	}

	m.resubUnverified = false
	m.subID = subID
}
