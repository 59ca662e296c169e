// Package feed composes the price-distribution client: it selects live or
// emulated mode per Connect call, wires incoming ticks through the throttler
// into the price cache, and owns the connection state machine.
package feed

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricefeed/config"
	"pricefeed/internal/connection"
	"pricefeed/internal/emulation"
	"pricefeed/internal/pricecache"
	"pricefeed/internal/throttle"
	"pricefeed/pkg/ticker"
)

// TransportFactory builds the live transport for one Connect call. Tests
// substitute fakes here.
type TransportFactory func(cfg config.WSConfig, logger *zap.Logger) connection.Transport

// mode is the tagged variant of the active producer. Exactly one mode is
// active per service; the previous one is fully disposed before the next
// starts, which is what keeps the cache single-writer.
type mode interface {
	dispose()
}

type modeLive struct {
	mgr   *connection.Manager
	subID string
}

func (m *modeLive) dispose() { _ = m.mgr.Close() }

type modeEmulated struct {
	engine *emulation.Engine
}

func (m *modeEmulated) dispose() { m.engine.Stop() }

// Service is the public façade of the price-distribution client.
type Service struct {
	cfg       *config.Config
	logger    *zap.Logger
	rnd       emulation.Rand
	transport TransportFactory

	cache *pricecache.Cache

	// lifecycleMu serializes Connect and Disconnect; reads never take it.
	lifecycleMu sync.Mutex

	mu        sync.RWMutex
	state     ConnectionState
	venue     string
	active    mode
	throttler *throttle.Throttler

	stateObs observers[ConnectionState]
	tickObs  observers[ticker.Tick]
}

// Option customizes a Service, mainly for tests.
type Option func(*Service)

// WithRand overrides the emulation randomness source.
func WithRand(r emulation.Rand) Option {
	return func(s *Service) { s.rnd = r }
}

// WithTransportFactory overrides how the live transport is built.
func WithTransportFactory(f TransportFactory) Option {
	return func(s *Service) { s.transport = f }
}

func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		logger: logger,
		rnd:    emulation.RealRand{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))},
		cache:  pricecache.New(),
		state:  Disconnected,
		transport: func(ws config.WSConfig, log *zap.Logger) connection.Transport {
			return ticker.NewWSClient(ws.URL, ws.Timeout, ws.Heartbeat, log)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect establishes the feed for a venue. Live mode is selected when a
// websocket URL is configured, emulated mode otherwise. Any previously active
// mode is fully disposed first. The only error returned is *ConnectionError.
func (s *Service) Connect(ctx context.Context, venueID string) error {
	if venueID == "" {
		return &ConnectionError{Venue: venueID, Err: ErrInvalidVenue}
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.disposeActive()

	s.setState(Connecting)
	s.mu.Lock()
	s.venue = venueID
	thr := throttle.New(s.cfg.Feed.Throttle, s.applyTick)
	s.throttler = thr
	s.mu.Unlock()

	var err error
	if s.cfg.Feed.WS.URL != "" {
		err = s.connectLive(ctx, venueID, thr)
	} else {
		err = s.connectEmulated(venueID, thr)
	}
	if err != nil {
		thr.Stop()
		s.setState(Failed)
		return &ConnectionError{Venue: venueID, Err: err}
	}

	s.setState(Connected)
	return nil
}

func (s *Service) connectLive(ctx context.Context, venueID string, thr *throttle.Throttler) error {
	transport := s.transport(s.cfg.Feed.WS, s.logger)
	mgr := connection.New(transport, s.logger, connection.Callbacks{
		OnTick: thr.Push,
		OnReconnecting: func(attempt int, delay time.Duration) {
			s.setState(Reconnecting)
		},
		OnReconnected: func() {
			s.setState(Connected)
		},
	})

	if err := mgr.Connect(ctx, venueID); err != nil {
		return err
	}

	s.mu.Lock()
	s.active = &modeLive{mgr: mgr, subID: mgr.SubscriptionID()}
	s.mu.Unlock()

	s.logger.Info("live feed connected",
		zap.String("venue", venueID),
		zap.String("sub_id", mgr.SubscriptionID()))
	return nil
}

func (s *Service) connectEmulated(venueID string, thr *throttle.Throttler) error {
	ecfg, err := emulationConfig(s.cfg.Emulation)
	if err != nil {
		return err
	}

	// Seeds go straight to the cache so it is populated before Connect
	// returns; periodic ticks take the throttled path like live ones.
	eng := emulation.New(ecfg, s.rnd, s.logger, s.applyTick, thr.Push)
	eng.Start(venueID)

	s.mu.Lock()
	s.active = &modeEmulated{engine: eng}
	s.mu.Unlock()

	s.logger.Info("emulated feed started", zap.String("venue", venueID))
	return nil
}

// Disconnect disposes the active mode, clears the cache and returns the
// service to Disconnected. Idempotent; internal teardown failures are logged
// inside the mode, never surfaced.
func (s *Service) Disconnect() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.disposeActive()

	s.mu.Lock()
	s.venue = ""
	s.mu.Unlock()

	s.setState(Disconnected)
}

// disposeActive synchronously stops the active producer, then the throttler,
// then clears the cache. Once it returns nothing can mutate the cache.
func (s *Service) disposeActive() {
	s.mu.Lock()
	active := s.active
	thr := s.throttler
	s.active = nil
	s.throttler = nil
	s.mu.Unlock()

	if active != nil {
		active.dispose()
	}
	if thr != nil {
		thr.Stop()
	}
	s.cache.Clear()
}

// applyTick is the single downstream handler: cache write plus consumer
// notification.
func (s *Service) applyTick(t ticker.Tick) {
	s.cache.Set(t)
	s.tickObs.publish(t)
}

// GetPrice returns the latest known tick for a symbol.
func (s *Service) GetPrice(symbol string) (ticker.Tick, bool) {
	return s.cache.Get(symbol)
}

// LatestPrices returns a snapshot of the latest tick per symbol.
func (s *Service) LatestPrices() map[string]ticker.Tick {
	return s.cache.All()
}

func (s *Service) IsConnected() bool {
	return s.ConnectionState() == Connected
}

func (s *Service) ConnectionState() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SubscriptionID returns the live channel subscription id, empty when
// disconnected or emulated.
func (s *Service) SubscriptionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.active.(*modeLive); ok {
		return m.subID
	}
	return ""
}

// ResubscribeUnverified reports whether the live session reconnected without
// a verified channel re-subscription (server-managed membership may not have
// been restored). Always false in emulated mode.
func (s *Service) ResubscribeUnverified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.active.(*modeLive); ok {
		return m.mgr.ResubscribeUnverified()
	}
	return false
}

// Venue returns the currently connected venue id, empty when disconnected.
func (s *Service) Venue() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.venue
}

// SubscribeState registers a callback for state transitions. The returned
// function unsubscribes.
func (s *Service) SubscribeState(cb func(ConnectionState)) func() {
	return s.stateObs.subscribe(cb)
}

// SubscribeTicks registers a callback invoked for every cache update.
func (s *Service) SubscribeTicks(cb func(ticker.Tick)) func() {
	return s.tickObs.subscribe(cb)
}

func (s *Service) setState(next ConnectionState) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	s.mu.Unlock()

	s.logger.Info("connection state changed",
		zap.Stringer("from", prev), zap.Stringer("to", next))
	s.stateObs.publish(next)
}

// emulationConfig converts the string-typed app config into engine decimals.
func emulationConfig(cfg config.EmulationConfig) (emulation.Config, error) {
	out := emulation.Config{Period: cfg.Period}

	var err error
	if cfg.StepPct != "" {
		if out.StepPct, err = decimal.NewFromString(cfg.StepPct); err != nil {
			return emulation.Config{}, fmt.Errorf("emulation step_pct: %w", err)
		}
	}
	if cfg.Floor != "" {
		if out.Floor, err = decimal.NewFromString(cfg.Floor); err != nil {
			return emulation.Config{}, fmt.Errorf("emulation floor: %w", err)
		}
	}

	for sym, base := range cfg.Symbols {
		price, err := decimal.NewFromString(base)
		if err != nil {
			return emulation.Config{}, fmt.Errorf("emulation base price for %s: %w", sym, err)
		}
		if !price.IsPositive() {
			return emulation.Config{}, fmt.Errorf("emulation base price for %s must be positive", sym)
		}
		out.Symbols = append(out.Symbols, emulation.Symbol{Symbol: sym, BasePrice: price})
	}
	if len(out.Symbols) == 0 {
		return emulation.Config{}, fmt.Errorf("emulation symbol universe is empty")
	}

	return out, nil
}
