package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pricefeed/config"
	"pricefeed/internal/connection"
	"pricefeed/pkg/ticker"
)

func emulatedConfig() *config.Config {
	return &config.Config{
		Feed: config.FeedConfig{
			Throttle: 20 * time.Millisecond,
		},
		Emulation: config.EmulationConfig{
			Period:  30 * time.Millisecond,
			StepPct: "0.02",
			Floor:   "0.01",
			Symbols: map[string]string{
				"AAPL": "150.00",
				"MSFT": "300.00",
			},
		},
	}
}

func liveConfig() *config.Config {
	cfg := emulatedConfig()
	cfg.Feed.WS = config.WSConfig{URL: "ws://feed.example/ws", Timeout: time.Second}
	cfg.Feed.Throttle = 50 * time.Millisecond
	return cfg
}

func TestConnectRejectsEmptyVenue(t *testing.T) {
	svc := New(emulatedConfig(), zap.NewNop())

	err := svc.Connect(context.Background(), "")
	require.Error(t, err)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, ErrInvalidVenue)

	// No mode was created, no resource touched
	assert.Equal(t, Disconnected, svc.ConnectionState())
	assert.Empty(t, svc.LatestPrices())
}

func TestEmulatedConnectSeedsCacheImmediately(t *testing.T) {
	svc := New(emulatedConfig(), zap.NewNop())
	defer svc.Disconnect()

	require.NoError(t, svc.Connect(context.Background(), "demo"))

	// The full universe is visible before any timer fired
	prices := svc.LatestPrices()
	require.Len(t, prices, 2)
	for _, tk := range prices {
		assert.True(t, tk.Price.IsPositive())
		assert.Equal(t, "demo", tk.VenueID)
	}

	aapl, ok := svc.GetPrice("AAPL")
	require.True(t, ok)
	assert.True(t, aapl.Price.Equal(decimal.RequireFromString("150.00")))

	msft, ok := svc.GetPrice("MSFT")
	require.True(t, ok)
	assert.True(t, msft.Price.Equal(decimal.RequireFromString("300.00")))

	assert.Equal(t, Connected, svc.ConnectionState())
	assert.True(t, svc.IsConnected())
	assert.Equal(t, "demo", svc.Venue())
}

func TestEmulatedTicksAdvanceThroughThrottle(t *testing.T) {
	svc := New(emulatedConfig(), zap.NewNop())
	defer svc.Disconnect()

	require.NoError(t, svc.Connect(context.Background(), "demo"))

	seedAAPL, _ := svc.GetPrice("AAPL")
	seedMSFT, _ := svc.GetPrice("MSFT")

	// One emulation period plus a throttle window later both symbols moved
	require.Eventually(t, func() bool {
		a, _ := svc.GetPrice("AAPL")
		m, _ := svc.GetPrice("MSFT")
		return a.Volume > seedAAPL.Volume && m.Volume > seedMSFT.Volume
	}, 2*time.Second, 5*time.Millisecond)

	a, _ := svc.GetPrice("AAPL")
	m, _ := svc.GetPrice("MSFT")
	assert.True(t, a.Timestamp.After(seedAAPL.Timestamp))
	assert.True(t, m.Timestamp.After(seedMSFT.Timestamp))
	assert.True(t, a.Price.IsPositive())
	assert.True(t, m.Price.IsPositive())
}

func TestDisconnectIsIdempotentAndStopsTimers(t *testing.T) {
	cfg := emulatedConfig()
	svc := New(cfg, zap.NewNop())

	require.NoError(t, svc.Connect(context.Background(), "demo"))
	require.NotEmpty(t, svc.LatestPrices())

	svc.Disconnect()
	assert.Equal(t, Disconnected, svc.ConnectionState())
	assert.Empty(t, svc.LatestPrices())
	assert.Empty(t, svc.Venue())

	svc.Disconnect()
	assert.Equal(t, Disconnected, svc.ConnectionState())

	// Several emulation periods later the cache is still untouched
	time.Sleep(5 * cfg.Emulation.Period)
	assert.Empty(t, svc.LatestPrices())
}

func TestVenueSwitchLeavesNoResidualProducer(t *testing.T) {
	svc := New(emulatedConfig(), zap.NewNop())
	defer svc.Disconnect()

	require.NoError(t, svc.Connect(context.Background(), "demo"))
	require.NoError(t, svc.Connect(context.Background(), "alt"))

	assert.Equal(t, "alt", svc.Venue())

	var mu sync.Mutex
	var wrongVenue []ticker.Tick
	unsub := svc.SubscribeTicks(func(tk ticker.Tick) {
		if tk.VenueID != "alt" {
			mu.Lock()
			wrongVenue = append(wrongVenue, tk)
			mu.Unlock()
		}
	})
	defer unsub()

	time.Sleep(150 * time.Millisecond)

	for sym, tk := range svc.LatestPrices() {
		assert.Equal(t, "alt", tk.VenueID, "stale tick for %s", sym)
	}
	mu.Lock()
	assert.Empty(t, wrongVenue, "a disposed producer kept writing")
	mu.Unlock()
}

func TestLiveConnectFailureSetsFailed(t *testing.T) {
	transport := newFakeTransport()
	transport.connectErrs = []error{errors.New("handshake refused")}

	svc := New(liveConfig(), zap.NewNop(), WithTransportFactory(
		func(config.WSConfig, *zap.Logger) connection.Transport { return transport },
	))

	err := svc.Connect(context.Background(), "nasdaq")
	require.Error(t, err)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "nasdaq", connErr.Venue)

	assert.Equal(t, Failed, svc.ConnectionState())
	assert.False(t, svc.IsConnected())
	assert.Empty(t, svc.LatestPrices())
}

func TestFreshConnectRecoversFromFailed(t *testing.T) {
	bad := newFakeTransport()
	bad.connectErrs = []error{errors.New("handshake refused")}
	good := newFakeTransport()

	transports := []*fakeTransport{bad, good}
	svc := New(liveConfig(), zap.NewNop(), WithTransportFactory(
		func(config.WSConfig, *zap.Logger) connection.Transport {
			next := transports[0]
			transports = transports[1:]
			return next
		},
	))
	defer svc.Disconnect()

	require.Error(t, svc.Connect(context.Background(), "nasdaq"))
	require.Equal(t, Failed, svc.ConnectionState())

	// No automatic exit from Failed; a fresh Connect is required and works
	require.NoError(t, svc.Connect(context.Background(), "nasdaq"))
	assert.Equal(t, Connected, svc.ConnectionState())
}

func TestLiveTicksAreThrottledIntoCache(t *testing.T) {
	transport := newFakeTransport()
	svc := New(liveConfig(), zap.NewNop(), WithTransportFactory(
		func(config.WSConfig, *zap.Logger) connection.Transport { return transport },
	))
	defer svc.Disconnect()

	var mu sync.Mutex
	var updates int
	unsub := svc.SubscribeTicks(func(tk ticker.Tick) {
		if tk.Symbol == "AAPL" {
			mu.Lock()
			updates++
			mu.Unlock()
		}
	})
	defer unsub()

	require.NoError(t, svc.Connect(context.Background(), "nasdaq"))

	// Burst of 10 ticks inside one 50ms throttle window
	for i := 1; i <= 10; i++ {
		transport.updates <- ticker.PriceUpdate{
			VenueID:   "nasdaq",
			Symbol:    "AAPL",
			Price:     decimal.RequireFromString(fmt.Sprintf("%d.00", 150+i)),
			Volume:    int64(i * 100),
			Timestamp: time.Now(),
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return updates >= 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(120 * time.Millisecond) // let any further window close

	mu.Lock()
	assert.Equal(t, 1, updates, "k ticks in one window must conflate to one update")
	mu.Unlock()

	got, ok := svc.GetPrice("AAPL")
	require.True(t, ok)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("160.00")),
		"cache must hold the last tick of the window, got %s", got.Price)
	assert.Equal(t, int64(1000), got.Volume)
}

func TestLiveReconnectStateExcursion(t *testing.T) {
	transport := newFakeTransport()
	svc := New(liveConfig(), zap.NewNop(), WithTransportFactory(
		func(config.WSConfig, *zap.Logger) connection.Transport { return transport },
	))
	defer svc.Disconnect()

	var mu sync.Mutex
	var states []ConnectionState
	unsub := svc.SubscribeState(func(st ConnectionState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})
	defer unsub()

	require.NoError(t, svc.Connect(context.Background(), "nasdaq"))
	require.True(t, svc.IsConnected())

	gate := make(chan struct{})
	transport.mu.Lock()
	transport.gate = gate
	transport.mu.Unlock()

	transport.drop(errors.New("connection reset"))

	require.Eventually(t, func() bool {
		return svc.ConnectionState() == Reconnecting
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, svc.IsConnected(), "IsConnected must be false while reconnecting")

	close(gate)
	require.Eventually(t, func() bool {
		return svc.ConnectionState() == Connected
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, svc.IsConnected())

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, states, Reconnecting)
	assert.Equal(t, Connected, states[len(states)-1])
}

// fakeTransport scripts transport behavior for live-mode tests.
type fakeTransport struct {
	updates chan ticker.PriceUpdate
	errs    chan error

	mu          sync.Mutex
	connectErrs []error
	gate        chan struct{}
	connected   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		updates: make(chan ticker.PriceUpdate, 32),
		errs:    make(chan error, 1),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	gate := f.gate
	var err error
	if len(f.connectErrs) > 0 {
		err = f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, topic string) (string, error) {
	return "sub-test", nil
}

func (f *fakeTransport) Updates() <-chan ticker.PriceUpdate { return f.updates }
func (f *fakeTransport) Errors() <-chan error               { return f.errs }

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) drop(err error) { f.errs <- err }
