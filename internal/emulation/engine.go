// Package emulation produces a synthetic tick stream when no live transport
// is configured, so downstream code paths are exercised identically to
// production.
package emulation

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricefeed/pkg/ticker"
)

// Defaults for the synthetic walk.
var (
	DefaultPeriod  = time.Second
	DefaultStepPct = decimal.RequireFromString("0.02") // ±2% per period
	DefaultFloor   = decimal.RequireFromString("0.01")
)

const maxVolumeStep = 10000

var (
	oneHundred = decimal.NewFromInt(100)
	one        = decimal.NewFromInt(1)
)

// Rand abstracts the randomness source for deterministic testing.
type Rand interface {
	Intn(n int) int
	Float64() float64
}

// RealRand adapts *rand.Rand to the Rand interface.
type RealRand struct{ *rand.Rand }

func (r RealRand) Intn(n int) int   { return r.Rand.Intn(n) }
func (r RealRand) Float64() float64 { return r.Rand.Float64() }

// Symbol is one entry of the emulated symbol universe.
type Symbol struct {
	Symbol    string
	BasePrice decimal.Decimal
}

// Config holds the synthetic generator parameters.
type Config struct {
	Period  time.Duration
	StepPct decimal.Decimal // max absolute percentage step per period
	Floor   decimal.Decimal // lowest price the walk may reach
	Symbols []Symbol
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.StepPct.IsZero() {
		c.StepPct = DefaultStepPct
	}
	if c.Floor.IsZero() {
		c.Floor = DefaultFloor
	}
	return c
}

// symbolState is the walk state for one symbol.
type symbolState struct {
	price  decimal.Decimal
	volume int64
	lastTS time.Time
}

// Engine generates a bounded random walk per symbol on a fixed period.
// Seed ticks bypass the throttled path and land in the cache synchronously;
// periodic ticks go through emit like live transport ticks do.
type Engine struct {
	cfg    Config
	rnd    Rand
	logger *zap.Logger
	seed   func(ticker.Tick)
	emit   func(ticker.Tick)

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
	venueID string
	state   map[string]*symbolState
}

// New creates an engine. seed receives the synchronous per-symbol seed ticks
// during Start; emit receives every periodic tick thereafter.
func New(cfg Config, rnd Rand, logger *zap.Logger, seed, emit func(ticker.Tick)) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		rnd:    rnd,
		logger: logger,
		seed:   seed,
		emit:   emit,
		state:  make(map[string]*symbolState),
	}
}

// Start seeds one tick per symbol through the seed sink before returning,
// then runs the periodic generator until Stop. Calling Start on a running
// engine is a no-op.
func (e *Engine) Start(venueID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	e.venueID = venueID
	e.state = make(map[string]*symbolState)

	now := time.Now()
	for _, s := range sortedSymbols(e.cfg.Symbols) {
		st := &symbolState{
			price:  s.BasePrice,
			volume: int64(e.rnd.Intn(maxVolumeStep) + 1),
			lastTS: now,
		}
		e.state[s.Symbol] = st

		e.seed(ticker.Tick{
			VenueID:   venueID,
			Symbol:    s.Symbol,
			Price:     st.price,
			Volume:    st.volume,
			Timestamp: now,
		})
	}

	e.logger.Info("emulation started",
		zap.String("venue", venueID),
		zap.Int("symbols", len(e.cfg.Symbols)),
		zap.Duration("period", e.cfg.Period),
	)

	e.wg.Add(1)
	go e.run(e.stop)
}

// Stop cancels the periodic generator and waits for it to exit, so no tick
// can be emitted after Stop returns. Safe to call multiple times.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("emulation stopped", zap.String("venue", e.venueID))
}

func (e *Engine) run(stop chan struct{}) {
	defer e.wg.Done()

	tick := time.NewTicker(e.cfg.Period)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			e.step()
		}
	}
}

// step advances every symbol's walk by one period and emits the new ticks.
func (e *Engine) step() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}

	for _, s := range sortedSymbols(e.cfg.Symbols) {
		st := e.state[s.Symbol]
		e.emit(e.advance(s.Symbol, st))
	}
}

// advance applies one bounded percentage step to a symbol's price using
// decimal arithmetic end to end; the only float involved is the random
// coefficient in [-1, 1).
func (e *Engine) advance(symbol string, st *symbolState) ticker.Tick {
	coeff := decimal.NewFromFloat(e.rnd.Float64()*2 - 1)
	step := e.cfg.StepPct.Mul(coeff)

	prev := st.price
	price := prev.Mul(one.Add(step)).Round(4)
	if price.LessThan(e.cfg.Floor) {
		price = e.cfg.Floor
	}

	change := price.Sub(prev)
	changePct := change.Div(prev).Mul(oneHundred).Round(4)

	st.price = price
	st.volume += int64(e.rnd.Intn(maxVolumeStep) + 1)

	ts := time.Now()
	if !ts.After(st.lastTS) {
		ts = st.lastTS.Add(time.Millisecond)
	}
	st.lastTS = ts

	return ticker.Tick{
		VenueID:       e.venueID,
		Symbol:        symbol,
		Price:         price,
		Change:        change,
		ChangePercent: changePct,
		Volume:        st.volume,
		Timestamp:     ts,
	}
}

// sortedSymbols returns the universe in deterministic order.
func sortedSymbols(in []Symbol) []Symbol {
	out := make([]Symbol, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
