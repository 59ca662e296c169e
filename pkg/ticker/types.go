package ticker

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TopicPrefix is the server-side channel naming convention for venue tick
// streams, e.g. "ticker:nasdaq".
const TopicPrefix = "ticker:"

// Tick is a single immutable price observation for a symbol at an instant.
type Tick struct {
	VenueID       string          `json:"venueId"`
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Volume        int64           `json:"volume"`
	Timestamp     time.Time       `json:"timestamp"`
}

// PriceUpdate is the decoded wire message received from the live transport.
// Timestamp is ISO-8601 on the wire and parsed by encoding/json.
type PriceUpdate struct {
	VenueID       string          `json:"venueId"`
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Volume        int64           `json:"volume"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ToTick validates the wire message and converts it into a Tick.
func (u PriceUpdate) ToTick() (Tick, error) {
	if u.Symbol == "" {
		return Tick{}, fmt.Errorf("price update without symbol")
	}
	if !u.Price.IsPositive() {
		return Tick{}, fmt.Errorf("non-positive price %s for %s", u.Price, u.Symbol)
	}
	if u.Volume < 0 {
		return Tick{}, fmt.Errorf("negative volume %d for %s", u.Volume, u.Symbol)
	}

	return Tick{
		VenueID:       u.VenueID,
		Symbol:        u.Symbol,
		Price:         u.Price,
		Change:        u.Change,
		ChangePercent: u.ChangePercent,
		Volume:        u.Volume,
		Timestamp:     u.Timestamp,
	}, nil
}

// Topic builds the channel name for a venue, e.g. Topic("demo") == "ticker:demo".
func Topic(venueID string) string {
	return TopicPrefix + venueID
}

// VenueFromTopic parses the venue id from a topic like "ticker:demo".
func VenueFromTopic(topic string) (string, bool) {
	return strings.CutPrefix(topic, TopicPrefix)
}
