package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names an engine event for off-chain indexing.
type EventType string

const (
	EventMarketCreated       EventType = "market_created"
	EventTradeExecuted       EventType = "trade_executed"
	EventMarketResolved      EventType = "market_resolved"
	EventExercised           EventType = "exercised"
	EventDeposit             EventType = "deposit"
	EventWithdrawalRequested EventType = "withdrawal_requested"
	EventRoundClosed         EventType = "round_closed"
	EventPoolStarted         EventType = "pool_started"
	EventDefaultLPTopUp      EventType = "default_lp_top_up"
	EventSpeedMarketCreated  EventType = "speed_market_created"
	EventSpeedMarketResolved EventType = "speed_market_resolved"
	EventRiskChanged         EventType = "risk_changed"
	EventCollateralChanged   EventType = "collateral_changed"
	EventOnramp              EventType = "onramp"
	EventOfframp             EventType = "offramp"
)

// Event is a committed state change. Data holds the JSON encoding of the
// affected record.
type Event struct {
	ID   string          `json:"id"`
	Type EventType       `json:"type"`
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
	At   time.Time       `json:"at"`
}

// NewEvent encodes data into a new event. Values that fail to encode produce
// an event with null data.
func NewEvent(t EventType, key string, data any, at time.Time) Event {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return Event{ID: uuid.NewString(), Type: t, Key: key, Data: raw, At: at}
}

// EventSink receives events after the state change they describe is committed.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}
