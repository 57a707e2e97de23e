package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SpeedMarket is a fixed-duration directional bet resolved against a single
// oracle price at strike time.
type SpeedMarket struct {
	ID          string
	User        common.Address
	Asset       string
	Direction   Direction
	StrikePrice Amount
	StrikeTime  time.Time
	BuyIn       Amount
	Payout      Amount // BuyIn * multiplier, paid if the guess wins
	Fee         Amount
	CreatedAt   time.Time
	Resolved    bool
	Result      Direction // empty when final == strike
	FinalPrice  Amount
	Won         bool
	ResolvedAt  time.Time
}

// PriceUpdate is a signed push-oracle payload.
type PriceUpdate struct {
	Asset       string
	Price       Amount
	PublishTime time.Time
	Signature   []byte
}
