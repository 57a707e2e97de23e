package domain

import (
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Direction is the side of a digital option.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Valid reports whether d is up or down.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// Other returns the opposite direction.
func (d Direction) Other() Direction {
	if d == DirectionUp {
		return DirectionDown
	}
	return DirectionUp
}

// Index maps up to 0 and down to 1 for fixed-size per-direction arrays.
func (d Direction) Index() int {
	if d == DirectionDown {
		return 1
	}
	return 0
}

// ParseDirection converts user input into a Direction.
func ParseDirection(s string) (Direction, error) {
	d := Direction(s)
	if !d.Valid() {
		return "", Errorf(ErrInvalidInput, "direction %q", s)
	}
	return d, nil
}

// Market is a positional up/down market on one asset, strike and maturity.
type Market struct {
	ID       common.Hash
	Asset    string
	Category string // asset category used for cap lookup, e.g. "crypto"
	Child    string // optional child category
	Strike   Amount
	Maturity time.Time
	// Round is the liquidity round whose vault backs the market.
	Round    uint64
	Resolved bool
	Result   Direction // empty until resolved
	// FinalPrice is the oracle price the market was resolved at.
	FinalPrice Amount
	// Supply is the outstanding amount of up and down tokens held by traders.
	Supply    [2]Amount
	CreatedAt time.Time
}

// MarketID derives the stable market id keccak256(asset, strike, maturity).
func MarketID(asset string, strike Amount, maturity time.Time) common.Hash {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(maturity.Unix()))
	strikeBytes := strike.Raw().Bytes32()
	return crypto.Keccak256Hash([]byte(asset), strikeBytes[:], ts[:])
}

// Exposure is the AMM's net amount sold per direction on a market. It equals
// the outstanding token supply and is never negative.
type Exposure struct {
	Up   Amount
	Down Amount
}

// Of returns the exposure for d.
func (e Exposure) Of(d Direction) Amount {
	if d == DirectionDown {
		return e.Down
	}
	return e.Up
}

// Locked is the capital a market must keep collateralised: at most one side
// can win, so it is the larger of the two directions.
func (e Exposure) Locked() Amount {
	return MaxAmount(e.Up, e.Down)
}

// Position is a trader's holding of a market's option tokens.
type Position struct {
	MarketID common.Hash
	Owner    common.Address
	Up       Amount
	Down     Amount
}

// Of returns the position size for d.
func (p Position) Of(d Direction) Amount {
	if d == DirectionDown {
		return p.Down
	}
	return p.Up
}

// TradeSide is the trader's side of an AMM trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Quote is an executable price for a trade of a given size.
type Quote struct {
	MarketID  common.Hash
	Direction Direction
	Side      TradeSide
	Amount    Amount // option tokens
	RawPrice  Amount // probability price before spread and impact
	Impact    Amount // fractional price impact applied
	Price     Amount // per-token price after spread and impact
	Total     Amount // cost (buy) or proceeds (sell) in base asset
	Fee       Amount // safe-box fee included in Total
	// Collateral is set when the quote is denominated in a non-base token.
	Collateral      *common.Address
	CollateralTotal Amount
}

// Trade is a committed AMM trade.
type Trade struct {
	ID         string
	MarketID   common.Hash
	Trader     common.Address
	Direction  Direction
	Side       TradeSide
	Amount     Amount
	Total      Amount
	Fee        Amount
	Collateral *common.Address
	Round      uint64
	ExecutedAt time.Time
}

// TradeExecuted is the payload of a trade_executed event. Supply is the
// market's outstanding supply right after the trade.
type TradeExecuted struct {
	Trade
	Supply [2]Amount
}

// Exercised is the payload of an exercised event. Supply is the market's
// outstanding supply after the position was burned.
type Exercised struct {
	MarketID common.Hash
	Owner    common.Address
	Result   Direction
	Payout   Amount
	Supply   [2]Amount
}
