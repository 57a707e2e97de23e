package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DepositorBalance is one depositor's capital in a round.
type DepositorBalance struct {
	Depositor common.Address
	Balance   Amount
}

// RoundSnapshot is the persisted form of one round vault.
type RoundSnapshot struct {
	Round    Round
	Balances []DepositorBalance
	Pending  []WithdrawalRequest
}

// PoolSnapshot is the persisted liquidity pool state.
type PoolSnapshot struct {
	State        PoolState
	CurrentRound uint64
	Rounds       []RoundSnapshot
	Results      []RoundResult
	Whitelist    []common.Address
}

// TokenBalance is one ledger balance.
type TokenBalance struct {
	Token   common.Address
	Account common.Address
	Amount  Amount
}

// Snapshot is a point-in-time image of the engine used for restarts and
// audits.
type Snapshot struct {
	TakenAt      time.Time
	RiskVersion  uint64
	Risk         RiskParams
	Markets      []Market
	Positions    []Position
	Pool         PoolSnapshot
	SpeedMarkets []SpeedMarket
	// Balances is empty when the ledger is external to the engine.
	Balances []TokenBalance
}
