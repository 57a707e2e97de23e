package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PoolState is the liquidity pool lifecycle state.
type PoolState string

const (
	PoolNotStarted PoolState = "not_started"
	PoolStarted    PoolState = "started"
	PoolClosing    PoolState = "closing"
)

// Round is one liquidity epoch.
type Round struct {
	Index          uint64
	Start          time.Time
	End            time.Time
	Allocation     Amount // capital committed at round start
	Vault          common.Address
	Depositors     int
	DefaultLPShare Amount
	Closed         bool
}

// WithdrawalRequest is a queued withdrawal processed at round close. A zero
// Amount with Full set withdraws the whole rolled-forward balance.
type WithdrawalRequest struct {
	Depositor   common.Address
	Round       uint64
	Amount      Amount
	Full        bool
	RequestedAt time.Time
}

// RoundResult summarises a closed round.
type RoundResult struct {
	Round       uint64
	Allocation  Amount
	Remainder   Amount // capital left in the vault after settlement
	Liability   Amount // winnings moved to the exercise reserve
	Withdrawn   Amount
	CarriedOver Amount
	Dust        Amount
	// PnLRatio is Remainder/Allocation, 1.0 when nothing was allocated.
	PnLRatio Amount
	Markets  int
	ClosedAt time.Time
}

// Deposit is a committed deposit for the next round.
type Deposit struct {
	Depositor common.Address
	Round     uint64
	Amount    Amount
	At        time.Time
}

// RoundClosed is the payload of a round_closed event: the result plus the
// final state of the closed round and the round that replaced it.
type RoundClosed struct {
	RoundResult
	Closed Round
	Next   Round
}
