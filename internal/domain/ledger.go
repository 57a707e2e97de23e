package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TokenLedger is the fungible-token boundary. Amounts are 18-decimal values;
// the ledger converts to native precision itself.
type TokenLedger interface {
	BalanceOf(ctx context.Context, token, account common.Address) (Amount, error)
	Transfer(ctx context.Context, token, from, to common.Address, amount Amount) error
	Approve(ctx context.Context, token, owner, spender common.Address, amount Amount) error
	TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount Amount) error
}

// Swapper is the exchange boundary used by the collateral ramp. It moves
// amountIn of tokenIn from account and credits tokenOut back to account.
type Swapper interface {
	Exchange(ctx context.Context, account, tokenIn, tokenOut common.Address, amountIn, minAmountOut Amount) (Amount, error)
}

// PriceSource yields a price for a currency key and the time it was observed.
type PriceSource interface {
	Price(ctx context.Context, asset string) (Amount, time.Time, error)
}
