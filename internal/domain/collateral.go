package domain

import "github.com/ethereum/go-ethereum/common"

// SwapRoute selects the exchange facility used for a collateral token.
type SwapRoute string

const (
	RouteRouter SwapRoute = "router" // oracle-priced router swap
	RouteCurve  SwapRoute = "curve"  // stable-to-stable exchange
)

// CollateralConfig describes a non-base token accepted for trading.
type CollateralConfig struct {
	Token    common.Address
	Symbol   string
	Decimals uint8
	Route    SwapRoute
	Enabled  bool
	// PriceAsset is the oracle currency key for the token's price in base units.
	PriceAsset string
}
