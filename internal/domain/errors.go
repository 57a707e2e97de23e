package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a rejected operation so callers can decide whether to
// resubmit, adjust tolerances, or wait for fresher data.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindSlippage
	KindStalePrice
	KindArithmetic
	KindNotFound
	KindConflict
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSlippage:
		return "slippage_exceeded"
	case KindStalePrice:
		return "stale_price"
	case KindArithmetic:
		return "arithmetic"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is the machine-distinguishable error every core operation returns
// when it rejects a request. Code identifies the specific reason; Kind the
// broader class.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Msg
}

// Is matches a kind sentinel (empty Code) against any error of the same kind,
// and a specific sentinel by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return t.Kind == e.Kind
	}
	return t.Code == e.Code
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Kind sentinels.
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrSlippageExceeded = &Error{Kind: KindSlippage, Msg: "slippage exceeded"}
	ErrStalePrice       = &Error{Kind: KindStalePrice, Msg: "stale price"}
	ErrArithmetic       = &Error{Kind: KindArithmetic}
)

var (
	ErrNotFound      = newError(KindNotFound, "not_found", "not found")
	ErrAlreadyExists = newError(KindConflict, "already_exists", "already exists")
	ErrRateLimited   = newError(KindUnavailable, "rate_limited", "rate limited")
	ErrUnauthorized  = newError(KindValidation, "unauthorized", "unauthorized")
	ErrLockHeld      = newError(KindConflict, "lock_held", "lock already held")
	ErrSigningFailed = newError(KindValidation, "signing_failed", "signing failed")

	ErrInvalidInput          = newError(KindValidation, "invalid_input", "invalid input")
	ErrUnsupportedCollateral = newError(KindValidation, "unsupported_collateral", "unsupported collateral")
	ErrUnsupportedAsset      = newError(KindValidation, "unsupported_asset", "unsupported asset")
	ErrBelowMinimum          = newError(KindValidation, "below_minimum", "amount below minimum")
	ErrCapExceeded           = newError(KindValidation, "cap_exceeded", "cap exceeded")
	ErrInvalidTimeRange      = newError(KindValidation, "invalid_time_range", "invalid time range")
	ErrPriceOutOfRange       = newError(KindValidation, "price_out_of_range", "price outside supported range")
	ErrInsufficientBalance   = newError(KindValidation, "insufficient_balance", "insufficient balance")
	ErrInsufficientLiquidity = newError(KindValidation, "insufficient_liquidity", "insufficient liquidity")
	ErrTradingPaused         = newError(KindValidation, "trading_paused", "trading paused")

	ErrMarketMatured    = newError(KindValidation, "market_matured", "market already matured")
	ErrMarketNotMatured = newError(KindValidation, "market_not_matured", "market not matured")
	ErrMarketNotInRound = newError(KindValidation, "market_not_in_round", "market does not mature in the current round")
	ErrNotResolved      = newError(KindValidation, "not_resolved", "market not resolved")
	ErrAlreadyResolved  = newError(KindConflict, "already_resolved", "already resolved")

	ErrPoolNotStarted     = newError(KindValidation, "pool_not_started", "pool not started")
	ErrPoolAlreadyStarted = newError(KindConflict, "pool_already_started", "pool already started")
	ErrRoundNotEnded      = newError(KindValidation, "round_not_ended", "round has not ended")
	ErrNotWhitelisted     = newError(KindValidation, "not_whitelisted", "depositor not whitelisted")
	ErrMaxDepositExceeded = newError(KindValidation, "max_deposit_exceeded", "max allowed deposit exceeded")
	ErrMaxUsersExceeded   = newError(KindValidation, "max_users_exceeded", "max allowed users exceeded")
	ErrWithdrawalPending  = newError(KindConflict, "withdrawal_pending", "withdrawal already requested")
	ErrRoundClosing       = newError(KindUnavailable, "round_closing", "round is closing")

	ErrOverflow       = newError(KindArithmetic, "overflow", "arithmetic overflow")
	ErrUnderflow      = newError(KindArithmetic, "underflow", "arithmetic underflow")
	ErrDivisionByZero = newError(KindArithmetic, "division_by_zero", "division by zero")

	ErrInvalidSignature = newError(KindValidation, "invalid_signature", "invalid price update signature")
	ErrInsufficientFee  = newError(KindValidation, "insufficient_fee", "insufficient update fee")
	ErrPriceUnavailable = newError(KindStalePrice, "price_unavailable", "no price within the allowed window")
)

// Errorf wraps sentinel with a formatted detail message while preserving
// errors.Is matching against both the sentinel and its kind.
func Errorf(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// KindOf returns the Kind of the first domain.Error in err's chain.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first domain.Error in err's chain, or
// "internal" when err carries none.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	if de != nil {
		return de.Kind.String()
	}
	return "internal"
}
