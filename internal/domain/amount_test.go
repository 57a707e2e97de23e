package domain

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	a, err := ParseAmount("10.1")
	require.NoError(t, err)
	assert.Equal(t, "10.1", a.String())
	assert.Equal(t, "10100000000000000000", a.Big().String())

	_, err = ParseAmount("-1")
	assert.ErrorIs(t, err, ErrArithmetic)

	_, err = ParseAmount("abc")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestCheckedArithmetic(t *testing.T) {
	maxAmt := AmountFromRaw(new(uint256.Int).SetAllOne())

	_, err := maxAmt.Add(One)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.ErrorIs(t, err, ErrArithmetic)

	_, err = One.Sub(NewAmount(2))
	assert.ErrorIs(t, err, ErrUnderflow)
	assert.Equal(t, "underflow", CodeOf(err))

	_, err = One.Div(Zero)
	assert.ErrorIs(t, err, ErrDivisionByZero)

	assert.True(t, One.SubFloor(NewAmount(5)).IsZero())
}

func TestMulDivRounding(t *testing.T) {
	third, err := One.Div(NewAmount(3))
	require.NoError(t, err)
	assert.Equal(t, "0.333333333333333333", third.String())

	thirdUp, err := One.DivUp(NewAmount(3))
	require.NoError(t, err)
	assert.Equal(t, "0.333333333333333334", thirdUp.String())

	exact, err := NewAmount(10).DivUp(NewAmount(2))
	require.NoError(t, err)
	assert.True(t, exact.Eq(NewAmount(5)))

	p, err := MustAmount("1.5").Mul(MustAmount("2.5"))
	require.NoError(t, err)
	assert.Equal(t, "3.75", p.String())
}

func TestNativeRescale(t *testing.T) {
	a := MustAmount("10.1234567")

	down, err := ToNative(a, 6, false)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10_123_456), down.Big())

	up, err := ToNative(a, 6, true)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10_123_457), up.Big())

	back, err := FromNative(up, 6, false)
	require.NoError(t, err)
	assert.Equal(t, "10.123457", back.String())

	same, err := ToNative(a, 18, true)
	require.NoError(t, err)
	assert.True(t, same.Eq(a))
}

func TestAmountJSON(t *testing.T) {
	b, err := json.Marshal(MustAmount("5000"))
	require.NoError(t, err)
	assert.Equal(t, `"5000"`, string(b))

	var a Amount
	require.NoError(t, json.Unmarshal([]byte(`"0.01"`), &a))
	assert.Equal(t, "0.01", a.String())
	require.NoError(t, json.Unmarshal([]byte(`42`), &a))
	assert.True(t, a.Eq(NewAmount(42)))
}

func TestErrorMatching(t *testing.T) {
	err := Errorf(ErrCapExceeded, "market %s", "x")
	assert.ErrorIs(t, err, ErrCapExceeded)
	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrBelowMinimum)
	assert.NotErrorIs(t, err, ErrSlippageExceeded)
	assert.Equal(t, "cap_exceeded", CodeOf(err))
	assert.Equal(t, "internal", CodeOf(errors.New("boom")))

	stale := Errorf(ErrPriceUnavailable, "ETH")
	assert.ErrorIs(t, stale, ErrStalePrice)
}

func TestDirectionAndExposure(t *testing.T) {
	d := DirectionUp
	assert.Equal(t, DirectionDown, d.Other())
	_, err := ParseDirection("sideways")
	assert.ErrorIs(t, err, ErrInvalidInput)

	e := Exposure{Up: NewAmount(3), Down: NewAmount(7)}
	assert.True(t, e.Locked().Eq(NewAmount(7)))
}

func TestMarketIDDeterministic(t *testing.T) {
	m := time.Unix(1_700_000_000, 0)
	a := MarketID("ETH", NewAmount(4000), m)
	assert.Equal(t, a, MarketID("ETH", NewAmount(4000), m))
	assert.NotEqual(t, a, MarketID("ETH", NewAmount(4001), m))
	assert.NotEqual(t, a, MarketID("BTC", NewAmount(4000), m))
}

func TestSlippageCode(t *testing.T) {
	err := Errorf(ErrSlippageExceeded, "cost 11 > max 10")
	assert.Equal(t, "slippage_exceeded", CodeOf(err))
	assert.Equal(t, KindSlippage, KindOf(err))
}
