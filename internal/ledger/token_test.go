package ledger

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenTransferFromIsAllOrNothing(t *testing.T) {
	tok := NewToken("USDC")
	owner, spender, to := newTestAddress(t), newTestAddress(t), newTestAddress(t)
	require.NoError(t, tok.Mint(owner, 10*Unit))

	err := tok.TransferFrom(t.Context(), spender, owner, to, Unit)
	assert.ErrorIs(t, err, ErrInsufficientAllowance)

	require.NoError(t, tok.Approve(owner, spender, 20*Unit))
	err = tok.TransferFrom(t.Context(), spender, owner, to, 15*Unit)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, 20*Unit, tok.Allowance(owner, spender), "allowance untouched on failure")
	assert.Equal(t, 10*Unit, tok.BalanceOf(owner))

	require.NoError(t, tok.TransferFrom(t.Context(), spender, owner, to, 4*Unit))
	assert.Equal(t, 6*Unit, tok.BalanceOf(owner))
	assert.Equal(t, 4*Unit, tok.BalanceOf(to))
	assert.Equal(t, 16*Unit, tok.Allowance(owner, spender))
	assert.Equal(t, 10*Unit, tok.TotalSupply())
}

func TestTokenMintOverflow(t *testing.T) {
	tok := NewToken("USDC")
	a := newTestAddress(t)
	require.NoError(t, tok.Mint(a, math.MaxUint64))
	assert.ErrorIs(t, tok.Mint(a, 1), ErrAmountOverflow)
}

func TestParseTierAndAddress(t *testing.T) {
	tier, err := ParseTier("standard")
	require.NoError(t, err)
	assert.Equal(t, TierStandard, tier)
	tier, err = ParseTier("4")
	require.NoError(t, err)
	assert.Equal(t, TierDedicated, tier)
	_, err = ParseTier("5")
	assert.ErrorIs(t, err, ErrInvalidTier)
	_, err = ParseTier("gigantic")
	assert.ErrorIs(t, err, ErrInvalidTier)

	a := newTestAddress(t)
	parsed, err := ParseAddress(" " + a.String() + " ")
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
	pub, err := a.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, a, AddressFromPublicKey(pub))

	_, err = ParseAddress("3mJr7AoUXx2Wqd")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
