package ledger

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
)

// PaymentToken is the stablecoin contract the ledger captures payments from.
// TransferFrom must be all-or-nothing. It runs inside the ledger transaction
// and ctx marks that transaction: a call back into the ledger must pass ctx
// along (through a Session) and is then rejected with ErrReentrantCall.
type PaymentToken interface {
	TransferFrom(ctx context.Context, spender, from, to Address, amount uint64) error
}

// Token is an in-memory fungible token with 6-decimal micro-units and
// allowance-based transfers.
type Token struct {
	mu         sync.Mutex
	symbol     string
	supply     uint64
	balances   map[Address]uint64
	allowances map[Address]map[Address]uint64
}

func NewToken(symbol string) *Token {
	return &Token{
		symbol:     symbol,
		balances:   make(map[Address]uint64),
		allowances: make(map[Address]map[Address]uint64),
	}
}

func (t *Token) Symbol() string { return t.symbol }

// Mint credits amount to an account. Used by development faucets.
func (t *Token) Mint(to Address, amount uint64) error {
	if to.IsZero() {
		return ErrInvalidAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	supply, carry := bits.Add64(t.supply, amount, 0)
	if carry != 0 {
		return ErrAmountOverflow
	}
	t.supply = supply
	t.balances[to] += amount
	return nil
}

func (t *Token) Approve(owner, spender Address, amount uint64) error {
	if owner.IsZero() || spender.IsZero() {
		return ErrInvalidAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[Address]uint64)
		t.allowances[owner] = m
	}
	m[spender] = amount
	return nil
}

func (t *Token) Allowance(owner, spender Address) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowances[owner][spender]
}

func (t *Token) BalanceOf(a Address) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[a]
}

func (t *Token) TotalSupply() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supply
}

// Transfer moves amount from one account to another without an allowance.
func (t *Token) Transfer(from, to Address, amount uint64) error {
	if to.IsZero() {
		return ErrInvalidAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.balances[from] < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, t.balances[from], amount)
	}
	t.move(from, to, amount)
	return nil
}

// TransferFrom moves amount on behalf of from, spending spender's allowance.
// Both checks happen before any balance changes.
func (t *Token) TransferFrom(_ context.Context, spender, from, to Address, amount uint64) error {
	if to.IsZero() {
		return ErrInvalidAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	allowed := t.allowances[from][spender]
	if allowed < amount {
		return fmt.Errorf("%w: allowance %d, need %d", ErrInsufficientAllowance, allowed, amount)
	}
	if t.balances[from] < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, t.balances[from], amount)
	}
	t.allowances[from][spender] = allowed - amount
	t.move(from, to, amount)
	return nil
}

func (t *Token) move(from, to Address, amount uint64) {
	t.balances[from] -= amount
	t.balances[to] += amount
}

type tokenState struct {
	Symbol     string                         `json:"symbol"`
	Supply     uint64                         `json:"supply"`
	Balances   map[Address]uint64             `json:"balances"`
	Allowances map[Address]map[Address]uint64 `json:"allowances"`
}

func (t *Token) exportState() tokenState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := tokenState{
		Symbol:     t.symbol,
		Supply:     t.supply,
		Balances:   make(map[Address]uint64, len(t.balances)),
		Allowances: make(map[Address]map[Address]uint64, len(t.allowances)),
	}
	for a, b := range t.balances {
		st.Balances[a] = b
	}
	for owner, m := range t.allowances {
		cp := make(map[Address]uint64, len(m))
		for spender, amt := range m {
			cp[spender] = amt
		}
		st.Allowances[owner] = cp
	}
	return st
}

func (t *Token) importState(st tokenState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.symbol = st.Symbol
	t.supply = st.Supply
	t.balances = make(map[Address]uint64, len(st.Balances))
	for a, b := range st.Balances {
		t.balances[a] = b
	}
	t.allowances = make(map[Address]map[Address]uint64, len(st.Allowances))
	for owner, m := range st.Allowances {
		cp := make(map[Address]uint64, len(m))
		for spender, amt := range m {
			cp[spender] = amt
		}
		t.allowances[owner] = cp
	}
}
