// Package ledger holds the in-process token ledger and swap facilities the
// engine settles against.
package ledger

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// TransferHook can veto a transfer before it is applied.
type TransferHook func(token, from, to common.Address, amount domain.Amount) error

// Memory is an in-memory fungible-token ledger. Every token has a native
// precision; amounts that cannot be represented in it are rejected.
type Memory struct {
	mu         sync.Mutex
	decimals   map[common.Address]uint8
	balances   map[common.Address]map[common.Address]domain.Amount
	allowances map[common.Address]map[[2]common.Address]domain.Amount
	hook       TransferHook
}

// NewMemory creates an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		decimals:   make(map[common.Address]uint8),
		balances:   make(map[common.Address]map[common.Address]domain.Amount),
		allowances: make(map[common.Address]map[[2]common.Address]domain.Amount),
	}
}

// Register declares a token and its native precision.
func (m *Memory) Register(token common.Address, decimals uint8) {
	m.mu.Lock()
	m.decimals[token] = decimals
	m.mu.Unlock()
}

// Decimals returns the native precision of token, 18 when unregistered.
func (m *Memory) Decimals(token common.Address) uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decimalsLocked(token)
}

func (m *Memory) decimalsLocked(token common.Address) uint8 {
	if d, ok := m.decimals[token]; ok {
		return d
	}
	return domain.Decimals
}

// SetHook installs a hook consulted before every transfer.
func (m *Memory) SetHook(h TransferHook) {
	m.mu.Lock()
	m.hook = h
	m.mu.Unlock()
}

// Mint credits amount of token to account.
func (m *Memory) Mint(token, to common.Address, amount domain.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.representableLocked(token, amount); err != nil {
		return err
	}
	return m.creditLocked(token, to, amount)
}

func (m *Memory) BalanceOf(_ context.Context, token, account common.Address) (domain.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[token][account], nil
}

func (m *Memory) Transfer(_ context.Context, token, from, to common.Address, amount domain.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveLocked(token, from, to, amount)
}

func (m *Memory) Approve(_ context.Context, token, owner, spender common.Address, amount domain.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allowances[token] == nil {
		m.allowances[token] = make(map[[2]common.Address]domain.Amount)
	}
	m.allowances[token][[2]common.Address{owner, spender}] = amount
	return nil
}

func (m *Memory) TransferFrom(_ context.Context, token, spender, from, to common.Address, amount domain.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]common.Address{from, spender}
	allowed := m.allowances[token][key]
	if allowed.Lt(amount) {
		return domain.Errorf(domain.ErrInsufficientBalance, "ledger: allowance %s < %s", allowed, amount)
	}
	if err := m.moveLocked(token, from, to, amount); err != nil {
		return err
	}
	m.allowances[token][key] = allowed.SubFloor(amount)
	return nil
}

func (m *Memory) moveLocked(token, from, to common.Address, amount domain.Amount) error {
	if amount.IsZero() || from == to {
		return nil
	}
	if err := m.representableLocked(token, amount); err != nil {
		return err
	}
	if m.hook != nil {
		if err := m.hook(token, from, to, amount); err != nil {
			return err
		}
	}
	bal := m.balances[token][from]
	rest, err := bal.Sub(amount)
	if err != nil {
		return domain.Errorf(domain.ErrInsufficientBalance, "ledger: %s holds %s, needs %s", from.Hex(), bal, amount)
	}
	if err := m.creditLocked(token, to, amount); err != nil {
		return err
	}
	m.balances[token][from] = rest
	return nil
}

func (m *Memory) creditLocked(token, to common.Address, amount domain.Amount) error {
	if m.balances[token] == nil {
		m.balances[token] = make(map[common.Address]domain.Amount)
	}
	next, err := m.balances[token][to].Add(amount)
	if err != nil {
		return err
	}
	m.balances[token][to] = next
	return nil
}

func (m *Memory) representableLocked(token common.Address, amount domain.Amount) error {
	q, err := domain.Quantize(amount, m.decimalsLocked(token), false)
	if err != nil {
		return err
	}
	if !q.Eq(amount) {
		return domain.Errorf(domain.ErrInvalidInput, "ledger: %s exceeds %d-decimal precision", amount, m.decimalsLocked(token))
	}
	return nil
}

var _ domain.TokenLedger = (*Memory)(nil)

// Balances returns every non-zero balance ordered by token then account.
func (m *Memory) Balances() []domain.TokenBalance {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TokenBalance
	for token, accounts := range m.balances {
		for account, amount := range accounts {
			if !amount.IsZero() {
				out = append(out, domain.TokenBalance{Token: token, Account: account, Amount: amount})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Token[:], out[j].Token[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Account[:], out[j].Account[:]) < 0
	})
	return out
}

// Restore replaces every balance. Allowances are cleared.
func (m *Memory) Restore(balances []domain.TokenBalance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = make(map[common.Address]map[common.Address]domain.Amount)
	m.allowances = make(map[common.Address]map[[2]common.Address]domain.Amount)
	for _, b := range balances {
		if m.balances[b.Token] == nil {
			m.balances[b.Token] = make(map[common.Address]domain.Amount)
		}
		m.balances[b.Token][b.Account] = b.Amount
	}
}
