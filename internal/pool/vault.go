package pool

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// VaultStrategy is the logic shared by every round vault. Implementations
// hold no per-round state; each RoundVault carries its own storage.
type VaultStrategy interface {
	// Account derives the ledger account that custodies a round's capital.
	Account(poolID string, round uint64) common.Address
	// RollForward scales each balance by remainder/allocation. The returned
	// dust is the part of remainder not assigned to any depositor.
	RollForward(balances map[common.Address]domain.Amount, allocation, remainder domain.Amount) (map[common.Address]domain.Amount, domain.Amount, error)
}

// ProRata rolls balances forward in proportion to their share of the round
// allocation, flooring every share.
type ProRata struct{}

var _ VaultStrategy = ProRata{}

// Account returns keccak256("round-vault", poolID, round) truncated to an
// address.
func (ProRata) Account(poolID string, round uint64) common.Address {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], round)
	return common.BytesToAddress(crypto.Keccak256([]byte("round-vault"), []byte(poolID), idx[:]))
}

func (ProRata) RollForward(balances map[common.Address]domain.Amount, allocation, remainder domain.Amount) (map[common.Address]domain.Amount, domain.Amount, error) {
	out := make(map[common.Address]domain.Amount, len(balances))
	if allocation.IsZero() {
		return out, remainder, nil
	}
	assigned := domain.Zero
	for d, b := range balances {
		nb, err := domain.MulDiv(b, remainder, allocation)
		if err != nil {
			return nil, domain.Zero, fmt.Errorf("pool: roll forward %s: %w", d.Hex(), err)
		}
		out[d] = nb
		if assigned, err = assigned.Add(nb); err != nil {
			return nil, domain.Zero, fmt.Errorf("pool: roll forward: %w", err)
		}
	}
	dust, err := remainder.Sub(assigned)
	if err != nil {
		return nil, domain.Zero, fmt.Errorf("pool: roll forward exceeds remainder: %w", err)
	}
	return out, dust, nil
}

// ReserveAccount is the account holding winnings owed by closed rounds.
func ReserveAccount(poolID string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("exercise-reserve"), []byte(poolID)))
}

// RoundVault is one round's record in the vault arena.
type RoundVault struct {
	Round    domain.Round
	Balances map[common.Address]domain.Amount
	Pending  map[common.Address]domain.WithdrawalRequest
}

func newRoundVault(index uint64, account common.Address) *RoundVault {
	return &RoundVault{
		Round:    domain.Round{Index: index, Vault: account, Allocation: domain.Zero},
		Balances: make(map[common.Address]domain.Amount),
		Pending:  make(map[common.Address]domain.WithdrawalRequest),
	}
}

func (v *RoundVault) credit(d common.Address, amount domain.Amount) error {
	b, err := v.Balances[d].Add(amount)
	if err != nil {
		return fmt.Errorf("pool: credit %s: %w", d.Hex(), err)
	}
	v.Balances[d] = b
	return nil
}

func (v *RoundVault) total() (domain.Amount, error) {
	t := domain.Zero
	for _, b := range v.Balances {
		var err error
		if t, err = t.Add(b); err != nil {
			return domain.Zero, err
		}
	}
	return t, nil
}

func (v *RoundVault) snapshot() domain.RoundSnapshot {
	s := domain.RoundSnapshot{Round: v.Round}
	for _, d := range sortedKeys(v.Balances) {
		s.Balances = append(s.Balances, domain.DepositorBalance{Depositor: d, Balance: v.Balances[d]})
	}
	for _, d := range sortedKeys(v.Pending) {
		s.Pending = append(s.Pending, v.Pending[d])
	}
	return s
}

func restoreVault(s domain.RoundSnapshot) *RoundVault {
	v := newRoundVault(s.Round.Index, s.Round.Vault)
	v.Round = s.Round
	for _, b := range s.Balances {
		v.Balances[b.Depositor] = b.Balance
	}
	for _, w := range s.Pending {
		v.Pending[w.Depositor] = w
	}
	return v
}

func sortedKeys[V any](m map[common.Address]V) []common.Address {
	out := make([]common.Address, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}
