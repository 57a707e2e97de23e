package pool

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// Snapshot captures the pool's state.
func (p *Pool) Snapshot() domain.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := domain.PoolSnapshot{
		State:        p.state,
		CurrentRound: p.current,
		Results:      append([]domain.RoundResult(nil), p.results...),
	}
	rounds := make([]uint64, 0, len(p.vaults))
	for r := range p.vaults {
		rounds = append(rounds, r)
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] < rounds[j] })
	for _, r := range rounds {
		s.Rounds = append(s.Rounds, p.vaults[r].snapshot())
	}
	s.Whitelist = sortedKeys(p.whitelist)
	return s
}

// Restore replaces the pool's state with s. A snapshot taken mid-close is
// restored as started so the close can be retried.
func (p *Pool) Restore(s domain.PoolSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s.State
	if p.state == domain.PoolClosing {
		p.state = domain.PoolStarted
	}
	p.current = s.CurrentRound
	p.results = append([]domain.RoundResult(nil), s.Results...)
	p.vaults = make(map[uint64]*RoundVault, len(s.Rounds))
	for _, rs := range s.Rounds {
		p.vaults[rs.Round.Index] = restoreVault(rs)
	}
	p.whitelist = make(map[common.Address]bool, len(s.Whitelist))
	for _, a := range s.Whitelist {
		p.whitelist[a] = true
	}
	if p.state == domain.PoolNotStarted {
		p.vault(1)
	} else {
		p.vault(p.current)
	}
}
