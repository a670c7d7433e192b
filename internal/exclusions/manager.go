// Package exclusions maintains the set of addresses that never receive
// distributions: the keeper's own accounts, operator-configured addresses,
// and pool vaults detected on the ledger.
package exclusions

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/miko-network/keeper/internal/logger"
	"github.com/miko-network/keeper/internal/types"
)

// AccountInspector is the slice of the ledger the manager needs.
type AccountInspector interface {
	ProgramOwner(ctx context.Context, addr solana.PublicKey) (owner solana.PublicKey, executable bool, err error)
}

// Manager builds and refreshes the exclusion set. Refresh runs immediately
// before each plan so a newly created pool vault never receives a payout.
type Manager struct {
	inspector   AccountInspector
	static      []solana.PublicKey
	ammPrograms map[solana.PublicKey]struct{}
	system      []solana.PublicKey
	logger      zerolog.Logger

	mu       sync.RWMutex
	excluded map[solana.PublicKey]string
}

// NewManager wires an exclusion manager. system lists the keeper-derived
// addresses (keeper wallet, holding account, mint, vault state) that are
// excluded unconditionally.
func NewManager(inspector AccountInspector, static, ammPrograms, system []solana.PublicKey) *Manager {
	amms := make(map[solana.PublicKey]struct{}, len(ammPrograms))
	for _, p := range ammPrograms {
		amms[p] = struct{}{}
	}
	m := &Manager{
		inspector:   inspector,
		static:      static,
		ammPrograms: amms,
		system:      system,
		logger:      logger.GetForComponent("exclusions"),
		excluded:    make(map[solana.PublicKey]string),
	}
	m.resetLocked()
	return m
}

func (m *Manager) resetLocked() {
	m.excluded = make(map[solana.PublicKey]string, len(m.static)+len(m.system))
	for _, addr := range m.system {
		m.excluded[addr] = "system"
	}
	for _, addr := range m.static {
		m.excluded[addr] = "static"
	}
}

// Refresh rebuilds the set against the given holder snapshot. Detection
// failures for individual holders are logged and treated as not excluded;
// the static and system entries always survive.
func (m *Manager) Refresh(ctx context.Context, holders []types.HolderBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()

	detected := 0
	for _, h := range holders {
		if _, ok := m.excluded[h.Address]; ok {
			continue
		}
		owner, executable, err := m.inspector.ProgramOwner(ctx, h.Address)
		if err != nil {
			m.logger.Warn().Err(err).
				Str("holder", h.Address.String()).
				Msg("Could not inspect holder account, leaving it eligible")
			continue
		}
		if executable {
			m.excluded[h.Address] = "program"
			detected++
			continue
		}
		if _, isAMM := m.ammPrograms[owner]; isAMM {
			m.excluded[h.Address] = "pool_vault"
			detected++
		}
	}

	m.logger.Debug().
		Int("total", len(m.excluded)).
		Int("detected", detected).
		Msg("Exclusion set refreshed")
	return nil
}

// IsExcluded reports whether addr must not receive distributions.
func (m *Manager) IsExcluded(addr solana.PublicKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.excluded[addr]
	return ok
}

// Snapshot returns the current exclusion set with reasons, for the status
// surface.
func (m *Manager) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.excluded))
	for addr, reason := range m.excluded {
		out[addr.String()] = reason
	}
	return out
}

// Size returns the number of excluded addresses.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.excluded)
}
