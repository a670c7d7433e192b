package exclusions

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miko-network/keeper/internal/types"
)

type mockInspector struct {
	fn func(ctx context.Context, addr solana.PublicKey) (solana.PublicKey, bool, error)
}

func (m *mockInspector) ProgramOwner(ctx context.Context, addr solana.PublicKey) (solana.PublicKey, bool, error) {
	return m.fn(ctx, addr)
}

func holders(addrs ...solana.PublicKey) []types.HolderBalance {
	out := make([]types.HolderBalance, len(addrs))
	for i, a := range addrs {
		out[i] = types.HolderBalance{Address: a, Balance: 1_000}
	}
	return out
}

func TestRefreshDetection(t *testing.T) {
	ammProgram := solana.NewWallet().PublicKey()
	someProgram := solana.NewWallet().PublicKey()

	executable := solana.NewWallet().PublicKey()
	poolVault := solana.NewWallet().PublicKey()
	unreadable := solana.NewWallet().PublicKey()
	regular := solana.NewWallet().PublicKey()

	inspector := &mockInspector{fn: func(_ context.Context, addr solana.PublicKey) (solana.PublicKey, bool, error) {
		switch addr {
		case executable:
			return solana.BPFLoaderUpgradeableProgramID, true, nil
		case poolVault:
			return ammProgram, false, nil
		case unreadable:
			return solana.PublicKey{}, false, errors.New("rpc timeout")
		default:
			return someProgram, false, nil
		}
	}}

	m := NewManager(inspector, nil, []solana.PublicKey{ammProgram}, nil)
	require.NoError(t, m.Refresh(context.Background(), holders(executable, poolVault, unreadable, regular)))

	assert.True(t, m.IsExcluded(executable))
	assert.True(t, m.IsExcluded(poolVault))
	// Inspection failures fail open: the holder stays eligible.
	assert.False(t, m.IsExcluded(unreadable))
	assert.False(t, m.IsExcluded(regular))

	snap := m.Snapshot()
	assert.Equal(t, "program", snap[executable.String()])
	assert.Equal(t, "pool_vault", snap[poolVault.String()])
}

func TestRefreshSystemAndStaticSurvive(t *testing.T) {
	system := solana.NewWallet().PublicKey()
	static := solana.NewWallet().PublicKey()

	inspected := 0
	inspector := &mockInspector{fn: func(_ context.Context, addr solana.PublicKey) (solana.PublicKey, bool, error) {
		inspected++
		return solana.TokenProgramID, false, nil
	}}

	m := NewManager(inspector, []solana.PublicKey{static}, nil, []solana.PublicKey{system})
	assert.True(t, m.IsExcluded(system))
	assert.True(t, m.IsExcluded(static))
	assert.Equal(t, 2, m.Size())

	// A refresh rebuilds the detected entries but never drops the seeds,
	// and never wastes an inspection on an already-excluded address.
	require.NoError(t, m.Refresh(context.Background(), holders(system, static)))
	assert.True(t, m.IsExcluded(system))
	assert.True(t, m.IsExcluded(static))
	assert.Zero(t, inspected)

	snap := m.Snapshot()
	assert.Equal(t, "system", snap[system.String()])
	assert.Equal(t, "static", snap[static.String()])
}

func TestRefreshDropsStaleDetections(t *testing.T) {
	ammProgram := solana.NewWallet().PublicKey()
	vault := solana.NewWallet().PublicKey()

	isVault := true
	inspector := &mockInspector{fn: func(_ context.Context, addr solana.PublicKey) (solana.PublicKey, bool, error) {
		if addr == vault && isVault {
			return ammProgram, false, nil
		}
		return solana.TokenProgramID, false, nil
	}}

	m := NewManager(inspector, nil, []solana.PublicKey{ammProgram}, nil)
	require.NoError(t, m.Refresh(context.Background(), holders(vault)))
	assert.True(t, m.IsExcluded(vault))

	// The account is no longer AMM-owned: the next refresh clears it.
	isVault = false
	require.NoError(t, m.Refresh(context.Background(), holders(vault)))
	assert.False(t, m.IsExcluded(vault))
}
