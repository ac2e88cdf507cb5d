package netwatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sixfold/stepinit/internal/condition"
)

func TestSeedCurrentInterfacesSetsLoopbackUp(t *testing.T) {
	store, err := condition.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, seedCurrentInterfaces(store))

	st, ok := store.Get("net/iface/lo")
	require.True(t, ok)
	require.Equal(t, condition.On, st)
}

func TestRoundUpAlignsToNetlinkBoundary(t *testing.T) {
	require.Equal(t, 4, roundUp(1))
	require.Equal(t, 8, roundUp(5))
	require.Equal(t, 16, roundUp(16))
}
