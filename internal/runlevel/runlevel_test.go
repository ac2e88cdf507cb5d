package runlevel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMask(t *testing.T) {
	m, err := ParseMask("2,3,S")
	require.NoError(t, err)
	require.True(t, m.Has(2))
	require.True(t, m.Has(3))
	require.True(t, m.Has(Single))
	require.False(t, m.Has(4))
}

func TestParseMaskInvalid(t *testing.T) {
	_, err := ParseMask("2,42")
	require.ErrorIs(t, err, ErrInvalidLevel)
}

func TestParseMaskEmpty(t *testing.T) {
	m, err := ParseMask("")
	require.NoError(t, err)
	require.True(t, m.Empty())
}
