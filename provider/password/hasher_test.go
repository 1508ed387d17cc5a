package password

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScryptHasherRoundTrip(t *testing.T) {
	h := NewScryptHasher()
	encoded, err := h.Hash("correct horse battery staple")
	require.NoError(t, err)

	ok, err := h.Verify("correct horse battery staple", encoded)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.Verify("wrong password", encoded)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPBKDF2HasherRoundTrip(t *testing.T) {
	h := NewPBKDF2Hasher()
	encoded, err := h.Hash("correct horse battery staple")
	require.NoError(t, err)

	ok, err := h.Verify("correct horse battery staple", encoded)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.Verify("wrong password", encoded)
	require.NoError(t, err)
	require.False(t, ok)
}
