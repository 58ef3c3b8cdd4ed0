package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSeedIsRandomAndSized(t *testing.T) {
	a, err := GenerateSeed()
	require.NoError(t, err)
	b, err := GenerateSeed()
	require.NoError(t, err)

	assert.Len(t, a, SeedSize)
	assert.NotEqual(t, a, b)
}

func TestNodeIDFromSeedIsDeterministic(t *testing.T) {
	seed := []byte("a fixed seed used only by this test case!!")
	a := NodeIDFromSeed(seed)
	b := NodeIDFromSeed(seed)
	assert.Equal(t, a, b)

	other := NodeIDFromSeed([]byte("a different seed entirely"))
	assert.NotEqual(t, a, other)
}
