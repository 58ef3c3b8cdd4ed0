package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	c, err := Generate(6881)
	require.NoError(t, err)
	require.NoError(t, Save(path, c))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c.NodeIDHex, loaded.NodeIDHex)
	assert.Equal(t, c.NoiseStaticPrivHex, loaded.NoiseStaticPrivHex)

	id, err := loaded.NodeID()
	require.NoError(t, err)
	assert.NotEqual(t, id.String(), "")

	kp, err := loaded.NoiseKeypair()
	require.NoError(t, err)
	assert.Len(t, kp.Private, 32)
}

func TestLoadOrGenerateCreatesOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	first, err := LoadOrGenerate(path, 6881)
	require.NoError(t, err)

	second, err := LoadOrGenerate(path, 6881)
	require.NoError(t, err)
	assert.Equal(t, first.NodeIDHex, second.NodeIDHex)
}

func TestSaveLeavesNoTempFileOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	c, err := Generate(6881)
	require.NoError(t, err)
	require.NoError(t, Save(path, c))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "config.json", entries[0].Name())
}
