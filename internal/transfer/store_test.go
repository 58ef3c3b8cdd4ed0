package transfer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec := &Record{
		ID:                "transfer-1",
		PeerHash:          "aabbccdd",
		Direction:         string(DirectionSending),
		Filename:          "report.pdf",
		SrcPath:           "/tmp/report.pdf",
		TotalBytes:        1 << 20,
		ChunkSize:         DefaultChunkSize,
		FileHash:          "deadbeef",
		Status:            string(StatusInProgress),
		ChunksDone:        3,
		NextExpectedIndex: 3,
		StartedAt:         time.Now().Truncate(time.Second),
	}
	require.NoError(t, store.Save(rec))

	got, err := store.Load("transfer-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Filename, got.Filename)
	assert.Equal(t, rec.Status, got.Status)
	assert.Equal(t, rec.ChunksDone, got.ChunksDone)
	assert.Equal(t, rec.StartedAt.Unix(), got.StartedAt.Unix())
}

func TestStoreLoadMissingReturnsNilNil(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	got, err := store.Load("does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreLoadResumableExcludesTerminalStates(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	base := Record{
		PeerHash:   "aabbccdd",
		Direction:  string(DirectionReceiving),
		Filename:   "x.bin",
		TotalBytes: 100,
		ChunkSize:  DefaultChunkSize,
		StartedAt:  time.Now(),
	}
	statuses := []Status{StatusInProgress, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled}
	for i, s := range statuses {
		rec := base
		rec.ID = string(s) + "-id"
		rec.Status = string(s)
		rec.StartedAt = base.StartedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Save(&rec))
	}

	resumable, err := store.LoadResumable()
	require.NoError(t, err)
	require.Len(t, resumable, 2)
	for _, rec := range resumable {
		assert.Contains(t, []string{string(StatusInProgress), string(StatusPaused)}, rec.Status)
	}
}

func TestStoreDeleteRemovesRow(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec := &Record{ID: "gone", PeerHash: "aa", Direction: string(DirectionSending), Filename: "f", ChunkSize: DefaultChunkSize, Status: string(StatusCompleted), StartedAt: time.Now()}
	require.NoError(t, store.Save(rec))
	require.NoError(t, store.Delete("gone"))

	got, err := store.Load("gone")
	require.NoError(t, err)
	assert.Nil(t, got)
}
