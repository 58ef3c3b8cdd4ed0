// Package transfer implements librats's file-transfer core (C8, spec.md
// §4.8): chunked, resumable sender/receiver state machines running over
// internal/mesh's FileDispatcher seam. Grounded on
// clintcan-debswarm/internal/downloader/state.go for the
// database/sql+go-sqlite3 resumable persistence shape, and on spec.md
// §4.8's frame vocabulary for the state machine itself.
package transfer

import (
	"sync"
	"time"

	"github.com/DEgITx/librats/pkg/types"
)

// Status is a Transfer's lifecycle state (spec.md §3's Transfer.status).
type Status string

const (
	StatusPending    Status = "pending"
	StatusStarting   Status = "starting"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusResuming   Status = "resuming"
)

// Terminal reports whether s is one of the state machine's terminal
// states (spec.md §3: "Lifetime: created on request/offer, terminal on
// completed/failed/cancelled").
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Direction is which side of a Transfer this process is playing.
type Direction string

const (
	DirectionSending   Direction = "sending"
	DirectionReceiving Direction = "receiving"
)

// Tuning constants from spec.md §4.8/§5.
const (
	DefaultChunkSize = 64 * 1024
	AckEvery         = 16
	MaxUnacked       = 64
)

// Transfer is one file transfer's mutable state (spec.md §3's Transfer),
// guarded by its own mutex since both the mesh engine's receiver
// goroutine (via HandleFileFrame) and the sender's chunk-streaming
// goroutine touch it concurrently.
type Transfer struct {
	mu sync.Mutex

	ID            string
	DirTransferID string
	PeerHash      types.PeerHash
	Direction     Direction
	Filename      string
	TotalBytes    int64
	ChunkSize     int
	FileHash      string

	Status            Status
	ChunksDone        int
	NextExpectedIndex int
	StartedAt         time.Time
	ByteRateEWMA      float64
	Err               error

	unacked   int
	cond      *sync.Cond
	cancelled bool
	running   bool // a sendChunks goroutine is alive for this transfer

	srcPath  string
	destPath string
}

func newTransfer() *Transfer {
	t := &Transfer{StartedAt: time.Now()}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Snapshot is a point-in-time, lock-free copy of a Transfer's fields,
// suitable for callbacks and persistence.
type Snapshot struct {
	ID                string
	DirTransferID     string
	PeerHash          types.PeerHash
	Direction         Direction
	Filename          string
	TotalBytes        int64
	ChunkSize         int
	FileHash          string
	Status            Status
	ChunksDone        int
	NextExpectedIndex int
	StartedAt         time.Time
	Err               error
}

// TotalChunks returns the number of chunks TotalBytes splits into at
// ChunkSize, the Snapshot analogue of Transfer.totalChunks used by
// callers outside this package (e.g. cmd/librats's transfer_list).
func (s Snapshot) TotalChunks() int {
	if s.ChunkSize <= 0 {
		return 0
	}
	n := int(s.TotalBytes / int64(s.ChunkSize))
	if s.TotalBytes%int64(s.ChunkSize) != 0 {
		n++
	}
	return n
}

func (t *Transfer) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:                t.ID,
		DirTransferID:     t.DirTransferID,
		PeerHash:          t.PeerHash,
		Direction:         t.Direction,
		Filename:          t.Filename,
		TotalBytes:        t.TotalBytes,
		ChunkSize:         t.ChunkSize,
		FileHash:          t.FileHash,
		Status:            t.Status,
		ChunksDone:        t.ChunksDone,
		NextExpectedIndex: t.NextExpectedIndex,
		StartedAt:         t.StartedAt,
		Err:               t.Err,
	}
}

func (t *Transfer) setStatus(s Status) {
	t.mu.Lock()
	t.Status = s
	t.mu.Unlock()
}

func (t *Transfer) fail(err error) {
	t.mu.Lock()
	t.Status = StatusFailed
	t.Err = err
	t.mu.Unlock()
	t.cond.Broadcast()
}

// totalChunks returns the number of chunks TotalBytes splits into at
// ChunkSize, used to report progress.
func (t *Transfer) totalChunks() int {
	if t.ChunkSize <= 0 {
		return 0
	}
	n := int(t.TotalBytes / int64(t.ChunkSize))
	if t.TotalBytes%int64(t.ChunkSize) != 0 {
		n++
	}
	return n
}
