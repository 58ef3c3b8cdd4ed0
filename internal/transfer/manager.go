package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/DEgITx/librats/internal/log"
	"github.com/DEgITx/librats/internal/mesh"
	"github.com/DEgITx/librats/pkg/types"
)

var (
	ErrUnknownTransfer = errors.New("transfer: unknown transfer id")
	ErrNotSending      = errors.New("transfer: not a sending transfer")
	ErrAlreadyTerminal = errors.New("transfer: transfer already in a terminal state")
)

// FileSender is the subset of *mesh.Engine the transfer manager drives
// frames over, mirroring mesh.FileDispatcher's inverse direction.
type FileSender interface {
	SendFileFrame(hash types.PeerHash, f *mesh.Frame) error
	SendFileChunk(hash types.PeerHash, header *mesh.Frame, data []byte) error
}

// Callbacks are the user-registered file-transfer hooks from spec.md §6:
// on_offer decides whether to accept an incoming transfer, on_progress
// reports monotonically non-decreasing chunk counts, on_complete reports
// the final outcome.
type Callbacks interface {
	OnOffer(peerHash types.PeerHash, transferID, filename string, totalBytes int64) bool
	OnProgress(transferID string, chunksDone, totalChunks int)
	OnComplete(transferID string, err error)
}

// Manager owns every in-flight Transfer and implements
// mesh.FileDispatcher, so internal/mesh can hand it file_* frames without
// depending on this package (spec.md §4.8's design goal).
type Manager struct {
	mu        sync.Mutex
	transfers map[string]*Transfer

	sender    FileSender
	store     *Store
	callbacks Callbacks
	fileDir   string
	logger    *log.Logger

	// KeepPartialOnFailure overrides spec.md §4.8's default of discarding
	// a partial file on hash mismatch or cancellation.
	KeepPartialOnFailure bool
}

var _ mesh.FileDispatcher = (*Manager)(nil)

// New builds a Manager. fileDir is where received files are written and
// where relative paths from a dir_manifest are rooted.
func New(sender FileSender, store *Store, fileDir string, callbacks Callbacks) *Manager {
	return &Manager{
		transfers: make(map[string]*Transfer),
		sender:    sender,
		store:     store,
		callbacks: callbacks,
		fileDir:   fileDir,
		logger:    log.Named("transfer"),
	}
}

// Get returns a snapshot of a known transfer.
func (m *Manager) Get(transferID string) (Snapshot, bool) {
	m.mu.Lock()
	t, ok := m.transfers[transferID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// List returns a snapshot of every transfer the manager currently knows
// about, used by the cmd/librats transfer_list command.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.transfers))
	for _, t := range m.transfers {
		out = append(out, t.snapshot())
	}
	return out
}

func (m *Manager) register(t *Transfer) {
	m.mu.Lock()
	m.transfers[t.ID] = t
	m.mu.Unlock()
}

func (m *Manager) lookup(transferID string) (*Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[transferID]
	return t, ok
}

// Shutdown transitions every non-terminal transfer to failed with reason
// "shutdown" (spec.md §5's stop() contract).
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		all = append(all, t)
	}
	m.mu.Unlock()

	for _, t := range all {
		t.mu.Lock()
		terminal := t.Status.Terminal()
		t.mu.Unlock()
		if terminal {
			continue
		}
		t.fail(errors.New("shutdown"))
		m.persist(t)
		if m.callbacks != nil {
			m.callbacks.OnComplete(t.ID, errors.New("shutdown"))
		}
	}
}

func (m *Manager) persist(t *Transfer) {
	if m.store == nil {
		return
	}
	snap := t.snapshot()
	errStr := ""
	if snap.Err != nil {
		errStr = snap.Err.Error()
	}
	t.mu.Lock()
	srcPath, destPath := t.srcPath, t.destPath
	t.mu.Unlock()
	rec := &Record{
		ID:                snap.ID,
		DirTransferID:     snap.DirTransferID,
		PeerHash:          snap.PeerHash.String(),
		Direction:         string(snap.Direction),
		Filename:          snap.Filename,
		SrcPath:           srcPath,
		DestPath:          destPath,
		TotalBytes:        snap.TotalBytes,
		ChunkSize:         snap.ChunkSize,
		FileHash:          snap.FileHash,
		Status:            string(snap.Status),
		ChunksDone:        snap.ChunksDone,
		NextExpectedIndex: snap.NextExpectedIndex,
		StartedAt:         snap.StartedAt,
		Error:             errStr,
	}
	if err := m.store.Save(rec); err != nil {
		m.logger.Warn("persist transfer state failed", "transfer", snap.ID, "err", err)
	}
}

func (m *Manager) forget(transferID string) {
	m.mu.Lock()
	delete(m.transfers, transferID)
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.Delete(transferID); err != nil {
			m.logger.Warn("delete transfer row failed", "transfer", transferID, "err", err)
		}
	}
}

// ---- sender side ----

// SendFile offers path to peerHash (spec.md §6's send_file). A directory
// path expands into a dir_manifest frame followed by one file transfer
// per entry, sharing a parent transfer_id (spec.md §4.8).
func (m *Manager) SendFile(peerHash types.PeerHash, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("transfer: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return m.sendDirectory(peerHash, path)
	}
	return m.sendSingleFile(peerHash, path, filepath.Base(path), "")
}

func (m *Manager) sendSingleFile(peerHash types.PeerHash, path, filename, dirTransferID string) (string, error) {
	fileHash, size, err := hashFile(path)
	if err != nil {
		return "", err
	}

	t := newTransfer()
	t.ID = uuid.NewString()
	t.DirTransferID = dirTransferID
	t.PeerHash = peerHash
	t.Direction = DirectionSending
	t.Filename = filename
	t.TotalBytes = size
	t.ChunkSize = DefaultChunkSize
	t.FileHash = fileHash
	t.Status = StatusStarting
	t.srcPath = path
	m.register(t)
	m.persist(t)

	payload, _ := json.Marshal(mesh.FileOfferPayload{
		TransferID:    t.ID,
		Filename:      filename,
		TotalBytes:    size,
		ChunkSize:     t.ChunkSize,
		FileHash:      fileHash,
		DirTransferID: dirTransferID,
	})
	if err := m.sender.SendFileFrame(peerHash, &mesh.Frame{Type: mesh.FrameFileOffer, ID: uuid.NewString(), Payload: payload}); err != nil {
		t.fail(err)
		m.persist(t)
		return "", fmt.Errorf("transfer: send file_offer: %w", err)
	}
	return t.ID, nil
}

func (m *Manager) sendDirectory(peerHash types.PeerHash, root string) (string, error) {
	dirTransferID := uuid.NewString()
	rootName := filepath.Base(root)

	var entries []mesh.DirManifestEntry
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, mesh.DirManifestEntry{Path: filepath.ToSlash(rel), Size: info.Size(), IsDir: d.IsDir()})
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("transfer: walk %s: %w", root, err)
	}

	payload, _ := json.Marshal(mesh.DirManifestPayload{TransferID: dirTransferID, RootName: rootName, Entries: entries})
	if err := m.sender.SendFileFrame(peerHash, &mesh.Frame{Type: mesh.FrameDirManifest, ID: uuid.NewString(), Payload: payload}); err != nil {
		return "", fmt.Errorf("transfer: send dir_manifest: %w", err)
	}

	var firstErr error
	for _, f := range files {
		rel, _ := filepath.Rel(root, f)
		name := filepath.ToSlash(filepath.Join(rootName, rel))
		if _, err := m.sendSingleFile(peerHash, f, name, dirTransferID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return dirTransferID, firstErr
}

func hashFile(path string) (hexHash string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("transfer: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("transfer: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// sendChunks streams t's source file in ChunkSize pieces, blocking once
// MaxUnacked chunks are outstanding (spec.md §5's file-chunk flow
// control) and honoring pause/cancel.
func (m *Manager) sendChunks(t *Transfer) {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	f, err := os.Open(t.srcPath)
	if err != nil {
		t.fail(err)
		m.persist(t)
		m.notifyComplete(t, err)
		return
	}
	defer f.Close()

	t.mu.Lock()
	resumeFrom := t.NextExpectedIndex
	t.mu.Unlock()
	if resumeFrom > 0 {
		if _, err := f.Seek(int64(resumeFrom)*int64(t.ChunkSize), io.SeekStart); err != nil {
			t.fail(err)
			m.persist(t)
			m.notifyComplete(t, err)
			return
		}
	}

	buf := make([]byte, t.ChunkSize)
	chunkIndex := resumeFrom
	for {
		t.mu.Lock()
		for t.Status == StatusPaused && !t.cancelled {
			t.cond.Wait()
		}
		for t.unacked >= MaxUnacked && t.Status != StatusPaused && !t.cancelled {
			t.cond.Wait()
		}
		cancelled := t.cancelled
		t.mu.Unlock()
		if cancelled {
			return
		}

		n, err := f.Read(buf)
		if n > 0 {
			header := &mesh.Frame{Type: mesh.FrameFileChunk, ID: uuid.NewString(), Payload: marshalOrPanic(mesh.FileChunkPayload{
				TransferID: t.ID,
				ChunkIndex: chunkIndex,
				Length:     n,
			})}
			if sendErr := m.sender.SendFileChunk(t.PeerHash, header, buf[:n]); sendErr != nil {
				t.fail(sendErr)
				m.persist(t)
				m.notifyComplete(t, sendErr)
				return
			}
			t.mu.Lock()
			t.ChunksDone++
			t.unacked++
			t.mu.Unlock()
			chunkIndex++
			if m.callbacks != nil {
				m.callbacks.OnProgress(t.ID, chunkIndex, t.totalChunks())
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.fail(err)
			m.persist(t)
			m.notifyComplete(t, err)
			return
		}
	}

	donePayload := marshalOrPanic(mesh.FileDonePayload{TransferID: t.ID, FileHash: t.FileHash})
	if err := m.sender.SendFileFrame(t.PeerHash, &mesh.Frame{Type: mesh.FrameFileDone, ID: uuid.NewString(), Payload: donePayload}); err != nil {
		t.fail(err)
		m.persist(t)
		m.notifyComplete(t, err)
	}
}

func (m *Manager) notifyComplete(t *Transfer, err error) {
	if m.callbacks != nil {
		m.callbacks.OnComplete(t.ID, err)
	}
}

func marshalOrPanic(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Pause freezes a sending transfer's outstanding writes (spec.md §4.8).
func (m *Manager) Pause(transferID string) error {
	t, ok := m.lookup(transferID)
	if !ok {
		return ErrUnknownTransfer
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Direction != DirectionSending {
		return ErrNotSending
	}
	if t.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	t.Status = StatusPaused
	return nil
}

// Resume replays a paused or restart-interrupted sending transfer from
// NextExpectedIndex (spec.md §4.8).
func (m *Manager) Resume(transferID string) error {
	t, ok := m.lookup(transferID)
	if !ok {
		return ErrUnknownTransfer
	}
	t.mu.Lock()
	if t.Direction != DirectionSending {
		t.mu.Unlock()
		return ErrNotSending
	}
	if t.Status.Terminal() {
		t.mu.Unlock()
		return ErrAlreadyTerminal
	}
	alreadyRunning := t.running
	t.Status = StatusInProgress
	t.mu.Unlock()
	t.cond.Broadcast()
	if !alreadyRunning {
		go m.sendChunks(t)
	}
	return nil
}

// Cancel aborts transferID from either side; it is idempotent and, on
// the receiving side, discards the partial file unless
// KeepPartialOnFailure is set (spec.md §4.8).
func (m *Manager) Cancel(transferID string) error {
	t, ok := m.lookup(transferID)
	if !ok {
		return ErrUnknownTransfer
	}
	t.mu.Lock()
	if t.Status.Terminal() {
		t.mu.Unlock()
		return nil
	}
	t.cancelled = true
	t.Status = StatusCancelled
	direction := t.Direction
	destPath := t.destPath
	t.mu.Unlock()
	t.cond.Broadcast()

	if direction == DirectionReceiving && !m.KeepPartialOnFailure && destPath != "" {
		_ = os.Remove(destPath)
	}

	reason := marshalOrPanic(mesh.FileRejectPayload{TransferID: transferID, Reason: "cancelled"})
	_ = m.sender.SendFileFrame(t.PeerHash, &mesh.Frame{Type: mesh.FrameFileReject, ID: uuid.NewString(), Payload: reason})

	m.notifyComplete(t, errors.New("cancelled"))
	// The cancelled entry stays in memory so a repeated Cancel finds it
	// terminal and returns nil; only its resume row is dropped.
	if m.store != nil {
		if err := m.store.Delete(transferID); err != nil {
			m.logger.Warn("delete transfer row failed", "transfer", transferID, "err", err)
		}
	}
	return nil
}

// LoadResumable reloads every non-terminal transfer from the store,
// rehydrating in-memory state so a later Resume can continue it
// (spec.md §8 scenario 6).
func (m *Manager) LoadResumable() error {
	if m.store == nil {
		return nil
	}
	recs, err := m.store.LoadResumable()
	if err != nil {
		return fmt.Errorf("transfer: load resumable transfers: %w", err)
	}
	for _, rec := range recs {
		peerHash, err := types.PeerHashFromHex(rec.PeerHash)
		if err != nil {
			m.logger.Warn("resumable transfer has bad peer hash", "transfer", rec.ID, "err", err)
			continue
		}
		t := newTransfer()
		t.ID = rec.ID
		t.DirTransferID = rec.DirTransferID
		t.PeerHash = peerHash
		t.Direction = Direction(rec.Direction)
		t.Filename = rec.Filename
		t.TotalBytes = rec.TotalBytes
		t.ChunkSize = rec.ChunkSize
		t.FileHash = rec.FileHash
		t.Status = StatusPaused
		t.ChunksDone = rec.ChunksDone
		t.NextExpectedIndex = rec.NextExpectedIndex
		t.StartedAt = rec.StartedAt
		t.srcPath = rec.SrcPath
		t.destPath = rec.DestPath
		m.register(t)
		m.logger.Info("reloaded resumable transfer", "transfer", t.ID, "direction", t.Direction, "next_expected_index", t.NextExpectedIndex)
	}
	return nil
}

// ---- receiver side: mesh.FileDispatcher ----

// HandleFileFrame implements mesh.FileDispatcher.
func (m *Manager) HandleFileFrame(peerHash types.PeerHash, frame *mesh.Frame, raw []byte) error {
	switch frame.Type {
	case mesh.FrameDirManifest:
		return m.handleDirManifest(frame)
	case mesh.FrameFileOffer:
		return m.handleFileOffer(peerHash, frame)
	case mesh.FrameFileAccept:
		return m.handleFileAccept(frame)
	case mesh.FrameFileReject:
		return m.handleFileReject(frame)
	case mesh.FrameFileChunk:
		return m.handleFileChunk(frame, raw)
	case mesh.FrameFileAck:
		return m.handleFileAck(frame)
	case mesh.FrameFileDone:
		return m.handleFileDone(frame)
	case mesh.FrameFileOk:
		return m.handleFileOk(frame)
	case mesh.FrameFileBad:
		return m.handleFileBad(frame)
	default:
		return fmt.Errorf("transfer: unhandled frame type %q", frame.Type)
	}
}

// handleDirManifest logs the incoming batch; each child file still
// arrives as its own self-contained file_offer with RootName already
// folded into its Filename (see sendDirectory), so the manifest itself
// only needs to announce the batch, not gate admission to it.
func (m *Manager) handleDirManifest(frame *mesh.Frame) error {
	var p mesh.DirManifestPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return fmt.Errorf("transfer: decode dir_manifest: %w", err)
	}
	m.logger.Info("incoming directory transfer", "transfer", p.TransferID, "root", p.RootName, "entries", len(p.Entries))
	return nil
}

func (m *Manager) handleFileOffer(peerHash types.PeerHash, frame *mesh.Frame) error {
	var p mesh.FileOfferPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return fmt.Errorf("transfer: decode file_offer: %w", err)
	}

	if m.callbacks == nil || !m.callbacks.OnOffer(peerHash, p.TransferID, p.Filename, p.TotalBytes) {
		reject := marshalOrPanic(mesh.FileRejectPayload{TransferID: p.TransferID, Reason: "declined"})
		return m.sender.SendFileFrame(peerHash, &mesh.Frame{Type: mesh.FrameFileReject, ID: uuid.NewString(), Payload: reject})
	}

	destPath, err := m.destPathFor(p.Filename)
	if err != nil {
		reject := marshalOrPanic(mesh.FileRejectPayload{TransferID: p.TransferID, Reason: err.Error()})
		_ = m.sender.SendFileFrame(peerHash, &mesh.Frame{Type: mesh.FrameFileReject, ID: uuid.NewString(), Payload: reject})
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("transfer: create destination dir: %w", err)
	}
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("transfer: create %s: %w", destPath, err)
	}
	f.Close()

	t := newTransfer()
	t.ID = p.TransferID
	t.DirTransferID = p.DirTransferID
	t.PeerHash = peerHash
	t.Direction = DirectionReceiving
	t.Filename = p.Filename
	t.TotalBytes = p.TotalBytes
	t.ChunkSize = p.ChunkSize
	t.FileHash = p.FileHash
	t.Status = StatusInProgress
	t.destPath = destPath
	m.register(t)
	m.persist(t)

	accept := marshalOrPanic(mesh.FileAcceptPayload{TransferID: p.TransferID})
	return m.sender.SendFileFrame(peerHash, &mesh.Frame{Type: mesh.FrameFileAccept, ID: uuid.NewString(), Payload: accept})
}

// destPathFor joins fileDir with name, rejecting any path that escapes
// fileDir (a malicious peer could otherwise offer "../../etc/passwd").
func (m *Manager) destPathFor(name string) (string, error) {
	joined := filepath.Join(m.fileDir, filepath.FromSlash(name))
	if !strings.HasPrefix(joined, filepath.Clean(m.fileDir)+string(os.PathSeparator)) && joined != filepath.Clean(m.fileDir) {
		return "", fmt.Errorf("transfer: rejected path outside file_dir: %q", name)
	}
	return joined, nil
}

func (m *Manager) handleFileAccept(frame *mesh.Frame) error {
	var p mesh.FileAcceptPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return fmt.Errorf("transfer: decode file_accept: %w", err)
	}
	t, ok := m.lookup(p.TransferID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, p.TransferID)
	}
	t.setStatus(StatusInProgress)
	m.persist(t)
	go m.sendChunks(t)
	return nil
}

func (m *Manager) handleFileReject(frame *mesh.Frame) error {
	var p mesh.FileRejectPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return fmt.Errorf("transfer: decode file_reject: %w", err)
	}
	t, ok := m.lookup(p.TransferID)
	if !ok {
		return nil
	}
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	t.cond.Broadcast()
	err := fmt.Errorf("transfer: rejected by peer: %s", p.Reason)
	t.fail(err)
	m.persist(t)
	m.notifyComplete(t, err)
	return nil
}

func (m *Manager) handleFileChunk(frame *mesh.Frame, raw []byte) error {
	var p mesh.FileChunkPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return fmt.Errorf("transfer: decode file_chunk header: %w", err)
	}
	t, ok := m.lookup(p.TransferID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, p.TransferID)
	}

	t.mu.Lock()
	if p.ChunkIndex != t.NextExpectedIndex {
		t.mu.Unlock()
		return fmt.Errorf("transfer: chunk out of order for %s: want %d, got %d", p.TransferID, t.NextExpectedIndex, p.ChunkIndex)
	}
	destPath := t.destPath
	offset := int64(p.ChunkIndex) * int64(t.ChunkSize)
	t.mu.Unlock()

	f, err := os.OpenFile(destPath, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("transfer: reopen %s: %w", destPath, err)
	}
	_, err = f.WriteAt(raw, offset)
	closeErr := f.Close()
	if err != nil {
		return fmt.Errorf("transfer: write chunk %d: %w", p.ChunkIndex, err)
	}
	if closeErr != nil {
		return fmt.Errorf("transfer: close after chunk %d: %w", p.ChunkIndex, closeErr)
	}

	t.mu.Lock()
	t.ChunksDone++
	t.NextExpectedIndex++
	next := t.NextExpectedIndex
	done := t.ChunksDone
	t.mu.Unlock()

	if m.callbacks != nil {
		m.callbacks.OnProgress(p.TransferID, done, t.totalChunks())
	}

	if done%AckEvery == 0 {
		m.persist(t)
		ack := marshalOrPanic(mesh.FileAckPayload{TransferID: p.TransferID, NextExpectedIndex: next})
		if err := m.sender.SendFileFrame(t.PeerHash, &mesh.Frame{Type: mesh.FrameFileAck, ID: uuid.NewString(), Payload: ack}); err != nil {
			return fmt.Errorf("transfer: send file_ack: %w", err)
		}
	}
	return nil
}

func (m *Manager) handleFileAck(frame *mesh.Frame) error {
	var p mesh.FileAckPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return fmt.Errorf("transfer: decode file_ack: %w", err)
	}
	t, ok := m.lookup(p.TransferID)
	if !ok {
		return nil
	}
	t.mu.Lock()
	t.NextExpectedIndex = p.NextExpectedIndex
	t.unacked = t.ChunksDone - t.NextExpectedIndex
	if t.unacked < 0 {
		t.unacked = 0
	}
	t.mu.Unlock()
	t.cond.Broadcast()
	m.persist(t)
	return nil
}

func (m *Manager) handleFileDone(frame *mesh.Frame) error {
	var p mesh.FileDonePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return fmt.Errorf("transfer: decode file_done: %w", err)
	}
	t, ok := m.lookup(p.TransferID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, p.TransferID)
	}

	t.mu.Lock()
	destPath := t.destPath
	t.mu.Unlock()

	actualHash, err := hashFileForVerify(destPath)
	if err != nil {
		return fmt.Errorf("transfer: verify %s: %w", destPath, err)
	}

	if actualHash == p.FileHash {
		t.setStatus(StatusCompleted)
		okPayload := marshalOrPanic(mesh.FileOkPayload{TransferID: p.TransferID})
		m.notifyComplete(t, nil)
		m.forget(p.TransferID)
		return m.sender.SendFileFrame(t.PeerHash, &mesh.Frame{Type: mesh.FrameFileOk, ID: uuid.NewString(), Payload: okPayload})
	}

	mismatchErr := fmt.Errorf("transfer: hash mismatch for %s", p.TransferID)
	t.fail(mismatchErr)
	if !m.KeepPartialOnFailure {
		_ = os.Remove(destPath)
	}
	m.notifyComplete(t, mismatchErr)
	m.forget(p.TransferID)
	bad := marshalOrPanic(mesh.FileBadPayload{TransferID: p.TransferID, Reason: "hash mismatch"})
	return m.sender.SendFileFrame(t.PeerHash, &mesh.Frame{Type: mesh.FrameFileBad, ID: uuid.NewString(), Payload: bad})
}

func hashFileForVerify(path string) (string, error) {
	h, _, err := hashFile(path)
	return h, err
}

func (m *Manager) handleFileOk(frame *mesh.Frame) error {
	var p mesh.FileOkPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return fmt.Errorf("transfer: decode file_ok: %w", err)
	}
	t, ok := m.lookup(p.TransferID)
	if !ok {
		return nil
	}
	t.setStatus(StatusCompleted)
	m.notifyComplete(t, nil)
	m.forget(p.TransferID)
	return nil
}

func (m *Manager) handleFileBad(frame *mesh.Frame) error {
	var p mesh.FileBadPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return fmt.Errorf("transfer: decode file_bad: %w", err)
	}
	t, ok := m.lookup(p.TransferID)
	if !ok {
		return nil
	}
	err := fmt.Errorf("transfer: receiver reported bad hash: %s", p.Reason)
	t.fail(err)
	m.notifyComplete(t, err)
	m.forget(p.TransferID)
	return nil
}
