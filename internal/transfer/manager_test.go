package transfer

import (
	"context"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEgITx/librats/internal/mesh"
	"github.com/DEgITx/librats/internal/noise"
	"github.com/DEgITx/librats/pkg/types"
)

type recordingCallbacks struct {
	mu         sync.Mutex
	offers     []string
	completeCh chan error
	progressCh chan int
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{completeCh: make(chan error, 8), progressCh: make(chan int, 64)}
}

func (c *recordingCallbacks) OnOffer(peerHash types.PeerHash, transferID, filename string, totalBytes int64) bool {
	c.mu.Lock()
	c.offers = append(c.offers, transferID)
	c.mu.Unlock()
	return true
}

func (c *recordingCallbacks) OnProgress(transferID string, chunksDone, totalChunks int) {
	select {
	case c.progressCh <- chunksDone:
	default:
	}
}

func (c *recordingCallbacks) OnComplete(transferID string, err error) {
	c.completeCh <- err
}

func newTestEngine(t *testing.T) *mesh.Engine {
	t.Helper()
	key, err := noise.GenerateStaticKeypair()
	require.NoError(t, err)
	e := mesh.New(key)
	require.NoError(t, e.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func enginePort(t *testing.T, e *mesh.Engine) uint16 {
	t.Helper()
	_, portStr, err := net.SplitHostPort(e.Addr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)
	return uint16(port)
}

// newPair wires two mesh engines together with a Manager on each side,
// returning both managers and the PeerHash each side sees for the other.
func newPair(t *testing.T) (senderMesh, receiverMesh *mesh.Engine, senderMgr, receiverMgr *Manager, senderCB, receiverCB *recordingCallbacks, peerOfReceiver types.PeerHash) {
	t.Helper()
	senderMesh = newTestEngine(t)
	receiverMesh = newTestEngine(t)

	senderDir := t.TempDir()
	receiverDir := t.TempDir()
	senderStore, err := OpenStore(filepath.Join(senderDir, "transfers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = senderStore.Close() })
	receiverStore, err := OpenStore(filepath.Join(receiverDir, "transfers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = receiverStore.Close() })

	senderCB = newRecordingCallbacks()
	receiverCB = newRecordingCallbacks()
	senderMgr = New(senderMesh, senderStore, senderDir, senderCB)
	receiverMgr = New(receiverMesh, receiverStore, receiverDir, receiverCB)
	senderMesh.SetFileDispatcher(senderMgr)
	receiverMesh.SetFileDispatcher(receiverMgr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peerOfReceiver, err = senderMesh.Connect(ctx, "127.0.0.1", enginePort(t, receiverMesh))
	require.NoError(t, err)
	return
}

func TestSendFileEndToEndMatchesHash(t *testing.T) {
	senderMesh, _, senderMgr, receiverMgr, _, receiverCB, peerOfReceiver := newPair(t)
	_ = senderMesh

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "greeting.txt")
	content := make([]byte, 200*1024+37) // several chunks plus a partial one
	_, err := rand.Read(content)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	transferID, err := senderMgr.SendFile(peerOfReceiver, srcPath)
	require.NoError(t, err)

	select {
	case err := <-receiverCB.completeCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for transfer completion")
	}

	gotPath := filepath.Join(receiverMgr.fileDir, "greeting.txt")
	got, err := os.ReadFile(gotPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.NotEmpty(t, transferID)
}

func TestFileOfferRejectedFailsSenderTransfer(t *testing.T) {
	senderMesh, _, senderMgr, receiverMgr, senderCB, _, peerOfReceiver := newPair(t)
	_ = senderMesh
	receiverMgr.callbacks = &rejectingCallbacks{}

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "nope.bin")
	require.NoError(t, os.WriteFile(srcPath, []byte("small file"), 0o644))

	_, err := senderMgr.SendFile(peerOfReceiver, srcPath)
	require.NoError(t, err)

	select {
	case err := <-senderCB.completeCh:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for rejection to surface")
	}
}

type rejectingCallbacks struct{}

func (rejectingCallbacks) OnOffer(types.PeerHash, string, string, int64) bool { return false }
func (rejectingCallbacks) OnProgress(string, int, int)                       {}
func (rejectingCallbacks) OnComplete(string, error)                          {}

func TestPauseStopsSenderAndResumeFinishes(t *testing.T) {
	senderMesh, _, senderMgr, receiverMgr, _, receiverCB, peerOfReceiver := newPair(t)
	_ = senderMesh

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "big.bin")
	content := make([]byte, DefaultChunkSize*10)
	_, err := rand.Read(content)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	transferID, err := senderMgr.SendFile(peerOfReceiver, srcPath)
	require.NoError(t, err)

	// Let a few chunks through, then pause and make sure it actually stalls.
	<-receiverCB.progressCh
	require.NoError(t, senderMgr.Pause(transferID))

	select {
	case <-receiverCB.completeCh:
		t.Fatal("transfer completed despite pause")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, senderMgr.Resume(transferID))

	select {
	case err := <-receiverCB.completeCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for resumed transfer to finish")
	}

	gotPath := filepath.Join(receiverMgr.fileDir, "big.bin")
	got, err := os.ReadFile(gotPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestCancelFromSenderIsIdempotent(t *testing.T) {
	senderMesh, _, senderMgr, _, _, _, peerOfReceiver := newPair(t)
	_ = senderMesh

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "cancel-me.bin")
	require.NoError(t, os.WriteFile(srcPath, make([]byte, DefaultChunkSize*4), 0o644))

	transferID, err := senderMgr.SendFile(peerOfReceiver, srcPath)
	require.NoError(t, err)

	require.NoError(t, senderMgr.Cancel(transferID))
	require.NoError(t, senderMgr.Cancel(transferID))
}

func TestDestPathForRejectsEscapingNames(t *testing.T) {
	mgr := &Manager{fileDir: t.TempDir()}
	_, err := mgr.destPathFor("../../etc/passwd")
	assert.Error(t, err)

	p, err := mgr.destPathFor("subdir/file.txt")
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(mgr.fileDir, "subdir", "file.txt"), p)
}
