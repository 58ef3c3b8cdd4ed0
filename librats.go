// Package librats is the library's single entry point (spec.md §6): it
// assembles the DHT node, mesh engine, auto-discovery loop and
// file-transfer manager behind the Library API spec.md §6 describes
// (start/stop/connect/send/broadcast/find_peers/announce/send_file/
// pause/resume/cancel), so a caller never has to reach into
// internal/dht, internal/mesh, internal/discovery or internal/transfer
// directly. cmd/librats is one such caller.
package librats

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/DEgITx/librats/internal/config"
	"github.com/DEgITx/librats/internal/dht"
	"github.com/DEgITx/librats/internal/discovery"
	"github.com/DEgITx/librats/internal/log"
	"github.com/DEgITx/librats/internal/mesh"
	"github.com/DEgITx/librats/internal/netaddr"
	"github.com/DEgITx/librats/internal/noise"
	"github.com/DEgITx/librats/internal/transfer"
	"github.com/DEgITx/librats/pkg/types"
)

// DefaultBootstrapNodes mirrors the public BEP-5 DHT routers spec.md §4.3
// refers to as "a static list of public bootstrap nodes".
func DefaultBootstrapNodes() []string {
	return []string{
		"router.bittorrent.com:6881",
		"router.utorrent.com:6881",
		"dht.transmissionbt.com:6881",
	}
}

// Identity is a node's persistent NodeId/static-Noise-key pair, held by
// the Node instance that uses it rather than by package-level globals
// (SPEC_FULL.md §11).
type Identity struct {
	NodeID types.NodeID
	Noise  noise.StaticKeypair
}

// Options configures a Node before Start.
type Options struct {
	// ConfigPath is where the persisted identity/bootstrap config lives.
	// Defaults to "librats.json" in the working directory.
	ConfigPath string
	// ListenPort seeds a freshly generated config; ignored once a config
	// file already exists at ConfigPath.
	ListenPort uint16
	// FileDir is where received files (and the transfer resume database)
	// are written. Defaults to "librats_files".
	FileDir string
	// ExtraBootstrap supplements the config's persisted bootstrap list.
	ExtraBootstrap []types.Endpoint
	Discovery      discovery.Config
}

func (o Options) withDefaults() Options {
	if o.ConfigPath == "" {
		o.ConfigPath = "librats.json"
	}
	if o.ListenPort == 0 {
		o.ListenPort = 42070
	}
	if o.FileDir == "" {
		o.FileDir = "librats_files"
	}
	return o
}

// Node is a running librats peer: spec.md §6's Library API.
type Node struct {
	opts     Options
	cfg      *config.Config
	identity Identity

	dhtNode  *dht.Node
	dhtConn  net.PacketConn
	mesh     *mesh.Engine
	loop     *discovery.Loop
	transfer *transfer.Manager
	store    *transfer.Store
	addrs    *netaddr.Provider
	logger   *log.Logger

	mu           sync.RWMutex
	onConnect    func(types.PeerHash)
	onMessage    func(types.PeerHash, []byte)
	onString     func(types.PeerHash, string)
	onDisconnect func(types.PeerHash, string)
	onOffer      func(peerHash types.PeerHash, transferID, filename string, totalBytes int64) bool
	onProgress   func(transferID string, chunksDone, totalChunks int)
	onComplete   func(transferID string, err error)

	stopOnce sync.Once
}

var (
	_ mesh.Callbacks     = (*Node)(nil)
	_ transfer.Callbacks = (*Node)(nil)
)

// New loads or generates opts.ConfigPath and builds a Node ready to
// Start. It does not bind any sockets yet.
func New(opts Options) (*Node, error) {
	opts = opts.withDefaults()

	cfg, err := config.LoadOrGenerate(opts.ConfigPath, opts.ListenPort)
	if err != nil {
		return nil, fmt.Errorf("librats: load config: %w", err)
	}
	nodeID, err := cfg.NodeID()
	if err != nil {
		return nil, fmt.Errorf("librats: decode node id: %w", err)
	}
	keypair, err := cfg.NoiseKeypair()
	if err != nil {
		return nil, fmt.Errorf("librats: decode noise keypair: %w", err)
	}
	if cfg.FileDir == "" {
		cfg.FileDir = opts.FileDir
	}

	return &Node{
		opts:     opts,
		cfg:      cfg,
		identity: Identity{NodeID: nodeID, Noise: keypair},
		mesh:     mesh.New(keypair),
		addrs:    netaddr.New(nil),
		logger:   log.Named("librats"),
	}, nil
}

// ID returns this node's NodeId.
func (n *Node) ID() types.NodeID { return n.identity.NodeID }

// PeerHash returns this node's mesh PeerHash.
func (n *Node) PeerHash() types.PeerHash { return n.mesh.PeerHash() }

// Start binds the DHT's UDP socket and the mesh engine's TCP listener on
// cfg.ListenPort, opens the transfer resume database, bootstraps the DHT,
// and launches the auto-discovery loop (spec.md §6's start()). Startup
// errors (port in use, cannot bind, cannot open the store) are fatal and
// returned here, per spec.md §7.
func (n *Node) Start(ctx context.Context) error {
	if err := os.MkdirAll(n.cfg.FileDir, 0o755); err != nil {
		return fmt.Errorf("librats: create file dir: %w", err)
	}

	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", n.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("librats: bind dht udp port %d: %w", n.cfg.ListenPort, err)
	}
	n.dhtConn = conn
	n.dhtNode = dht.New(n.identity.NodeID, conn)

	if err := n.mesh.Start(fmt.Sprintf(":%d", n.cfg.ListenPort)); err != nil {
		_ = n.dhtNode.Close()
		return fmt.Errorf("librats: start mesh engine: %w", err)
	}
	n.mesh.SetCallbacks(n)

	store, err := transfer.OpenStore(filepath.Join(n.cfg.FileDir, ".transfers.db"))
	if err != nil {
		_ = n.mesh.Stop()
		_ = n.dhtNode.Close()
		return fmt.Errorf("librats: open transfer store: %w", err)
	}
	n.store = store
	n.transfer = transfer.New(n.mesh, store, n.cfg.FileDir, n)
	n.mesh.SetFileDispatcher(n.transfer)
	if err := n.transfer.LoadResumable(); err != nil {
		n.logger.Warn("failed to reload resumable transfers", "err", err)
	}

	bootstrap := append([]types.Endpoint{}, n.opts.ExtraBootstrap...)
	for _, s := range n.bootstrapStrings() {
		ep, err := parseEndpoint(s)
		if err != nil {
			n.logger.Warn("skipping unresolvable bootstrap node", "node", s, "err", err)
			continue
		}
		bootstrap = append(bootstrap, ep)
	}
	if len(bootstrap) > 0 {
		bootstrapCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := n.dhtNode.Bootstrap(bootstrapCtx, bootstrap)
		cancel()
		if err != nil {
			n.logger.Warn("dht bootstrap failed", "err", err)
		}
	}

	n.loop = discovery.New(n.dhtNode, n.mesh, n.cfg.ListenPort, n.opts.Discovery)
	n.loop.Start()

	n.logger.Info("node started", "node_id", n.identity.NodeID, "port", n.cfg.ListenPort)
	return nil
}

func (n *Node) bootstrapStrings() []string {
	if len(n.cfg.BootstrapNodes) > 0 {
		return n.cfg.BootstrapNodes
	}
	return DefaultBootstrapNodes()
}

func parseEndpoint(s string) (types.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return types.Endpoint{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return types.Endpoint{}, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return types.Endpoint{}, err
	}
	return types.Endpoint{IP: ips[0], Port: uint16(port)}, nil
}

// Stop signals every subsystem to shut down: the discovery loop's
// tickers, every non-terminal transfer (marked failed with reason
// "shutdown", spec.md §5), the mesh engine's sessions and listener, and
// the DHT's socket. It also persists the config so identity survives the
// next start.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		if n.loop != nil {
			n.loop.Stop()
		}
		if n.transfer != nil {
			n.transfer.Shutdown()
		}
		if n.mesh != nil {
			if e := n.mesh.Stop(); e != nil {
				err = e
			}
		}
		if n.dhtNode != nil {
			if e := n.dhtNode.Close(); e != nil && err == nil {
				err = e
			}
		}
		if n.store != nil {
			_ = n.store.Close()
		}
		if saveErr := config.Save(n.opts.ConfigPath, n.cfg); saveErr != nil && err == nil {
			err = saveErr
		}
	})
	return err
}

// Connect dials host:port and drives the Noise handshake as initiator
// (spec.md §6's connect()).
func (n *Node) Connect(ctx context.Context, host string, port uint16) (types.PeerHash, error) {
	return n.mesh.Connect(ctx, host, port)
}

// Send delivers data to a single connected peer (spec.md §6's send()).
func (n *Node) Send(peerHash types.PeerHash, data []byte) error {
	return n.mesh.Send(peerHash, data)
}

// SendString delivers a UTF-8 string to a single connected peer, the
// send_string counterpart to Send's raw-bytes send().
func (n *Node) SendString(peerHash types.PeerHash, text string) error {
	return n.mesh.SendString(peerHash, text)
}

// Broadcast delivers data to every connected peer (spec.md §6's
// broadcast()).
func (n *Node) Broadcast(data []byte) map[types.PeerHash]error {
	return n.mesh.Broadcast(data)
}

// FindPeers looks up infoHash in the DHT and invokes cb once per
// discovered endpoint (spec.md §6's find_peers(infohash, cb)).
func (n *Node) FindPeers(ctx context.Context, infoHash types.InfoHash, cb func(types.Endpoint)) error {
	peers, _, err := n.dhtNode.GetPeers(ctx, infoHash)
	if err != nil {
		return fmt.Errorf("librats: find_peers: %w", err)
	}
	for _, ep := range peers {
		cb(ep)
	}
	return nil
}

// Announce advertises this node at port under infoHash (spec.md §6's
// announce()).
func (n *Node) Announce(ctx context.Context, infoHash types.InfoHash, port uint16) error {
	return n.dhtNode.AnnouncePeer(ctx, infoHash, port)
}

// SendFile offers path to peerHash and returns the new transfer's id
// (spec.md §6's send_file()).
func (n *Node) SendFile(peerHash types.PeerHash, path string) (string, error) {
	return n.transfer.SendFile(peerHash, path)
}

// PauseTransfer, ResumeTransfer and CancelTransfer implement spec.md §6's
// pause|resume|cancel(transfer_id).
func (n *Node) PauseTransfer(transferID string) error  { return n.transfer.Pause(transferID) }
func (n *Node) ResumeTransfer(transferID string) error { return n.transfer.Resume(transferID) }
func (n *Node) CancelTransfer(transferID string) error { return n.transfer.Cancel(transferID) }

// Transfers lists every transfer the file-transfer manager currently
// knows about, used by the cmd/librats transfer_list command.
func (n *Node) Transfers() []transfer.Snapshot { return n.transfer.List() }

// PeerCount reports how many sessions the mesh engine currently holds.
func (n *Node) PeerCount() int { return n.mesh.Registry().Size() }

// ExternalAddr queries the STUN address-provider for this node's
// externally-reachable endpoint, used by callers that want to advertise
// something better than a LAN address to the DHT.
func (n *Node) ExternalAddr(ctx context.Context) (types.Endpoint, error) {
	return n.addrs.ExternalAddr(ctx)
}

// ---- callback registration (spec.md §6's "Library API (callback shape)") ----

func (n *Node) SetOnConnect(fn func(types.PeerHash)) {
	n.mu.Lock()
	n.onConnect = fn
	n.mu.Unlock()
}

func (n *Node) SetOnMessage(fn func(types.PeerHash, []byte)) {
	n.mu.Lock()
	n.onMessage = fn
	n.mu.Unlock()
}

func (n *Node) SetOnString(fn func(types.PeerHash, string)) {
	n.mu.Lock()
	n.onString = fn
	n.mu.Unlock()
}

func (n *Node) SetOnDisconnect(fn func(types.PeerHash, string)) {
	n.mu.Lock()
	n.onDisconnect = fn
	n.mu.Unlock()
}

// SetOnOffer registers the required accept/reject policy hook for
// incoming file offers (SPEC_FULL.md §11: "on_offer is a required policy
// hook, no auto-accept default" — leaving it unset rejects every offer).
func (n *Node) SetOnOffer(fn func(peerHash types.PeerHash, transferID, filename string, totalBytes int64) bool) {
	n.mu.Lock()
	n.onOffer = fn
	n.mu.Unlock()
}

func (n *Node) SetOnProgress(fn func(transferID string, chunksDone, totalChunks int)) {
	n.mu.Lock()
	n.onProgress = fn
	n.mu.Unlock()
}

func (n *Node) SetOnComplete(fn func(transferID string, err error)) {
	n.mu.Lock()
	n.onComplete = fn
	n.mu.Unlock()
}

// ---- mesh.Callbacks ----

func (n *Node) OnConnect(peerHash types.PeerHash) {
	n.mu.RLock()
	fn := n.onConnect
	n.mu.RUnlock()
	if fn != nil {
		fn(peerHash)
	}
}

func (n *Node) OnMessage(peerHash types.PeerHash, payload []byte) {
	n.mu.RLock()
	fn := n.onMessage
	n.mu.RUnlock()
	if fn != nil {
		fn(peerHash, payload)
	}
}

func (n *Node) OnString(peerHash types.PeerHash, text string) {
	n.mu.RLock()
	fn := n.onString
	n.mu.RUnlock()
	if fn != nil {
		fn(peerHash, text)
	}
}

func (n *Node) OnDisconnect(peerHash types.PeerHash, reason string) {
	n.mu.RLock()
	fn := n.onDisconnect
	n.mu.RUnlock()
	if fn != nil {
		fn(peerHash, reason)
	}
}

// ---- transfer.Callbacks ----

func (n *Node) OnOffer(peerHash types.PeerHash, transferID, filename string, totalBytes int64) bool {
	n.mu.RLock()
	fn := n.onOffer
	n.mu.RUnlock()
	if fn == nil {
		return false
	}
	return fn(peerHash, transferID, filename, totalBytes)
}

func (n *Node) OnProgress(transferID string, chunksDone, totalChunks int) {
	n.mu.RLock()
	fn := n.onProgress
	n.mu.RUnlock()
	if fn != nil {
		fn(transferID, chunksDone, totalChunks)
	}
}

func (n *Node) OnComplete(transferID string, err error) {
	n.mu.RLock()
	fn := n.onComplete
	n.mu.RUnlock()
	if fn != nil {
		fn(transferID, err)
	}
}
