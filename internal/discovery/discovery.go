// Package discovery runs librats's auto-discovery loop (spec.md §4.7):
// a periodic announce/search against a well-known rendezvous hash in the
// DHT, auto-connecting to whatever it finds. Grounded on
// dep2p-go-dep2p/internal/discovery/coordinator/{announcer,finder}.go's
// timer-loop shape, with the blacklist/concurrency-cap policy from
// original_source/src/librats.cpp's automatic_discovery_loop.
package discovery

import (
	"context"
	"crypto/sha1"
	"net"
	"sync"
	"time"

	"github.com/DEgITx/librats/internal/dht"
	"github.com/DEgITx/librats/internal/log"
	"github.com/DEgITx/librats/internal/mesh"
	"github.com/DEgITx/librats/pkg/types"
)

// RatsDiscoveryHash is the hard-coded InfoHash the auto-discovery loop
// rendezvouses on (spec.md §4.7), SHA1("rats_peer_discovery_v1") per
// original_source/src/librats.cpp's get_rats_peer_discovery_hash.
var RatsDiscoveryHash = func() types.InfoHash {
	sum := sha1.Sum([]byte("rats_peer_discovery_v1"))
	var out types.InfoHash
	copy(out[:], sum[:])
	return out
}()

// Config tunes the loop's timers, all defaulted to spec.md §4.7's values.
type Config struct {
	AnnounceInterval   time.Duration
	SearchInterval     time.Duration
	ConnectConcurrency int
	BlacklistTTL       time.Duration
	ConnectTimeout     time.Duration
	QueryTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		AnnounceInterval:   10 * time.Minute,
		SearchInterval:     5 * time.Minute,
		ConnectConcurrency: 8,
		BlacklistTTL:       10 * time.Minute,
		ConnectTimeout:     10 * time.Second,
		QueryTimeout:       30 * time.Second,
	}
}

// Loop owns the announce/search tickers and the auto-connect fan-out.
type Loop struct {
	node       *dht.Node
	mesh       *mesh.Engine
	listenPort uint16
	config     Config
	logger     *log.Logger

	sem chan struct{}

	blacklistMu sync.Mutex
	blacklist   map[string]time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Loop. node and meshEngine must already be running; listenPort
// is the port this node's mesh engine accepts inbound connections on, the
// same value announced to the DHT.
func New(node *dht.Node, meshEngine *mesh.Engine, listenPort uint16, config Config) *Loop {
	if config.AnnounceInterval <= 0 {
		config.AnnounceInterval = DefaultConfig().AnnounceInterval
	}
	if config.SearchInterval <= 0 {
		config.SearchInterval = DefaultConfig().SearchInterval
	}
	if config.ConnectConcurrency <= 0 {
		config.ConnectConcurrency = DefaultConfig().ConnectConcurrency
	}
	if config.BlacklistTTL <= 0 {
		config.BlacklistTTL = DefaultConfig().BlacklistTTL
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultConfig().QueryTimeout
	}
	return &Loop{
		node:       node,
		mesh:       meshEngine,
		listenPort: listenPort,
		config:     config,
		logger:     log.Named("discovery"),
		sem:        make(chan struct{}, config.ConnectConcurrency),
		blacklist:  make(map[string]time.Time),
		stop:       make(chan struct{}),
	}
}

// Start launches the announce and search tickers. Each runs once
// immediately rather than waiting a full interval for the first round,
// per original_source/src/librats.cpp's automatic_discovery_loop.
func (l *Loop) Start() {
	l.wg.Add(2)
	go l.runAnnounce()
	go l.runSearch()
}

func (l *Loop) Stop() {
	close(l.stop)
	l.wg.Wait()
}

func (l *Loop) runAnnounce() {
	defer l.wg.Done()
	select {
	case <-l.stop:
		return
	default:
		l.announceOnce()
	}

	ticker := time.NewTicker(l.config.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.announceOnce()
		}
	}
}

func (l *Loop) runSearch() {
	defer l.wg.Done()
	select {
	case <-l.stop:
		return
	default:
		l.searchOnce()
	}

	ticker := time.NewTicker(l.config.SearchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.searchOnce()
		}
	}
}

func (l *Loop) announceOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), l.config.QueryTimeout)
	defer cancel()
	if err := l.node.AnnouncePeer(ctx, RatsDiscoveryHash, l.listenPort); err != nil {
		l.logger.Debug("rats peer announce failed", "err", err)
		return
	}
	l.logger.Debug("announced rats peer", "port", l.listenPort)
}

func (l *Loop) searchOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), l.config.QueryTimeout)
	defer cancel()
	peers, _, err := l.node.GetPeers(ctx, RatsDiscoveryHash)
	if err != nil {
		l.logger.Debug("rats peer search failed", "err", err)
		return
	}
	l.logger.Debug("rats peer search found candidates", "count", len(peers))
	for _, ep := range peers {
		l.maybeConnect(ep)
	}
}

// maybeConnect enqueues an outbound connect to ep unless it's us, we're
// already connected, it's blacklisted, or the concurrency cap is full
// (spec.md §4.7). A cap-full candidate is simply dropped for this round;
// the next search tick will see it again if still relevant.
func (l *Loop) maybeConnect(ep types.Endpoint) {
	if shouldIgnore(ep, l.listenPort) {
		return
	}
	if l.mesh.IsConnected(ep.IP.String(), ep.Port) {
		return
	}
	key := ep.String()
	if l.isBlacklisted(key) {
		return
	}

	select {
	case l.sem <- struct{}{}:
	default:
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { <-l.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), l.config.ConnectTimeout)
		defer cancel()
		if _, err := l.mesh.Connect(ctx, ep.IP.String(), ep.Port); err != nil {
			l.logger.Debug("auto-connect failed", "endpoint", key, "err", err)
			l.blacklistAddr(key)
		} else {
			l.logger.Debug("auto-connected to discovered peer", "endpoint", key)
		}
	}()
}

func (l *Loop) isBlacklisted(key string) bool {
	l.blacklistMu.Lock()
	defer l.blacklistMu.Unlock()
	expiry, ok := l.blacklist[key]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(l.blacklist, key)
		return false
	}
	return true
}

func (l *Loop) blacklistAddr(key string) {
	l.blacklistMu.Lock()
	l.blacklist[key] = time.Now().Add(l.config.BlacklistTTL)
	l.blacklistMu.Unlock()
}

// shouldIgnore reports whether ep is this node's own listen address,
// grounded on original_source/src/librats.cpp's should_ignore_peer: only
// a loopback/any-address endpoint on our own listen port is treated as
// self — the same host on a different port is a legitimate peer (useful
// for same-machine testing).
func shouldIgnore(ep types.Endpoint, listenPort uint16) bool {
	if ep.Port != listenPort {
		return false
	}
	ip := ep.IP.String()
	switch ip {
	case "127.0.0.1", "::1", "0.0.0.0", "::":
		return true
	}
	return ip == "" || net.ParseIP(ip) == nil
}
