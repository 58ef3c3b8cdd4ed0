// Package netaddr is librats's address-provider collaborator: a minimal
// STUN binding-request client that learns this node's externally-visible
// endpoint. Full STUN/ICE candidate gathering and NAT-type detection are
// out of scope per spec.md §1 ("treated as an address-provider") — only
// the external-address lookup that collaborator needs to expose is
// implemented here, grounded on
// dep2p-go-dep2p/internal/core/nat/stun/stun.go's STUNClient (the sibling
// client.go in the same package hand-rolls the STUN wire format instead
// of using github.com/pion/stun, so it is not the file this is grounded
// on).
package netaddr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun"

	"github.com/DEgITx/librats/pkg/types"
)

var (
	ErrNoServers = errors.New("netaddr: no STUN servers configured")
	ErrTimeout   = errors.New("netaddr: all STUN servers failed")
)

// DefaultServers mirrors the teacher's DefaultServers list.
func DefaultServers() []string {
	return []string{
		"stun.l.google.com:19302",
		"stun1.l.google.com:19302",
		"stun.cloudflare.com:3478",
	}
}

// Provider queries STUN servers for this node's externally-mapped
// address, caching the result for CacheDuration.
type Provider struct {
	servers []string
	timeout time.Duration
	retries int

	mu            sync.RWMutex
	cachedAddr    types.Endpoint
	cachedValid   bool
	cachedTime    time.Time
	cacheDuration time.Duration
}

// New builds a Provider over servers (DefaultServers() if empty).
func New(servers []string) *Provider {
	if len(servers) == 0 {
		servers = DefaultServers()
	}
	return &Provider{
		servers:       servers,
		timeout:       5 * time.Second,
		retries:       3,
		cacheDuration: 5 * time.Minute,
	}
}

// SetCacheDuration overrides the default 5-minute cache TTL.
func (p *Provider) SetCacheDuration(d time.Duration) {
	p.mu.Lock()
	p.cacheDuration = d
	p.mu.Unlock()
}

// ExternalAddr returns this node's externally-mapped endpoint, querying
// each configured server in turn with exponential backoff between
// retries, the same fallback chain as the teacher's GetExternalAddr.
func (p *Provider) ExternalAddr(ctx context.Context) (types.Endpoint, error) {
	if addr, ok := p.cached(); ok {
		return addr, nil
	}
	if len(p.servers) == 0 {
		return types.Endpoint{}, ErrNoServers
	}
	select {
	case <-ctx.Done():
		return types.Endpoint{}, ctx.Err()
	default:
	}

	for _, server := range p.servers {
		for retry := 0; retry < p.retries; retry++ {
			addr, err := p.queryServer(ctx, server)
			if err == nil {
				p.setCached(addr)
				return addr, nil
			}
			select {
			case <-ctx.Done():
				return types.Endpoint{}, ctx.Err()
			case <-time.After(time.Duration(1<<retry) * time.Second):
			}
		}
	}
	return types.Endpoint{}, ErrTimeout
}

func (p *Provider) cached() (types.Endpoint, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cachedValid && time.Since(p.cachedTime) < p.cacheDuration {
		return p.cachedAddr, true
	}
	return types.Endpoint{}, false
}

func (p *Provider) setCached(addr types.Endpoint) {
	p.mu.Lock()
	p.cachedAddr = addr
	p.cachedValid = true
	p.cachedTime = time.Now()
	p.mu.Unlock()
}

func (p *Provider) queryServer(ctx context.Context, server string) (types.Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return types.Endpoint{}, fmt.Errorf("netaddr: resolve %s: %w", server, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return types.Endpoint{}, fmt.Errorf("netaddr: dial %s: %w", server, err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(p.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return types.Endpoint{}, fmt.Errorf("netaddr: build request: %w", err)
	}
	if _, err := msg.WriteTo(conn); err != nil {
		return types.Endpoint{}, fmt.Errorf("netaddr: send request: %w", err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return types.Endpoint{}, fmt.Errorf("netaddr: read response: %w", err)
	}

	res := &stun.Message{Raw: buf[:n]}
	if err := res.Decode(); err != nil {
		return types.Endpoint{}, fmt.Errorf("netaddr: decode response: %w", err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err == nil {
		return types.Endpoint{IP: xorAddr.IP, Port: uint16(xorAddr.Port)}, nil
	}
	var mappedAddr stun.MappedAddress
	if err := mappedAddr.GetFrom(res); err != nil {
		return types.Endpoint{}, fmt.Errorf("netaddr: no mapped address in response: %w", err)
	}
	return types.Endpoint{IP: mappedAddr.IP, Port: uint16(mappedAddr.Port)}, nil
}
