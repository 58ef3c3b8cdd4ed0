package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/DEgITx/librats/pkg/types"
)

func TestPeerStorageAnnounceAndGet(t *testing.T) {
	s := newPeerStorage()
	var ih types.InfoHash
	ih[0] = 1

	ep := types.Endpoint{IP: net.ParseIP("10.0.0.1"), Port: 6881}
	s.Announce(ih, ep)

	peers := s.Get(ih)
	assert.Len(t, peers, 1)
	assert.Equal(t, ep.Port, peers[0].Port)
}

func TestPeerStorageCapsAtMaxPeers(t *testing.T) {
	s := newPeerStorage()
	var ih types.InfoHash

	for i := 0; i < maxPeersPerHash+5; i++ {
		s.Announce(ih, types.Endpoint{IP: net.ParseIP("10.0.0.1"), Port: uint16(1000 + i)})
	}
	assert.Len(t, s.Get(ih), maxPeersPerHash)
}

func TestPeerStorageExpiresStaleEntries(t *testing.T) {
	s := newPeerStorage()
	var ih types.InfoHash
	ep := types.Endpoint{IP: net.ParseIP("10.0.0.2"), Port: 1}

	s.Announce(ih, ep)
	peers, _ := s.cache.Get(ih)
	peers[0].storedAt = time.Now().Add(-peerTTL * 2)
	s.cache.Add(ih, peers)

	assert.Empty(t, s.Get(ih))
}
