package netaddr

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/DEgITx/librats/pkg/types"
)

func TestProviderUsesDefaultServersWhenNoneGiven(t *testing.T) {
	p := New(nil)
	assert.Equal(t, DefaultServers(), p.servers)
}

func TestProviderCachesAddrWithinTTL(t *testing.T) {
	p := New([]string{"unused:1"})
	p.SetCacheDuration(50 * time.Millisecond)

	want := types.Endpoint{IP: net.ParseIP("203.0.113.9"), Port: 4242}
	p.setCached(want)

	got, ok := p.cached()
	assert.True(t, ok)
	assert.Equal(t, want, got)

	time.Sleep(80 * time.Millisecond)
	_, ok = p.cached()
	assert.False(t, ok, "cache entry should have expired")
}
