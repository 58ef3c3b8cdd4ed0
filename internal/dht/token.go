package dht

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"sync"
	"time"

	"github.com/DEgITx/librats/pkg/types"
)

// tokenRotation is how often the HMAC secret used to mint get_peers tokens
// rotates; tokens minted under the previous secret are still accepted for
// one extra rotation, matching spec.md §4.3's token lifecycle.
const tokenRotation = 5 * time.Minute

// tokenStore mints and validates announce_peer tokens without retaining
// per-querier state: a token is HMAC(secret, ip || infohash), so validity
// is checked by recomputing it rather than looking anything up.
type tokenStore struct {
	mu       sync.Mutex
	secret   [20]byte
	prev     [20]byte
	rotated  time.Time
}

func newTokenStore() *tokenStore {
	ts := &tokenStore{rotated: time.Now()}
	_, _ = rand.Read(ts.secret[:])
	_, _ = rand.Read(ts.prev[:])
	return ts
}

func (ts *tokenStore) maybeRotate() {
	if time.Since(ts.rotated) < tokenRotation {
		return
	}
	ts.prev = ts.secret
	_, _ = rand.Read(ts.secret[:])
	ts.rotated = time.Now()
}

func (ts *tokenStore) mint(ip []byte, ih types.InfoHash) []byte {
	ts.mu.Lock()
	ts.maybeRotate()
	secret := ts.secret
	ts.mu.Unlock()
	return computeToken(secret, ip, ih)
}

// verify accepts a token minted under either the current or the previous
// secret, so a token handed out just before a rotation still works.
func (ts *tokenStore) verify(ip []byte, ih types.InfoHash, token []byte) bool {
	ts.mu.Lock()
	ts.maybeRotate()
	cur, prev := ts.secret, ts.prev
	ts.mu.Unlock()

	return hmac.Equal(token, computeToken(cur, ip, ih)) ||
		hmac.Equal(token, computeToken(prev, ip, ih))
}

func computeToken(secret [20]byte, ip []byte, ih types.InfoHash) []byte {
	mac := hmac.New(sha1.New, secret[:])
	mac.Write(ip)
	mac.Write(ih[:])
	return mac.Sum(nil)
}
