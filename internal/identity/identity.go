// Package identity derives a node's NodeId/PeerHash from a per-process
// random seed, as spec.md §3 requires: "a 160-bit identifier derived by
// applying the hash function to a per-process random seed at startup;
// persisted in a configuration file so identity survives restarts."
package identity

import (
	"crypto/rand"
	"crypto/sha1"

	"github.com/DEgITx/librats/pkg/types"
)

// SeedSize is the width of the random seed hashed into a NodeID.
const SeedSize = 32

// GenerateSeed returns a fresh random seed suitable for NodeIDFromSeed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// NodeIDFromSeed hashes seed into a 160-bit NodeID. The hash function
// itself is an external primitive per spec.md §2 — SHA-1 is used here
// purely because it already produces the spec's 160-bit width and is the
// same primitive the DHT's announce_peer tokens rely on, not because the
// core depends on any particular choice.
func NodeIDFromSeed(seed []byte) types.NodeID {
	sum := sha1.Sum(seed)
	return types.NodeID(sum)
}
