package dht

import (
	"crypto/rand"

	"github.com/DEgITx/librats/pkg/types"
)

// randomIDWithPrefix returns a random id sharing the first prefixBits bits
// with base, used to target a refresh lookup at a specific bucket's range.
func randomIDWithPrefix(base types.NodeID, prefixBits int) types.NodeID {
	var out types.NodeID
	_, _ = rand.Read(out[:])

	fullBytes := prefixBits / 8
	copy(out[:fullBytes], base[:fullBytes])

	if rem := prefixBits % 8; rem > 0 && fullBytes < types.IDLength {
		mask := byte(0xFF << (8 - rem))
		out[fullBytes] = (base[fullBytes] & mask) | (out[fullBytes] &^ mask)
	}
	return out
}

func randomNodeID() types.NodeID {
	var id types.NodeID
	_, _ = rand.Read(id[:])
	return id
}
