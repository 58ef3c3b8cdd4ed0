// Package noise implements the Noise_XX-over-TCP secure transport used by
// the rats mesh (spec.md §4.4): a DH25519/ChaChaPoly/SHA256 handshake
// producing two CipherStates, framed with a 2-byte length prefix, the same
// shape as dep2p-go-dep2p/internal/core/security/noise.
//
// Unlike the teacher, the static keypair here is a raw X25519 key, not one
// derived from a signed Ed25519 identity: the PeerHash is a hash of the
// remote static key alone (DerivePeerHash; the handshake hash is not part
// of it), and the handshake itself authenticates that key, so a second,
// signature-carrying identity layer inside the Noise payload would be
// redundant. See DESIGN.md for the full rationale.
package noise

import (
	"crypto/rand"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// CipherSuite is the fixed Noise_XX_25519_ChaChaPoly_SHA256 suite spec.md
// §4.4 mandates.
var CipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// StaticKeypair is a node's persistent X25519 identity key for the Noise
// transport (spec.md §4.4: "each side's static key is persisted between
// runs, same lifecycle as NodeId").
type StaticKeypair struct {
	Private []byte
	Public  []byte
}

// GenerateStaticKeypair creates a fresh X25519 keypair. The scalar
// multiplication goes through golang.org/x/crypto/curve25519 directly
// rather than noise.CipherSuite.GenerateKeypair, so the static identity
// key a node persists across restarts is produced by the same primitive
// the rest of the ecosystem uses for X25519, not flynn/noise's internal
// copy of it.
func GenerateStaticKeypair() (StaticKeypair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return StaticKeypair{}, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return StaticKeypair{}, err
	}
	return StaticKeypair{Private: priv, Public: pub}, nil
}

func (k StaticKeypair) toNoise() noise.DHKey {
	return noise.DHKey{Private: k.Private, Public: k.Public}
}
