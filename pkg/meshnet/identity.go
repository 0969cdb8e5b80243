package meshnet

import (
	"crypto/rand"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// NewEphemeralIdentity generates a fresh ed25519 key pair for this
// process. The overlay is deliberately dynamic: the key is never
// persisted and a node joins with a new peer id on every start.
// Persisting it would make nodes linkable across restarts.
func NewEphemeralIdentity() (crypto.PrivKey, peer.ID, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate keypair: %w", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive peer ID: %w", err)
	}
	return priv, id, nil
}
