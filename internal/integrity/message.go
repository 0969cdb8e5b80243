// Package integrity implements the anti-spam gate of the overlay:
// building, reading and validating messages that carry a proof of a
// paid on-chain fee bound to the sender's network identity.
package integrity

import (
	"fmt"
	"log/slog"

	"github.com/shurlinet/onionmesh/internal/aggsig"
	"github.com/shurlinet/onionmesh/internal/chain"
	"github.com/shurlinet/onionmesh/internal/codec"
)

// MessageVersion is the only accepted integrity message version.
const MessageVersion = 1

// BuildMessage serializes an integrity-gated message: version byte,
// length-prefixed commitment, length-prefixed compact signature,
// length-prefixed payload.
func BuildMessage(commit chain.Commitment, sig []byte, payload []byte) ([]byte, error) {
	if len(sig) != aggsig.SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", aggsig.SignatureSize, len(sig))
	}
	if len(payload) > codec.MaxVecLen {
		return nil, fmt.Errorf("payload exceeds %d bytes", codec.MaxVecLen)
	}
	w := codec.NewWriter(MessageVersion)
	w.PushVec(commit[:])
	w.PushVec(sig)
	w.PushVec(payload)
	return w.Bytes(), nil
}

// ReadMessage strips the integrity header from a message and returns
// the payload. Callers must have validated the message already; an
// unexpected version returns an empty payload.
func ReadMessage(msg []byte) []byte {
	r := codec.NewReader(msg)
	if r.Version != MessageVersion {
		slog.Debug("integrity message with unexpected version", "version", r.Version)
		return nil
	}
	r.SkipVec() // commitment
	r.SkipVec() // signature
	return r.PopVec()
}
