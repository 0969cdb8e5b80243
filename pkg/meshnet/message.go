package meshnet

import (
	"github.com/shurlinet/onionmesh/internal/aggsig"
	"github.com/shurlinet/onionmesh/internal/chain"
	"github.com/shurlinet/onionmesh/internal/integrity"
)

// The chain surface and the integrity helpers are re-exported here so
// wallet-side producers and node-side consumers share one import.
type (
	// Commitment is a 33-byte Pedersen commitment keying the chain's
	// kernel index.
	Commitment = chain.Commitment

	// KernelRecord is a chain record carrying a fee.
	KernelRecord = chain.KernelRecord

	// KernelLookup resolves a commitment to a recent on-chain kernel.
	KernelLookup = chain.KernelLookup

	// FeeKernel is a minimal KernelRecord for wallets and tests.
	FeeKernel = chain.FeeKernel

	// IntegrityValidator validates integrity-gated messages and
	// throttles proof reuse.
	IntegrityValidator = integrity.Validator
)

// CommitmentFromBytes copies a 33-byte slice into a Commitment.
func CommitmentFromBytes(b []byte) (Commitment, error) {
	return chain.CommitmentFromBytes(b)
}

// BuildIntegrityMessage serializes an integrity-gated message from a
// commitment, a compact signature over the sender's identity hash, and
// an opaque payload.
func BuildIntegrityMessage(commit Commitment, sig []byte, payload []byte) ([]byte, error) {
	return integrity.BuildMessage(commit, sig, payload)
}

// ReadIntegrityMessage strips the integrity header from a validated
// message and returns the payload.
func ReadIntegrityMessage(msg []byte) []byte {
	return integrity.ReadMessage(msg)
}

// NewIntegrityValidator builds a standalone validator over the
// production crypto backend. The node wires one internally; this
// constructor serves callers validating messages outside a running
// node.
func NewIntegrityValidator(lookup KernelLookup, feeBase uint64) *IntegrityValidator {
	return integrity.NewValidator(aggsig.Secp{}, lookup, feeBase)
}
