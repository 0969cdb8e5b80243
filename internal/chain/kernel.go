// Package chain defines the thin surface through which the overlay
// consults the blockchain: commitments keying the kernel index, and a
// lookup callback supplied by the node. The chain itself lives outside
// this module.
package chain

import (
	"encoding/hex"
	"fmt"
)

// CommitmentSize is the serialized size of a Pedersen commitment.
const CommitmentSize = 33

// FeeValidBlocks is the kernel recency window: a lookup must only
// return kernels whose block height is within this many blocks of the
// current tip.
const FeeValidBlocks = 1440

// Commitment is a 33-byte Pedersen commitment. It doubles as the key
// of the kernel index and, after prefix conversion, as a public key.
type Commitment [CommitmentSize]byte

// CommitmentFromBytes copies b into a Commitment.
func CommitmentFromBytes(b []byte) (Commitment, error) {
	var c Commitment
	if len(b) != CommitmentSize {
		return c, fmt.Errorf("commitment must be %d bytes, got %d", CommitmentSize, len(b))
	}
	copy(c[:], b)
	return c, nil
}

// Bytes returns the commitment as a fresh slice.
func (c Commitment) Bytes() []byte {
	out := make([]byte, CommitmentSize)
	copy(out, c[:])
	return out
}

func (c Commitment) String() string {
	return hex.EncodeToString(c[:])
}

// KernelRecord is a chain record associated with a transaction. The
// overlay only reads its fee.
type KernelRecord interface {
	Fee() uint64
}

// KernelLookup returns the kernel for a commitment iff it is in the
// chain within the last FeeValidBlocks blocks of the tip. Absence
// means the kernel never existed or is no longer recent enough.
type KernelLookup func(Commitment) (KernelRecord, bool)

// FeeKernel is a minimal KernelRecord carrying only a fee. Wallets and
// tests use it; full nodes wrap their own kernel type instead.
type FeeKernel uint64

// Fee returns the kernel's recorded fee.
func (f FeeKernel) Fee() uint64 {
	return uint64(f)
}
