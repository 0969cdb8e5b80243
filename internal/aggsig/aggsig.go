// Package aggsig verifies the Schnorr aggregate signatures that bind an
// integrity proof to a network identity. A commitment is converted to a
// public key, and the signature must verify over the blake2b hash of
// the sender's identity bytes, with the same public key standing in the
// aggregated nonce position.
package aggsig

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/blake2b"

	"github.com/shurlinet/onionmesh/internal/chain"
)

// SignatureSize is the compact signature encoding: R.x followed by s,
// 32 bytes each.
const SignatureSize = 64

var (
	// ErrBadCommitment is returned when a commitment cannot be
	// converted to a public key.
	ErrBadCommitment = errors.New("commitment does not derive to a public key")

	// ErrBadSignature is returned when a signature fails structural
	// decoding.
	ErrBadSignature = errors.New("malformed compact signature")

	// ErrVerifyFailed is returned when a structurally valid signature
	// does not verify under the derived public key.
	ErrVerifyFailed = errors.New("signature verification failed")
)

// Verifier is the crypto surface the integrity validator consumes.
// Implementations must be safe for concurrent use.
type Verifier interface {
	// VerifyProof checks that sig is a valid aggregate signature over
	// msg under the public key derived from commit.
	VerifyProof(commit chain.Commitment, sig []byte, msg [32]byte) error
}

// MessageHash computes the signed message for an identity: the
// blake2b-256 digest of the raw identity bytes.
func MessageHash(identity []byte) [32]byte {
	return blake2b.Sum256(identity)
}

// Secp verifies proofs with secp256k1 arithmetic. The zero value is
// ready to use.
type Secp struct{}

var _ Verifier = Secp{}

// DerivePublicKey converts a Pedersen commitment to the public key it
// commits to. Commitment prefixes 0x08/0x09 map to the compressed
// point prefixes 0x02/0x03.
func DerivePublicKey(commit chain.Commitment) (*secp256k1.PublicKey, error) {
	var raw [chain.CommitmentSize]byte
	copy(raw[:], commit[:])
	switch raw[0] {
	case 0x08:
		raw[0] = 0x02
	case 0x09:
		raw[0] = 0x03
	default:
		return nil, fmt.Errorf("%w: prefix 0x%02x", ErrBadCommitment, raw[0])
	}
	pk, err := secp256k1.ParsePubKey(raw[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCommitment, err)
	}
	return pk, nil
}

// VerifyProof implements Verifier.
//
// The compact signature carries (R.x, s). The challenge is
// e = H(R.x || P || m) with the public key P in the nonce-sum slot, and
// the check is s*G - e*P == R on the x coordinate.
func (Secp) VerifyProof(commit chain.Commitment, sig []byte, msg [32]byte) error {
	pk, err := DerivePublicKey(commit)
	if err != nil {
		return err
	}
	if len(sig) != SignatureSize {
		return fmt.Errorf("%w: %d bytes", ErrBadSignature, len(sig))
	}

	var rx secp256k1.FieldVal
	if overflow := rx.SetByteSlice(sig[:32]); overflow {
		return fmt.Errorf("%w: R.x not a field element", ErrBadSignature)
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return fmt.Errorf("%w: s not a scalar", ErrBadSignature)
	}

	e := challenge(sig[:32], pk, msg)

	// R' = s*G - e*P
	var p, sG, eP, rPrime secp256k1.JacobianPoint
	pk.AsJacobian(&p)
	secp256k1.ScalarBaseMultNonConst(&s, &sG)
	e.Negate()
	secp256k1.ScalarMultNonConst(e, &p, &eP)
	secp256k1.AddNonConst(&sG, &eP, &rPrime)

	if (rPrime.X.IsZero() && rPrime.Y.IsZero()) || rPrime.Z.IsZero() {
		return ErrVerifyFailed
	}
	rPrime.ToAffine()
	if !rPrime.X.Equals(&rx) {
		return ErrVerifyFailed
	}
	return nil
}

// challenge computes e = H(R.x || P || m) as a scalar mod n.
func challenge(rx []byte, pk *secp256k1.PublicKey, msg [32]byte) *secp256k1.ModNScalar {
	h := sha256.New()
	h.Write(rx)
	h.Write(pk.SerializeCompressed())
	h.Write(msg[:])
	var e secp256k1.ModNScalar
	e.SetByteSlice(h.Sum(nil))
	return &e
}
