package aggsig

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/shurlinet/onionmesh/internal/chain"
)

// signProof produces a compact (R.x, s) signature compatible with
// Secp.VerifyProof: s = k + e*d with e = H(R.x || P || m).
func signProof(t *testing.T, priv *secp256k1.PrivateKey, msg [32]byte) []byte {
	t.Helper()

	var k secp256k1.ModNScalar
	var kb [32]byte
	if _, err := rand.Read(kb[:]); err != nil {
		t.Fatalf("nonce: %v", err)
	}
	k.SetBytes(&kb)

	var r secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&k, &r)
	r.ToAffine()
	var rx [32]byte
	r.X.PutBytes(&rx)

	e := challenge(rx[:], priv.PubKey(), msg)

	s := new(secp256k1.ModNScalar).Set(e)
	s.Mul(&priv.Key)
	s.Add(&k)

	sig := make([]byte, 0, SignatureSize)
	sig = append(sig, rx[:]...)
	sb := s.Bytes()
	sig = append(sig, sb[:]...)
	return sig
}

// commitmentFor re-encodes a public key as the commitment it would have
// been derived from.
func commitmentFor(t *testing.T, pk *secp256k1.PublicKey) chain.Commitment {
	t.Helper()
	raw := pk.SerializeCompressed()
	switch raw[0] {
	case 0x02:
		raw[0] = 0x08
	case 0x03:
		raw[0] = 0x09
	}
	c, err := chain.CommitmentFromBytes(raw)
	if err != nil {
		t.Fatalf("commitment: %v", err)
	}
	return c
}

func TestVerifyProofRoundTrip(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	msg := MessageHash([]byte("some peer identity bytes"))
	sig := signProof(t, priv, msg)
	commit := commitmentFor(t, priv.PubKey())

	if err := (Secp{}).VerifyProof(commit, sig, msg); err != nil {
		t.Fatalf("valid proof rejected: %v", err)
	}
}

func TestVerifyProofWrongMessage(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	sig := signProof(t, priv, MessageHash([]byte("peer A")))
	commit := commitmentFor(t, priv.PubKey())

	err = (Secp{}).VerifyProof(commit, sig, MessageHash([]byte("peer B")))
	if !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("err = %v, want ErrVerifyFailed", err)
	}
}

func TestVerifyProofTamperedSignature(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	msg := MessageHash([]byte("identity"))
	sig := signProof(t, priv, msg)
	sig[40] ^= 0x01

	err = (Secp{}).VerifyProof(commitmentFor(t, priv.PubKey()), sig, msg)
	if !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("err = %v, want ErrVerifyFailed", err)
	}
}

func TestVerifyProofBadSignatureLength(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	msg := MessageHash([]byte("identity"))

	err = (Secp{}).VerifyProof(commitmentFor(t, priv.PubKey()), make([]byte, 63), msg)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestDerivePublicKeyBadPrefix(t *testing.T) {
	var c chain.Commitment
	c[0] = 0x04
	if _, err := DerivePublicKey(c); !errors.Is(err, ErrBadCommitment) {
		t.Fatalf("err = %v, want ErrBadCommitment", err)
	}
}

func TestDerivePublicKeyNotOnCurve(t *testing.T) {
	var c chain.Commitment
	c[0] = 0x08
	for i := 1; i < chain.CommitmentSize; i++ {
		c[i] = 0xff
	}
	if _, err := DerivePublicKey(c); !errors.Is(err, ErrBadCommitment) {
		t.Fatalf("err = %v, want ErrBadCommitment", err)
	}
}

func TestMessageHashBindsIdentity(t *testing.T) {
	a := MessageHash([]byte("peer A"))
	b := MessageHash([]byte("peer B"))
	if a == b {
		t.Fatal("distinct identities hash equal")
	}
}
