// Package pexwire encodes and decodes the peer-exchange payload
// broadcast on the reserved gossip topic:
//
//	version:u8(=1) | count:u16le | { blob: len_prefixed } x count
//
// where each blob nests the candidate's identity bytes and its onion
// address, both length-prefixed.
package pexwire

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"

	"github.com/shurlinet/onionmesh/internal/codec"
	"github.com/shurlinet/onionmesh/internal/peerdir"
)

// Version is the only accepted peer-exchange payload version.
const Version = 1

// MaxPeers bounds how many candidates a single advertisement may
// carry. Oversized advertisements are treated as hostile.
const MaxPeers = 1000

var (
	// ErrVersion is returned for a payload of a different version.
	ErrVersion = errors.New("unexpected peer exchange version")

	// ErrTooManyPeers is returned when the advertised count exceeds
	// MaxPeers. The caller should disconnect the source.
	ErrTooManyPeers = errors.New("too many peers advertised")
)

// EncodePeerList serializes candidates for broadcast. Lists longer
// than MaxPeers are refused.
func EncodePeerList(cands []peerdir.Candidate) ([]byte, error) {
	if len(cands) > MaxPeers {
		return nil, fmt.Errorf("%w: %d", ErrTooManyPeers, len(cands))
	}
	w := codec.NewWriter(Version)
	w.PushU16(uint16(len(cands)))
	for _, c := range cands {
		blob := codec.NewRawWriter()
		blob.PushVec([]byte(c.ID))
		blob.PushVec([]byte(c.Onion))
		w.PushVec(blob.Bytes())
	}
	return w.Bytes(), nil
}

// DecodePeerList parses an advertisement. A wrong version or an
// oversized count fails the whole payload; a blob that fails
// structural decoding is skipped without failing the rest.
func DecodePeerList(data []byte) ([]peerdir.Candidate, error) {
	r := codec.NewReader(data)
	if r.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, r.Version)
	}
	count := int(r.PopU16())
	if count > MaxPeers {
		return nil, fmt.Errorf("%w: %d", ErrTooManyPeers, count)
	}

	cands := make([]peerdir.Candidate, 0, count)
	for i := 0; i < count; i++ {
		blob := r.PopVec()
		if blob == nil {
			break // truncated payload, keep what decoded so far
		}
		c, err := decodeBlob(blob)
		if err != nil {
			slog.Debug("skipping undecodable peer blob", "index", i, "err", err)
			continue
		}
		cands = append(cands, c)
	}
	return cands, nil
}

func decodeBlob(blob []byte) (peerdir.Candidate, error) {
	r := codec.NewRawReader(blob)
	idBytes := r.PopVec()
	if len(idBytes) == 0 {
		return peerdir.Candidate{}, errors.New("empty identity")
	}
	if _, err := mh.Cast(idBytes); err != nil {
		return peerdir.Candidate{}, fmt.Errorf("identity is not a multihash: %w", err)
	}
	id, err := peer.IDFromBytes(idBytes)
	if err != nil {
		return peerdir.Candidate{}, fmt.Errorf("bad peer id: %w", err)
	}
	addr := r.PopVec()
	if len(addr) == 0 {
		return peerdir.Candidate{}, errors.New("missing onion address")
	}
	return peerdir.Candidate{ID: id, Onion: string(addr)}, nil
}
