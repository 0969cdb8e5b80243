// Package peerdir keeps the in-memory directory of dial candidates
// learned from peer-exchange messages and seed lists. The directory is
// process-lifetime only; nothing is persisted.
package peerdir

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Candidate is a dialable peer: a libp2p identity bound to the onion
// address it advertises.
type Candidate struct {
	ID    peer.ID
	Onion string // onion multiaddr string, e.g. "/onion3/<base32>:81"
}

type entry struct {
	candidates []Candidate
	updated    int64
}

// Directory maps an advertising peer to the bounded list of candidates
// it vouched for, with last-seen timestamps. Seeds live in a synthetic
// bucket keyed by the local identity.
type Directory struct {
	mu      sync.Mutex
	self    peer.ID
	entries map[peer.ID]*entry
	now     func() int64
}

// New returns an empty directory for a node with the given identity.
func New(self peer.ID) *Directory {
	return &Directory{
		self:    self,
		entries: make(map[peer.ID]*entry),
		now:     func() int64 { return time.Now().Unix() },
	}
}

// AddSeed appends a bootstrap candidate under the local node's own
// bucket. Duplicate identities are suppressed; the bucket's timestamp
// is refreshed either way.
func (d *Directory) AddSeed(c Candidate) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[d.self]
	if !ok {
		e = &entry{}
		d.entries[d.self] = e
	}
	e.updated = d.now()
	for _, have := range e.candidates {
		if have.ID == c.ID {
			return
		}
	}
	e.candidates = append(e.candidates, c)
}

// IngestPEX replaces the entry keyed by the advertising peer with the
// provided candidates and a fresh timestamp. The advertiser itself,
// the local node, and duplicates are filtered out. The caller is
// responsible for the size bound; oversized advertisements must be
// rejected before reaching the directory.
func (d *Directory) IngestPEX(source peer.ID, cands []Candidate) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := make([]Candidate, 0, len(cands))
	seen := make(map[peer.ID]struct{}, len(cands))
	for _, c := range cands {
		if c.ID == source || c.ID == d.self {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		kept = append(kept, c)
	}
	d.entries[source] = &entry{candidates: kept, updated: d.now()}
}

// PopRandomCandidate selects a uniformly random bucket, removes a
// uniformly random candidate from it and returns it. A bucket drained
// to empty is dropped. Returns false when the directory is exhausted.
func (d *Directory) PopRandomCandidate() (Candidate, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(d.entries) > 0 {
		keys := make([]peer.ID, 0, len(d.entries))
		for k := range d.entries {
			keys = append(keys, k)
		}
		key := keys[rand.IntN(len(keys))]
		e := d.entries[key]
		if len(e.candidates) == 0 {
			delete(d.entries, key)
			continue
		}
		i := rand.IntN(len(e.candidates))
		c := e.candidates[i]
		e.candidates[i] = e.candidates[len(e.candidates)-1]
		e.candidates = e.candidates[:len(e.candidates)-1]
		if len(e.candidates) == 0 {
			delete(d.entries, key)
		}
		return c, true
	}
	return Candidate{}, false
}

// Candidates returns a copy of the candidate list advertised by source.
func (d *Directory) Candidates(source peer.ID) []Candidate {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[source]
	if !ok {
		return nil
	}
	out := make([]Candidate, len(e.candidates))
	copy(out, e.candidates)
	return out
}

// Len returns the number of advertising peers tracked.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// CandidateCount returns the total number of candidates across all
// buckets.
func (d *Directory) CandidateCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.entries {
		n += len(e.candidates)
	}
	return n
}
