package integrity

import (
	"log/slog"
	"time"

	"github.com/shurlinet/onionmesh/internal/aggsig"
	"github.com/shurlinet/onionmesh/internal/chain"
	"github.com/shurlinet/onionmesh/internal/codec"
)

const (
	// HistoryLen is the maximum number of cached receipts per
	// commitment.
	HistoryLen = 10

	// MaxPeriod is the minimum allowed average inter-arrival interval,
	// in seconds, once a commitment's history is full.
	MaxPeriod = 15

	// FeeMinX is the multiplier on the base fee a kernel must have
	// paid for its proof to be accepted.
	FeeMinX = 10

	// CleanInterval is how often the call-history cache is swept.
	CleanInterval = 600 * time.Second
)

// Validator decides whether an inbound message carries an acceptable
// integrity proof. It owns the call-history cache used to throttle
// reuse of a single proof.
type Validator struct {
	verifier aggsig.Verifier
	lookup   chain.KernelLookup
	feeBase  uint64
	cache    *historyCache
	now      func() int64
}

// NewValidator builds a Validator around a crypto verifier and a kernel
// lookup. feeBase is the chain's current base fee.
func NewValidator(verifier aggsig.Verifier, lookup chain.KernelLookup, feeBase uint64) *Validator {
	return &Validator{
		verifier: verifier,
		lookup:   lookup,
		feeBase:  feeBase,
		cache:    newHistoryCache(),
		now:      func() int64 { return time.Now().Unix() },
	}
}

// Validate returns true iff the message from the identified sender
// carries a valid integrity proof and is not flooding. Checks run
// cheapest first so adversarial traffic is bounded by parsing cost;
// the kernel lookup, which may touch disk, runs only after the
// signature has been admitted.
//
// The receipt timestamp is recorded before the flood check fires, so a
// flood-rejected message still counts against the proof's history.
func (v *Validator) Validate(sender []byte, msg []byte) bool {
	r := codec.NewReader(msg)
	if r.Version != MessageVersion {
		slog.Debug("message with invalid version", "version", r.Version)
		return false
	}

	commit, err := chain.CommitmentFromBytes(r.PopVec())
	if err != nil {
		slog.Debug("message commitment is malformed", "err", err)
		return false
	}

	if err := v.verifier.VerifyProof(commit, r.PopVec(), aggsig.MessageHash(sender)); err != nil {
		slog.Debug("integrity proof does not verify", "commit", commit, "err", err)
		return false
	}

	kernel, ok := v.lookup(commit)
	if !ok {
		slog.Debug("integrity kernel not found on chain", "commit", commit)
		return false
	}

	if kernel.Fee() < v.feeBase*FeeMinX {
		slog.Debug("integrity kernel fee below minimum",
			"commit", commit, "fee", kernel.Fee(), "min", v.feeBase*FeeMinX)
		return false
	}

	calls := v.cache.record(commit, v.now())
	if len(calls) == HistoryLen {
		period := (calls[len(calls)-1] - calls[0]) / int64(len(calls)-1)
		if period < MaxPeriod {
			slog.Debug("integrity proof reused too often",
				"commit", commit, "period", period, "limit", MaxPeriod)
			return false
		}
	}

	return true
}

// SweepCache evicts commitments whose last receipt is older than
// HistoryLen*MaxPeriod seconds. It returns the number of evicted
// entries.
func (v *Validator) SweepCache() int {
	return v.cache.sweep(v.now())
}

// CacheSize returns the number of commitments currently tracked.
func (v *Validator) CacheSize() int {
	return v.cache.size()
}

// HistoryLenFor returns the recorded receipt count for a commitment.
func (v *Validator) HistoryLenFor(commit chain.Commitment) int {
	return v.cache.historyLen(commit)
}
