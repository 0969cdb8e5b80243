package integrity

import (
	"sync"

	"github.com/shurlinet/onionmesh/internal/chain"
)

// historyCache tracks receipt timestamps per commitment so repeated use
// of the same integrity proof can be throttled. Timestamps are unix
// seconds, monotonically non-decreasing per entry, at most HistoryLen
// of them.
type historyCache struct {
	mu      sync.Mutex
	entries map[chain.Commitment][]int64
}

func newHistoryCache() *historyCache {
	return &historyCache{entries: make(map[chain.Commitment][]int64)}
}

// record appends now to the commitment's history, trims it to
// HistoryLen from the front, and returns the trimmed history.
func (c *historyCache) record(commit chain.Commitment, now int64) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	calls := append(c.entries[commit], now)
	if n := len(calls) - HistoryLen; n > 0 {
		calls = calls[n:]
	}
	c.entries[commit] = calls
	return calls
}

// sweep removes entries whose most recent timestamp is older than
// HistoryLen*MaxPeriod seconds before now, and returns how many were
// dropped.
func (c *historyCache) sweep(now int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := now - HistoryLen*MaxPeriod
	dropped := 0
	for commit, calls := range c.entries {
		if len(calls) == 0 || calls[len(calls)-1] <= limit {
			delete(c.entries, commit)
			dropped++
		}
	}
	return dropped
}

// size returns the number of tracked commitments.
func (c *historyCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// historyLen returns the recorded history length for a commitment.
func (c *historyCache) historyLen(commit chain.Commitment) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries[commit])
}
