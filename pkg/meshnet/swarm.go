package meshnet

import (
	"context"
	"sync"
)

// The running node is published through a process-wide cell so control
// paths (RPC handlers, the seeder) can reach it without threading a
// handle through every call site. The lock is held only for the
// duration of a single read or mutation, never across I/O.
var (
	swarmMu sync.Mutex
	swarm   *Node
)

// InitSwarm publishes the running node. The process expects a single
// live instance; a previously published node is replaced, then closed.
func InitSwarm(n *Node) {
	swarmMu.Lock()
	prev := swarm
	swarm = n
	swarmMu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// ResetSwarm clears the cell and tears the node down. The event loop
// exits on its next iteration.
func ResetSwarm() {
	swarmMu.Lock()
	prev := swarm
	swarm = nil
	swarmMu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// GetConnectionCount reports the live connection count, zero when no
// node is running.
func GetConnectionCount() int {
	swarmMu.Lock()
	defer swarmMu.Unlock()
	if swarm == nil {
		return 0
	}
	return swarm.ConnectionCount()
}

// SetSeedList feeds bootstrap peers to the running node. Non-onion
// entries are skipped.
func SetSeedList(seeds []string) {
	swarmMu.Lock()
	n := swarm
	swarmMu.Unlock()
	if n == nil {
		return
	}
	n.SetSeedList(seeds)
}

// AddNewPeer records a newly discovered peer as a dial candidate.
func AddNewPeer(addr string) error {
	swarmMu.Lock()
	n := swarm
	swarmMu.Unlock()
	if n == nil {
		return ErrSwarmNotRunning
	}
	return n.AddPeer(addr)
}

// PublishMessage broadcasts a pre-built integrity message on an
// application topic of the running node.
func PublishMessage(ctx context.Context, topic string, data []byte) error {
	swarmMu.Lock()
	n := swarm
	swarmMu.Unlock()
	if n == nil {
		return ErrSwarmNotRunning
	}
	return n.Publish(ctx, topic, data)
}
