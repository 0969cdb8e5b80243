package meshnet

import "errors"

var (
	// ErrSwarmNotRunning is returned by facade calls when no node has
	// been initialized or the node was torn down.
	ErrSwarmNotRunning = errors.New("swarm not running")

	// ErrNotOnionAddress is returned when a peer address does not
	// carry an onion3 component.
	ErrNotOnionAddress = errors.New("peer address is not an onion address")

	// ErrMissingPeerID is returned when a peer address lacks the /p2p/
	// identity component needed to dial it.
	ErrMissingPeerID = errors.New("peer address is missing its peer identity")

	// ErrUnknownTopic is returned when publishing to a topic that was
	// not registered at startup.
	ErrUnknownTopic = errors.New("topic not registered")
)
