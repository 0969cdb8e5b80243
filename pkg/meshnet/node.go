// Package meshnet runs the integrity-fee-gated gossip overlay: a
// libp2p host reachable only through an onion circuit, a gossipsub
// mesh with manual validation, a peer-exchange directory and a dial
// controller keeping the connection count topped up.
package meshnet

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/zeebo/blake3"

	"github.com/shurlinet/onionmesh/internal/aggsig"
	"github.com/shurlinet/onionmesh/internal/chain"
	"github.com/shurlinet/onionmesh/internal/integrity"
	"github.com/shurlinet/onionmesh/internal/peerdir"
)

// HeartbeatInterval is the gossip mesh heartbeat.
const HeartbeatInterval = 5 * time.Second

// maintenanceInterval paces the dial controller and cache sweeps.
const maintenanceInterval = time.Second

// Version is stamped into the build-info metric; overridden at build
// time via -ldflags.
var Version = "dev"

// Config wires a Node. KernelLookup, FeeBase and OnionAddress are
// required; Handlers maps application topic strings to their
// consumers and is immutable after New.
type Config struct {
	// OnionAddress is the node's hidden service hostname.
	OnionAddress string

	// SocksPort is the local SOCKS5 proxy port used for dialing out.
	SocksPort uint16

	// ListenPort is the local TCP port the hidden service forwards to.
	ListenPort uint16

	// FeeBase is the chain's base fee gating integrity proofs.
	FeeBase uint64

	// KernelLookup resolves a commitment to a recent on-chain kernel.
	KernelLookup chain.KernelLookup

	// Handlers receive validated messages per application topic.
	Handlers map[string]TopicHandler

	// Seeds are bootstrap peer addresses; non-onion entries are
	// filtered out.
	Seeds []string

	// Metrics and Audit are optional.
	Metrics *Metrics
	Audit   *AuditLogger
}

// Node is the overlay runtime. One live instance per process; all
// methods are safe for concurrent use.
type Node struct {
	host      host.Host
	ps        *pubsub.PubSub
	driver    *Driver
	dialer    *DialController
	validator *integrity.Validator
	dir       *peerdir.Directory
	metrics   *Metrics
	instance  string

	ctx    context.Context
	cancel context.CancelFunc
}

// New bootstraps the transport stack and the gossip behavior. The
// identity is ephemeral: a fresh key pair per process.
func New(cfg Config) (*Node, error) {
	if cfg.KernelLookup == nil {
		return nil, fmt.Errorf("config: KernelLookup is required")
	}
	if cfg.FeeBase == 0 {
		return nil, fmt.Errorf("config: FeeBase must be positive")
	}

	priv, id, err := NewEphemeralIdentity()
	if err != nil {
		return nil, err
	}

	listenAddr, err := OnionMultiaddr(cfg.OnionAddress)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.NoTransports,
		libp2p.Transport(OnionTransportBuilder(cfg.SocksPort, cfg.OnionAddress, cfg.ListenPort)),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ListenAddrs(listenAddr),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to build the transport stack: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	params := pubsub.DefaultGossipSubParams()
	params.HeartbeatInterval = HeartbeatInterval

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithGossipSubParams(params),
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
		pubsub.WithMessageIdFn(messageID),
		// One validation worker: verdicts are reported in receipt
		// order, keeping the mesh accounting consistent.
		pubsub.WithValidateWorkers(1),
	)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("unable to build the gossip behavior: %w", err)
	}

	validator := integrity.NewValidator(aggsig.Secp{}, cfg.KernelLookup, cfg.FeeBase)
	dir := peerdir.New(h.ID())

	n := &Node{
		host:      h,
		ps:        ps,
		validator: validator,
		dir:       dir,
		metrics:   cfg.Metrics,
		instance:  uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.Metrics != nil {
		cfg.Metrics.BuildInfo.WithLabelValues(Version, goVersion(), n.instance).Set(1)
	}
	n.driver = NewDriver(h, ps, validator, dir, cfg.Handlers, cfg.Metrics, cfg.Audit)
	// The mesh's high watermark doubles as the dial target: once
	// gossipsub would start pruning, there is nothing to gain from
	// dialing further.
	n.dialer = NewDialController(h, dir, params.Dhi, cfg.Metrics, cfg.Audit)

	n.SetSeedList(cfg.Seeds)

	slog.Info("onion overlay node created",
		"peer", id, "addr", listenAddr, "instance", n.instance)
	return n, nil
}

// messageID addresses gossip messages by content so the mesh
// deduplicates identical broadcasts regardless of publisher.
func messageID(m *pb.Message) string {
	sum := blake3.Sum256(m.GetData())
	return string(sum[:])
}

// Run starts the gossip driver and blocks in the maintenance loop
// until ctx is cancelled or the node is closed. Per-message errors
// never propagate out of the loop.
func (n *Node) Run(ctx context.Context) error {
	if err := n.driver.Start(n.ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	lastSweep := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.ctx.Done():
			return nil
		case <-ticker.C:
			n.dialer.Step(n.ctx)
			if time.Since(lastSweep) > integrity.CleanInterval {
				dropped := n.validator.SweepCache()
				slog.Debug("validator cache swept", "dropped", dropped)
				lastSweep = time.Now()
			}
			n.updateGauges()
		}
	}
}

func (n *Node) updateGauges() {
	if n.metrics == nil {
		return
	}
	n.metrics.ConnectedPeers.Set(float64(n.ConnectionCount()))
	n.metrics.DirectoryPeers.Set(float64(n.dir.Len()))
	n.metrics.DirectoryCandidates.Set(float64(n.dir.CandidateCount()))
	n.metrics.HistoryEntries.Set(float64(n.validator.CacheSize()))
}

// Close tears the node down: the maintenance loop and all topic
// consumers exit, then the host's connections are closed.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}

// ID returns the node's ephemeral peer identity.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// ConnectionCount returns the number of live connections.
func (n *Node) ConnectionCount() int {
	return len(n.host.Network().Peers())
}

// AddPeer records a discovered peer as a dial candidate. The address
// must be onion-typed and carry a peer identity.
func (n *Node) AddPeer(addr string) error {
	slog.Info("adding a new peer", "addr", addr)
	c, err := ParsePeerAddr(addr)
	if err != nil {
		return err
	}
	n.dir.AddSeed(c)
	return nil
}

// SetSeedList ingests bootstrap addresses, keeping only onion-typed
// entries. Individual failures are logged and skipped.
func (n *Node) SetSeedList(seeds []string) {
	for _, s := range seeds {
		if err := n.AddPeer(s); err != nil {
			slog.Error("unable to add seed peer", "addr", s, "err", err)
		}
	}
}

// Publish broadcasts a pre-built integrity message on an application
// topic.
func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	return n.driver.Publish(ctx, topic, data)
}

// AdvertisePeers broadcasts the node's connected peers (those with a
// known onion address) on the peer-exchange topic.
func (n *Node) AdvertisePeers(ctx context.Context) error {
	var cands []peerdir.Candidate
	for _, p := range n.host.Network().Peers() {
		for _, addr := range n.host.Peerstore().Addrs(p) {
			if _, err := addr.ValueForProtocol(ma.P_ONION3); err == nil {
				cands = append(cands, peerdir.Candidate{ID: p, Onion: addr.String()})
				break
			}
		}
	}
	return n.driver.AdvertisePeers(ctx, cands)
}

func goVersion() string {
	return runtime.Version()
}
