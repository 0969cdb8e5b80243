package meshnet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/onionmesh/internal/peerdir"
)

// dialTimeout caps a single connect attempt. The SOCKS5 circuit adds
// several seconds of latency on its own.
const dialTimeout = 60 * time.Second

// DialController tops up the connection count: whenever live
// connections fall below the low watermark it draws a random candidate
// from the directory and dials it.
type DialController struct {
	host     host.Host
	dir      *peerdir.Directory
	lowWater int
	metrics  *Metrics
	audit    *AuditLogger

	mu      sync.Mutex
	dialing map[peer.ID]struct{}
}

// NewDialController builds a controller that keeps at least lowWater
// live connections.
func NewDialController(h host.Host, dir *peerdir.Directory, lowWater int, metrics *Metrics, audit *AuditLogger) *DialController {
	return &DialController{
		host:     h,
		dir:      dir,
		lowWater: lowWater,
		metrics:  metrics,
		audit:    audit,
		dialing:  make(map[peer.ID]struct{}),
	}
}

// Step issues at most one dial when the connection count is below the
// low watermark. Candidates that are the local node, already
// connected, or already being dialed are skipped and the draw repeats;
// unparsable addresses are logged and skipped the same way. The dial
// itself runs asynchronously so the event loop never blocks on the
// circuit network.
func (dc *DialController) Step(ctx context.Context) {
	if len(dc.host.Network().Peers()) >= dc.lowWater {
		return
	}

	for {
		c, ok := dc.dir.PopRandomCandidate()
		if !ok {
			return // directory exhausted, retry next tick
		}
		if c.ID == dc.host.ID() {
			continue
		}
		if dc.host.Network().Connectedness(c.ID) == network.Connected {
			continue
		}
		if !dc.markDialing(c.ID) {
			continue
		}

		maddr, err := ma.NewMultiaddr(c.Onion)
		if err != nil {
			slog.Warn("unable to construct onion multiaddress from peer address, skipping",
				"addr", c.Onion, "err", err)
			dc.unmarkDialing(c.ID)
			continue
		}

		slog.Info("dialing a new peer", "peer", c.ID, "addr", c.Onion)
		go dc.dial(ctx, c.ID, maddr)
		return
	}
}

func (dc *DialController) dial(ctx context.Context, id peer.ID, maddr ma.Multiaddr) {
	defer dc.unmarkDialing(id)

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	err := dc.host.Connect(dctx, peer.AddrInfo{ID: id, Addrs: []ma.Multiaddr{maddr}})
	dc.audit.DialResult(maddr.String(), err)
	if err != nil {
		slog.Warn("unable to dial a new peer", "peer", id, "err", err)
		if dc.metrics != nil {
			dc.metrics.DialsTotal.WithLabelValues("error").Inc()
		}
		return
	}
	if dc.metrics != nil {
		dc.metrics.DialsTotal.WithLabelValues("ok").Inc()
	}
}

// markDialing records an in-flight dial; it returns false when one is
// already running for the peer.
func (dc *DialController) markDialing(id peer.ID) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if _, busy := dc.dialing[id]; busy {
		return false
	}
	dc.dialing[id] = struct{}{}
	return true
}

func (dc *DialController) unmarkDialing(id peer.ID) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	delete(dc.dialing, id)
}
