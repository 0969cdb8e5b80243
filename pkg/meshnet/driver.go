package meshnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shurlinet/onionmesh/internal/integrity"
	"github.com/shurlinet/onionmesh/internal/peerdir"
	"github.com/shurlinet/onionmesh/internal/pexwire"
)

// PeerExchangeTopic is the reserved topic on which nodes advertise
// dial candidates to one another. Advertisements are consumed locally
// and never re-propagated.
const PeerExchangeTopic = "onionmesh-peer-exchange/1"

// TopicHandler consumes a validated raw message. The slice is handed
// over to the handler; use integrity.ReadMessage to strip the header.
type TopicHandler func(msg []byte)

// Driver owns the gossip behavior: it registers topics, validates
// every inbound message, feeds verdicts back to the mesh, harvests
// peer-exchange advertisements and routes accepted application
// messages to their handlers.
//
// The driver itself is stateless between events; all state lives in
// the gossip core, the validator cache and the peer directory.
type Driver struct {
	host      host.Host
	ps        *pubsub.PubSub
	validator *integrity.Validator
	dir       *peerdir.Directory
	handlers  map[string]TopicHandler
	topics    map[string]*pubsub.Topic
	pexTopic  *pubsub.Topic
	metrics   *Metrics
	audit     *AuditLogger
}

// NewDriver wires a driver over an existing gossipsub instance. The
// handler table is immutable after this call.
func NewDriver(h host.Host, ps *pubsub.PubSub, validator *integrity.Validator, dir *peerdir.Directory, handlers map[string]TopicHandler, metrics *Metrics, audit *AuditLogger) *Driver {
	return &Driver{
		host:      h,
		ps:        ps,
		validator: validator,
		dir:       dir,
		handlers:  handlers,
		topics:    make(map[string]*pubsub.Topic, len(handlers)),
		metrics:   metrics,
		audit:     audit,
	}
}

// Start registers validators, joins all topics and spawns one consumer
// per application topic. Consumers exit when ctx is cancelled.
func (d *Driver) Start(ctx context.Context) error {
	if err := d.ps.RegisterTopicValidator(PeerExchangeTopic, d.validatePex); err != nil {
		return fmt.Errorf("unable to register peer exchange validator: %w", err)
	}
	pexTopic, err := d.ps.Join(PeerExchangeTopic)
	if err != nil {
		return fmt.Errorf("unable to join peer exchange topic: %w", err)
	}
	d.pexTopic = pexTopic
	// Subscribing keeps us in the topic mesh. Remote advertisements are
	// fully consumed inside the validator and never reach this
	// subscription; our own accepted advertisements are delivered to it
	// and dropped by the consumer's self filter.
	pexSub, err := pexTopic.Subscribe()
	if err != nil {
		return fmt.Errorf("unable to subscribe to peer exchange topic: %w", err)
	}
	go d.consume(ctx, pexSub, nil)

	for name, handler := range d.handlers {
		if name == PeerExchangeTopic {
			return fmt.Errorf("topic %q is reserved", PeerExchangeTopic)
		}
		if err := d.ps.RegisterTopicValidator(name, d.validateApp); err != nil {
			return fmt.Errorf("unable to register validator for topic %q: %w", name, err)
		}
		topic, err := d.ps.Join(name)
		if err != nil {
			return fmt.Errorf("unable to join topic %q: %w", name, err)
		}
		d.topics[name] = topic
		sub, err := topic.Subscribe()
		if err != nil {
			return fmt.Errorf("unable to subscribe to topic %q: %w", name, err)
		}
		go d.consume(ctx, sub, handler)
	}
	return nil
}

// validatePex handles messages on the reserved peer-exchange topic.
// The advertisement is processed right here; the verdict keeps the
// mesh from re-propagating it.
func (d *Driver) validatePex(ctx context.Context, from peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	// Our own advertisements also pass through this validator before
	// they leave the host; anything but Accept would drop them. The
	// subscription consumer filters self-delivery.
	if from == d.host.ID() {
		return pubsub.ValidationAccept
	}

	// Advertisements are only meaningful from peers we hold a live
	// connection to. Anything else is a misbehaving remote.
	if d.host.Network().Connectedness(from) != network.Connected {
		slog.Warn("peer exchange from unconnected peer", "peer", from)
		d.disconnect(from, "pex_unconnected")
		d.countVerdict("reject")
		return pubsub.ValidationReject
	}

	cands, err := pexwire.DecodePeerList(msg.Data)
	if err != nil {
		switch {
		case errors.Is(err, pexwire.ErrTooManyPeers):
			slog.Warn("oversized peer exchange", "peer", from, "err", err)
			d.disconnect(from, "pex_oversized")
			d.audit.MessageRejected(from.String(), PeerExchangeTopic)
			d.countVerdict("reject")
			return pubsub.ValidationReject
		default:
			slog.Debug("undecodable peer exchange", "peer", from, "err", err)
			d.countVerdict("ignore")
			return pubsub.ValidationIgnore
		}
	}

	slog.Info("peer exchange received", "peer", from, "candidates", len(cands))
	d.dir.IngestPEX(from, cands)
	if d.metrics != nil {
		d.metrics.PexReceivedTotal.Inc()
	}
	d.countVerdict("ignore")
	return pubsub.ValidationIgnore
}

// validateApp gates application topics on the integrity proof.
func (d *Driver) validateApp(ctx context.Context, from peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	if !d.validator.Validate([]byte(from), msg.Data) {
		d.audit.MessageRejected(from.String(), msg.GetTopic())
		d.countVerdict("reject")
		return pubsub.ValidationReject
	}
	d.countVerdict("accept")
	return pubsub.ValidationAccept
}

// consume drains a subscription and routes accepted messages to the
// handler. Per-message errors never escape the loop.
func (d *Driver) consume(ctx context.Context, sub *pubsub.Subscription, handler TopicHandler) {
	defer sub.Cancel()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return // ctx cancelled or subscription torn down
		}
		if msg.ReceivedFrom == d.host.ID() {
			continue
		}
		if handler != nil {
			handler(msg.Data)
		}
	}
}

// Publish sends a message on a registered application topic.
func (d *Driver) Publish(ctx context.Context, topic string, data []byte) error {
	t, ok := d.topics[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	return t.Publish(ctx, data)
}

// AdvertisePeers broadcasts dial candidates on the reserved topic.
func (d *Driver) AdvertisePeers(ctx context.Context, cands []peerdir.Candidate) error {
	data, err := pexwire.EncodePeerList(cands)
	if err != nil {
		return err
	}
	return d.pexTopic.Publish(ctx, data)
}

// disconnect forcibly drops all connections to a peer.
func (d *Driver) disconnect(p peer.ID, reason string) {
	if err := d.host.Network().ClosePeer(p); err != nil {
		slog.Debug("failed to close peer", "peer", p, "err", err)
	}
	d.audit.PeerDisconnected(p.String(), reason)
	if d.metrics != nil {
		d.metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
	}
}

func (d *Driver) countVerdict(result string) {
	if d.metrics != nil {
		d.metrics.MessagesValidated.WithLabelValues(result).Inc()
	}
}
