package meshnet

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shurlinet/onionmesh/internal/aggsig"
	"github.com/shurlinet/onionmesh/internal/chain"
	"github.com/shurlinet/onionmesh/internal/integrity"
	"github.com/shurlinet/onionmesh/internal/peerdir"
	"github.com/shurlinet/onionmesh/internal/pexwire"
)

// okVerifier accepts every proof; rejection paths use failVerifier.
type okVerifier struct{}

func (okVerifier) VerifyProof(chain.Commitment, []byte, [32]byte) error { return nil }

type failVerifier struct{}

func (failVerifier) VerifyProof(chain.Commitment, []byte, [32]byte) error {
	return aggsig.ErrVerifyFailed
}

// newTestHost creates a minimal libp2p host on a random localhost TCP
// port.
func newTestHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.DisableRelay(),
	)
	if err != nil {
		t.Fatalf("failed to create test host: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func newGossip(t *testing.T, ctx context.Context, h host.Host) *pubsub.PubSub {
	t.Helper()
	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithMessageSignaturePolicy(pubsub.StrictSign))
	if err != nil {
		t.Fatalf("failed to create gossipsub: %v", err)
	}
	return ps
}

func connectHosts(t *testing.T, a, b host.Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := b.Connect(ctx, peer.AddrInfo{ID: a.ID(), Addrs: a.Addrs()})
	if err != nil {
		t.Fatalf("failed to connect hosts: %v", err)
	}
}

// newTestDriver wires a driver whose integrity validator uses the
// given crypto verifier and whose kernel lookup returns a kernel paying
// ten times the base fee for every commitment.
func newTestDriver(t *testing.T, ctx context.Context, h host.Host, ps *pubsub.PubSub, verifier aggsig.Verifier, handlers map[string]TopicHandler) (*Driver, *peerdir.Directory) {
	t.Helper()
	lookup := func(chain.Commitment) (chain.KernelRecord, bool) {
		return chain.FeeKernel(10_000_000), true
	}
	validator := integrity.NewValidator(verifier, lookup, 1_000_000)
	dir := peerdir.New(h.ID())
	d := NewDriver(h, ps, validator, dir, handlers, NewMetrics(), nil)
	return d, dir
}

func buildTestMessage(t *testing.T, payload []byte) []byte {
	t.Helper()
	var commit chain.Commitment
	commit[0] = 0x08
	msg, err := integrity.BuildMessage(commit, make([]byte, aggsig.SignatureSize), payload)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return msg
}

func pexMessage(t *testing.T, from peer.ID, data []byte) *pubsub.Message {
	t.Helper()
	topic := PeerExchangeTopic
	return &pubsub.Message{
		Message:      &pb.Message{Data: data, Topic: &topic},
		ReceivedFrom: from,
	}
}

func TestValidatePexIngestsAdvertisement(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestHost(t)
	b := newTestHost(t)
	connectHosts(t, a, b)

	d, dir := newTestDriver(t, ctx, a, nil, okVerifier{}, nil)

	cands := []peerdir.Candidate{
		{ID: b.ID(), Onion: "/onion3/" + testOnionHost + ":81"}, // advertiser, filtered
		{ID: newTestHost(t).ID(), Onion: "/onion3/" + testOnionHost + ":81"},
	}
	data, err := pexwire.EncodePeerList(cands)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if got := d.validatePex(ctx, b.ID(), pexMessage(t, b.ID(), data)); got != pubsub.ValidationIgnore {
		t.Fatalf("verdict = %v, want Ignore", got)
	}
	if got := dir.Candidates(b.ID()); len(got) != 1 {
		t.Fatalf("directory has %d candidates from advertiser, want 1", len(got))
	}
}

func TestValidatePexFromUnconnectedPeerRejectsAndDisconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestHost(t)
	stranger := newTestHost(t) // never connected to a

	d, dir := newTestDriver(t, ctx, a, nil, okVerifier{}, nil)

	data, err := pexwire.EncodePeerList(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := d.validatePex(ctx, stranger.ID(), pexMessage(t, stranger.ID(), data)); got != pubsub.ValidationReject {
		t.Fatalf("verdict = %v, want Reject", got)
	}
	if dir.Len() != 0 {
		t.Fatal("directory mutated by rejected advertisement")
	}
	// The forceful disconnect is issued and counted.
	if got := counterValue(t, d.metrics, "onionmesh_disconnects_total", map[string]string{"reason": "pex_unconnected"}); got != 1 {
		t.Fatalf("pex_unconnected disconnects = %v, want 1", got)
	}
}

func TestValidatePexOversizedRejectsAndDisconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestHost(t)
	b := newTestHost(t)
	connectHosts(t, a, b)

	d, dir := newTestDriver(t, ctx, a, nil, okVerifier{}, nil)

	// Hand-craft an advertisement whose count exceeds the limit.
	data := []byte{pexwire.Version, 0xff, 0xff}
	if got := d.validatePex(ctx, b.ID(), pexMessage(t, b.ID(), data)); got != pubsub.ValidationReject {
		t.Fatalf("verdict = %v, want Reject", got)
	}
	if dir.Len() != 0 {
		t.Fatal("directory mutated by oversized advertisement")
	}
	// The source is forcibly disconnected.
	deadline := time.Now().Add(3 * time.Second)
	for a.Network().Connectedness(b.ID()) == network.Connected {
		if time.Now().After(deadline) {
			t.Fatal("source still connected after oversized advertisement")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestValidateAppVerdicts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestHost(t)
	b := newTestHost(t)

	msg := buildTestMessage(t, []byte{1, 2, 3})
	topic := "txpool"
	pmsg := &pubsub.Message{
		Message:      &pb.Message{Data: msg, Topic: &topic},
		ReceivedFrom: b.ID(),
	}

	accept, _ := newTestDriver(t, ctx, a, nil, okVerifier{}, nil)
	if got := accept.validateApp(ctx, b.ID(), pmsg); got != pubsub.ValidationAccept {
		t.Fatalf("verdict = %v, want Accept", got)
	}

	reject, _ := newTestDriver(t, ctx, a, nil, failVerifier{}, nil)
	if got := reject.validateApp(ctx, b.ID(), pmsg); got != pubsub.ValidationReject {
		t.Fatalf("verdict = %v, want Reject", got)
	}
}

func TestDriverEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestHost(t)
	b := newTestHost(t)

	psA := newGossip(t, ctx, a)
	psB := newGossip(t, ctx, b)

	received := make(chan []byte, 1)
	handlers := map[string]TopicHandler{
		"txpool": func(msg []byte) { received <- msg },
	}
	d, dir := newTestDriver(t, ctx, a, psA, okVerifier{}, handlers)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("driver start: %v", err)
	}

	connectHosts(t, a, b)

	// Application flow: B publishes an integrity message, A's handler
	// receives the validated raw bytes.
	appTopic, err := psB.Join("txpool")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	waitForTopicPeer(t, appTopic, a.ID())

	msg := buildTestMessage(t, []byte{1, 2, 3, 4, 3, 2, 1})
	if err := appTopic.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-received:
		if payload := integrity.ReadMessage(got); string(payload) != string([]byte{1, 2, 3, 4, 3, 2, 1}) {
			t.Fatalf("payload = %v", payload)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("handler never received the message")
	}

	// Peer-exchange flow: B advertises a candidate, A's directory
	// picks it up.
	pexTopic, err := psB.Join(PeerExchangeTopic)
	if err != nil {
		t.Fatalf("join pex: %v", err)
	}
	waitForTopicPeer(t, pexTopic, a.ID())

	cand := peerdir.Candidate{ID: newTestHost(t).ID(), Onion: "/onion3/" + testOnionHost + ":81"}
	data, err := pexwire.EncodePeerList([]peerdir.Candidate{cand})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := pexTopic.Publish(ctx, data); err != nil {
		t.Fatalf("publish pex: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		if got := dir.Candidates(b.ID()); len(got) == 1 && got[0] == cand {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("directory never ingested the advertisement: %v", dir.Candidates(b.ID()))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAdvertisePeersReachesRemoteDirectory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestHost(t)
	b := newTestHost(t)

	psA := newGossip(t, ctx, a)
	psB := newGossip(t, ctx, b)

	dA, _ := newTestDriver(t, ctx, a, psA, okVerifier{}, nil)
	if err := dA.Start(ctx); err != nil {
		t.Fatalf("driver A start: %v", err)
	}
	dB, dirB := newTestDriver(t, ctx, b, psB, okVerifier{}, nil)
	if err := dB.Start(ctx); err != nil {
		t.Fatalf("driver B start: %v", err)
	}

	connectHosts(t, a, b)
	waitForTopicPeer(t, dA.pexTopic, b.ID())

	// A's own advertisement passes A's validator on publish, crosses
	// the mesh, and lands in B's directory keyed by A.
	cand := peerdir.Candidate{ID: newTestHost(t).ID(), Onion: "/onion3/" + testOnionHost + ":81"}
	if err := dA.AdvertisePeers(ctx, []peerdir.Candidate{cand}); err != nil {
		t.Fatalf("advertise: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		if got := dirB.Candidates(a.ID()); len(got) == 1 && got[0] == cand {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("remote directory never ingested the advertisement: %v", dirB.Candidates(a.ID()))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDriverPublishUnknownTopic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestHost(t)
	psA := newGossip(t, ctx, a)
	d, _ := newTestDriver(t, ctx, a, psA, okVerifier{}, nil)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("driver start: %v", err)
	}

	if err := d.Publish(ctx, "nope", []byte("x")); err == nil {
		t.Fatal("expected error for unregistered topic")
	}
}

func waitForTopicPeer(t *testing.T, topic *pubsub.Topic, want peer.ID) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		for _, p := range topic.ListPeers() {
			if p == want {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer %s never joined topic", want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
