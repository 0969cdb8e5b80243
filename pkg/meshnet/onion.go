package meshnet

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/transport"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/net/proxy"

	"github.com/shurlinet/onionmesh/internal/peerdir"
)

// OnionPort is the fixed virtual port of the overlay. The hidden
// service maps it to the node's local listen port.
const OnionPort = 81

// OnionMultiaddr builds the overlay listen address for a hidden
// service hostname, with or without the ".onion" suffix.
func OnionMultiaddr(onion string) (ma.Multiaddr, error) {
	onion = strings.TrimSuffix(onion, ".onion")
	addr, err := ma.NewMultiaddr(fmt.Sprintf("/onion3/%s:%d", onion, OnionPort))
	if err != nil {
		return nil, fmt.Errorf("unable to construct onion multiaddress: %w", err)
	}
	return addr, nil
}

// ParsePeerAddr parses a peer address string into a dial candidate.
// The address must carry an onion3 component and a /p2p/ identity:
// the overlay binds a peer id to the onion address it is reachable at,
// and both travel together in seed lists and peer exchange.
func ParsePeerAddr(s string) (peerdir.Candidate, error) {
	maddr, err := ma.NewMultiaddr(s)
	if err != nil {
		return peerdir.Candidate{}, fmt.Errorf("unable to parse peer address %q: %w", s, err)
	}
	if _, err := maddr.ValueForProtocol(ma.P_ONION3); err != nil {
		return peerdir.Candidate{}, fmt.Errorf("%w: %s", ErrNotOnionAddress, s)
	}
	addr, id := peer.SplitAddr(maddr)
	if id == "" {
		return peerdir.Candidate{}, fmt.Errorf("%w: %s", ErrMissingPeerID, s)
	}
	return peerdir.Candidate{ID: id, Onion: addr.String()}, nil
}

// OnionTransport dials onion3 multiaddrs through a local SOCKS5 proxy
// and listens on the local TCP port the hidden service forwards to.
type OnionTransport struct {
	upgrader   transport.Upgrader
	rcmgr      network.ResourceManager
	socksAddr  string
	listenPort uint16
	localOnion ma.Multiaddr
}

var _ transport.Transport = (*OnionTransport)(nil)

// OnionTransportBuilder returns a transport constructor for
// libp2p.Transport. socksPort is the local SOCKS5 proxy, onionAddr the
// node's own hidden service hostname (without suffix), listenPort the
// local TCP port the hidden service maps OnionPort to.
func OnionTransportBuilder(socksPort uint16, onionAddr string, listenPort uint16) func(transport.Upgrader, network.ResourceManager) (*OnionTransport, error) {
	return func(upgrader transport.Upgrader, rcmgr network.ResourceManager) (*OnionTransport, error) {
		local, err := OnionMultiaddr(onionAddr)
		if err != nil {
			return nil, err
		}
		return &OnionTransport{
			upgrader:   upgrader,
			rcmgr:      rcmgr,
			socksAddr:  fmt.Sprintf("127.0.0.1:%d", socksPort),
			listenPort: listenPort,
			localOnion: local,
		}, nil
	}
}

// Dial connects to an onion3 address through the SOCKS5 proxy and
// upgrades the raw connection (noise, muxing).
func (t *OnionTransport) Dial(ctx context.Context, raddr ma.Multiaddr, p peer.ID) (transport.CapableConn, error) {
	hostPort, err := onionHostPort(raddr)
	if err != nil {
		return nil, err
	}

	connScope, err := t.rcmgr.OpenConnection(network.DirOutbound, true, raddr)
	if err != nil {
		return nil, fmt.Errorf("resource manager blocked outbound connection: %w", err)
	}

	conn, err := t.socksDial(ctx, hostPort)
	if err != nil {
		connScope.Done()
		return nil, fmt.Errorf("socks5 dial to %s failed: %w", hostPort, err)
	}

	capable, err := t.upgrader.Upgrade(ctx, t, &onionConn{
		Conn:   conn,
		local:  t.localOnion,
		remote: raddr,
	}, network.DirOutbound, p, connScope)
	if err != nil {
		connScope.Done()
		return nil, fmt.Errorf("connection upgrade failed: %w", err)
	}
	return capable, nil
}

func (t *OnionTransport) socksDial(ctx context.Context, hostPort string) (net.Conn, error) {
	d, err := proxy.SOCKS5("tcp", t.socksAddr, nil, &net.Dialer{})
	if err != nil {
		return nil, err
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", hostPort)
	}
	return d.Dial("tcp", hostPort)
}

// CanDial reports whether the address carries an onion3 component.
func (t *OnionTransport) CanDial(addr ma.Multiaddr) bool {
	_, err := addr.ValueForProtocol(ma.P_ONION3)
	return err == nil
}

// Listen binds the local TCP port backing the hidden service. The
// returned listener reports the onion address as its multiaddr; the
// anonymizing network handles the mapping from OnionPort to the local
// port.
func (t *OnionTransport) Listen(laddr ma.Multiaddr) (transport.Listener, error) {
	if !t.CanDial(laddr) {
		return nil, fmt.Errorf("%w: %s", ErrNotOnionAddress, laddr)
	}
	l, err := net.Listen("tcp4", fmt.Sprintf("127.0.0.1:%d", t.listenPort))
	if err != nil {
		return nil, fmt.Errorf("unable to bind hidden service port: %w", err)
	}
	return t.upgrader.UpgradeListener(t, &onionListener{
		Listener: l,
		local:    t.localOnion,
	}), nil
}

// Protocols implements transport.Transport.
func (t *OnionTransport) Protocols() []int {
	return []int{ma.P_ONION3}
}

// Proxy implements transport.Transport.
func (t *OnionTransport) Proxy() bool {
	return false
}

func (t *OnionTransport) String() string {
	return "onion3-socks5"
}

// onionHostPort converts an onion3 multiaddr to the host:port string
// the SOCKS5 proxy expects.
func onionHostPort(addr ma.Multiaddr) (string, error) {
	v, err := addr.ValueForProtocol(ma.P_ONION3)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotOnionAddress, addr)
	}
	host, port, ok := strings.Cut(v, ":")
	if !ok {
		return "", fmt.Errorf("onion address %q has no port", v)
	}
	return host + ".onion:" + port, nil
}

// onionConn decorates a raw connection with overlay multiaddrs.
type onionConn struct {
	net.Conn
	local  ma.Multiaddr
	remote ma.Multiaddr
}

var _ manet.Conn = (*onionConn)(nil)

func (c *onionConn) LocalMultiaddr() ma.Multiaddr {
	return c.local
}

func (c *onionConn) RemoteMultiaddr() ma.Multiaddr {
	return c.remote
}

// onionListener adapts the local TCP listener backing the hidden
// service. Inbound connections arrive from the local onion proxy, so
// the remote multiaddr is the proxy's TCP address; the true origin is
// anonymous by construction.
type onionListener struct {
	net.Listener
	local ma.Multiaddr
}

var _ manet.Listener = (*onionListener)(nil)

func (l *onionListener) Accept() (manet.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	remote, err := manet.FromNetAddr(conn.RemoteAddr())
	if err != nil {
		remote = l.local
	}
	return &onionConn{Conn: conn, local: l.local, remote: remote}, nil
}

func (l *onionListener) Multiaddr() ma.Multiaddr {
	return l.local
}
