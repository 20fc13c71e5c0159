/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package node is the PeerTalk engine: peer discovery over UDP broadcast,
reliable TCP sessions with an unreliable UDP side channel, per-peer
priority send queues and a poll-driven drain loop.

A Node is embedder-driven: all state advances inside Poll, which never
blocks. The send API and the queue ISR path are the only entry points
safe to call concurrently with Poll; everything else belongs to the
poll thread. Callbacks are invoked only from within Poll.
*/
package node

import (
	"net"
	"time"

	"github.com/peertalk/peertalk/logging"
	"github.com/peertalk/peertalk/peer"
	"github.com/peertalk/peertalk/protocol"
	"github.com/peertalk/peertalk/queue"
	"github.com/peertalk/peertalk/stats"
	"github.com/peertalk/peertalk/transport"
)

const nodeMagic uint32 = 0x50544c4b // 'PTLK'

// Callbacks deliver engine events to the embedder. All fields are
// optional; all are invoked only from Poll. Payload slices passed to
// OnMessageReceived are valid only for the duration of the call.
type Callbacks struct {
	OnPeerDiscovered   func(id peer.ID, info peer.Info)
	OnPeerLost         func(id peer.ID, info peer.Info)
	OnPeerConnected    func(id peer.ID, info peer.Info)
	OnPeerDisconnected func(id peer.ID, reason peer.DisconnectReason)
	OnMessageReceived  func(id peer.ID, payload []byte)
}

// PeerStats is the per-peer statistics snapshot
type PeerStats struct {
	Counters    stats.PeerCounters
	LatencyMs   uint16
	DeviationMs uint16
	Quality     uint8
}

// dialResult carries an async connect completion back to the poll thread
type dialResult struct {
	id     peer.ID
	stream transport.Stream
	err    error
}

// Node is the PeerTalk context. Create with New, drive with Poll,
// dispose with Shutdown.
type Node struct {
	magic uint32
	cfg   *Config
	cbs   Callbacks

	registry *peer.Registry
	counters *stats.Counters
	log      *logging.Logger

	discoverySock transport.Datagram
	msgSock       transport.Datagram
	listener      transport.Listener

	// local unicast addresses, for discovery loopback filtering
	localAddrs map[string]bool

	discovering  bool
	listening    bool
	shut         bool
	lastAnnounce time.Time

	dials chan dialResult

	// poll-thread scratch
	popBuf   [queue.MaxPayload]byte
	frameBuf []byte
}

// New creates a Node from cfg. The configuration is validated; no
// sockets are opened until StartDiscovery / StartListening.
func New(cfg *Config) (*Node, error) {
	if cfg == nil {
		return nil, protocol.ErrInvalidParam
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{
		magic:      nodeMagic,
		cfg:        cfg,
		registry:   peer.NewRegistry(cfg.MaxPeers, cfg.QueueCapacity),
		counters:   stats.NewCounters(),
		log:        logging.Default(),
		localAddrs: localUnicastAddrs(),
		dials:      make(chan dialResult, cfg.MaxPeers),
		frameBuf:   make([]byte, 0, protocol.HeaderSize+queue.BatchMax+protocol.CrcSize),
	}
	return n, nil
}

// check guards every public entry point against a corrupted or
// mis-shared context. This is a programmer error, so it aborts.
func (n *Node) check() {
	if n == nil || n.magic != nodeMagic {
		panic("peertalk: corrupted context sentinel")
	}
}

func (n *Node) ensureLive() error {
	if n.shut {
		return protocol.ErrInvalidState
	}
	return nil
}

func localUnicastAddrs() map[string]bool {
	out := map[string]bool{"127.0.0.1": true}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
			out[ipn.IP.String()] = true
		}
	}
	return out
}

// SetCallbacks installs the embedder callbacks. Call before Poll.
func (n *Node) SetCallbacks(cbs Callbacks) {
	n.check()
	n.cbs = cbs
}

// SetLogger redirects engine logging
func (n *Node) SetLogger(l *logging.Logger) {
	n.check()
	n.log = l
}

// StartDiscovery opens the discovery socket and begins periodic
// ANNOUNCE emission on subsequent polls
func (n *Node) StartDiscovery() error {
	n.check()
	if err := n.ensureLive(); err != nil {
		return err
	}
	if n.discovering {
		return protocol.ErrInvalidState
	}
	sock, err := transport.ListenUDP(n.cfg.DiscoveryPort, true)
	if err != nil {
		n.log.Errorf(logging.Network, "discovery socket: %v", err)
		return protocol.ErrTransport
	}
	n.discoverySock = sock
	n.discovering = true
	n.lastAnnounce = time.Time{} // announce on the next poll
	n.log.Infof(logging.Network, "discovery started on udp port %d", n.cfg.DiscoveryPort)
	return nil
}

// StopDiscovery closes the discovery socket. Known peers are kept.
func (n *Node) StopDiscovery() error {
	n.check()
	if !n.discovering {
		return protocol.ErrInvalidState
	}
	n.sendGoodbye()
	_ = n.discoverySock.Close()
	n.discoverySock = nil
	n.discovering = false
	return nil
}

// StartListening opens the TCP listener and the UDP messaging socket
func (n *Node) StartListening() error {
	n.check()
	if err := n.ensureLive(); err != nil {
		return err
	}
	if n.listening {
		return protocol.ErrInvalidState
	}
	ln, err := transport.ListenTCP(n.cfg.TCPPort)
	if err != nil {
		n.log.Errorf(logging.Network, "tcp listener: %v", err)
		return protocol.ErrTransport
	}
	msgSock, err := transport.ListenUDP(n.cfg.UDPPort, false)
	if err != nil {
		_ = ln.Close()
		n.log.Errorf(logging.Network, "udp message socket: %v", err)
		return protocol.ErrTransport
	}
	n.listener = ln
	n.msgSock = msgSock
	n.listening = true
	n.log.Infof(logging.Network, "listening on tcp %d / udp %d", n.cfg.TCPPort, n.cfg.UDPPort)
	return nil
}

// StopListening closes the TCP listener and UDP messaging socket.
// Established sessions stay up.
func (n *Node) StopListening() error {
	n.check()
	if !n.listening {
		return protocol.ErrInvalidState
	}
	_ = n.listener.Close()
	_ = n.msgSock.Close()
	n.listener = nil
	n.msgSock = nil
	n.listening = false
	return nil
}

// Connect initiates an outbound session to a known peer. The dial runs
// off the poll thread; the CONNECTED transition and callback land on a
// later Poll.
func (n *Node) Connect(id peer.ID) error {
	n.check()
	if err := n.ensureLive(); err != nil {
		return err
	}
	p := n.registry.Get(id)
	if p == nil {
		return protocol.ErrPeerNotFound
	}
	if p.State != peer.Discovered {
		return protocol.ErrInvalidState
	}
	p.State = peer.Connecting
	p.Touch(time.Now())
	addr := &net.TCPAddr{IP: p.Addr, Port: int(p.TCPPort)}
	timeout := n.cfg.ConnectTimeout
	go func(id peer.ID) {
		st, err := transport.Dial(addr, timeout)
		n.dials <- dialResult{id: id, stream: st, err: err}
	}(id)
	return nil
}

// Disconnect begins a graceful teardown: queued messages are flushed on
// subsequent polls before the session closes
func (n *Node) Disconnect(id peer.ID) error {
	n.check()
	p := n.registry.Get(id)
	if p == nil {
		return protocol.ErrPeerNotFound
	}
	if p.State != peer.Connected {
		return protocol.ErrInvalidState
	}
	p.State = peer.Disconnecting
	return nil
}

// GetPeer returns a read-only snapshot for id
func (n *Node) GetPeer(id peer.ID) (peer.Info, error) {
	n.check()
	info, ok := n.registry.Snapshot(id)
	if !ok {
		return peer.Info{}, protocol.ErrPeerNotFound
	}
	return info, nil
}

// GetPeers returns snapshots of up to limit peers; limit <= 0 means all
func (n *Node) GetPeers(limit int) []peer.Info {
	n.check()
	return n.registry.Peers(limit)
}

// GetPeerName resolves an interned name index
func (n *Node) GetPeerName(idx int) string {
	n.check()
	return n.registry.Names().Name(idx)
}

// GetQueueStatus reports a peer queue's pending count and free slots
func (n *Node) GetQueueStatus(id peer.ID) (pending, available int, err error) {
	n.check()
	p := n.registry.Get(id)
	if p == nil {
		return 0, 0, protocol.ErrPeerNotFound
	}
	pending = p.Queue.Len()
	return pending, p.Queue.Capacity() - pending, nil
}

// GetGlobalStats returns the process-wide counter snapshot
func (n *Node) GetGlobalStats() stats.Global {
	n.check()
	return n.counters.Snapshot()
}

// GetPeerStats returns the per-peer statistics snapshot
func (n *Node) GetPeerStats(id peer.ID) (PeerStats, error) {
	n.check()
	p := n.registry.Get(id)
	if p == nil {
		return PeerStats{}, protocol.ErrPeerNotFound
	}
	return PeerStats{
		Counters:    p.Counters,
		LatencyMs:   p.Latency.MeanMs(),
		DeviationMs: p.Latency.DeviationMs(),
		Quality:     p.Latency.Quality(),
	}, nil
}

// Shutdown drains outstanding sends best-effort, says goodbye, then
// tears down transports and peers. The Node is unusable afterwards.
func (n *Node) Shutdown() {
	n.check()
	if n.shut {
		return
	}
	// one bounded flush pass over the queues
	n.drainQueues(time.Now())
	if n.discovering {
		n.sendGoodbye()
		_ = n.discoverySock.Close()
		n.discoverySock = nil
		n.discovering = false
	}
	if n.listening {
		_ = n.listener.Close()
		_ = n.msgSock.Close()
		n.listener = nil
		n.msgSock = nil
		n.listening = false
	}
	n.registry.ForEach(func(p *peer.Peer) {
		n.closeSession(p)
		p.State = peer.Dead
	})
	n.shut = true
	n.log.Infof(logging.General, "shut down")
}
