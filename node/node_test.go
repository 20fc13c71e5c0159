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

package node

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peertalk/peertalk/peer"
	"github.com/peertalk/peertalk/protocol"
	"github.com/peertalk/peertalk/queue"
	"github.com/peertalk/peertalk/transport"
)

// fakeDatagram is an in-memory Datagram for poll-loop tests
type fakeDatagram struct {
	port    uint16
	in      [][]byte
	inAddr  []*net.UDPAddr
	out     [][]byte
	outAddr []*net.UDPAddr
	failTx  bool
}

func (f *fakeDatagram) WriteTo(b []byte, addr *net.UDPAddr) (int, error) {
	if f.failTx {
		return 0, io.ErrClosedPipe
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	f.out = append(f.out, cp)
	f.outAddr = append(f.outAddr, addr)
	return len(b), nil
}

func (f *fakeDatagram) ReadFrom(b []byte) (int, *net.UDPAddr, error) {
	if len(f.in) == 0 {
		return 0, nil, nil
	}
	pkt := f.in[0]
	addr := f.inAddr[0]
	f.in = f.in[1:]
	f.inAddr = f.inAddr[1:]
	return copy(b, pkt), addr, nil
}

func (f *fakeDatagram) LocalPort() uint16 { return f.port }
func (f *fakeDatagram) Close() error      { return nil }

func (f *fakeDatagram) queue(b []byte, addr *net.UDPAddr) {
	f.in = append(f.in, b)
	f.inAddr = append(f.inAddr, addr)
}

// fakeStream is an in-memory Stream with scriptable read chunks and an
// optional per-call write cap for partial-write tests
type fakeStream struct {
	chunks     [][]byte
	out        []byte
	writeLimit int
	eof        bool
	closed     bool
	remote     net.Addr
}

func (f *fakeStream) Read(b []byte) (int, error) {
	if len(f.chunks) == 0 {
		if f.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	c := f.chunks[0]
	n := copy(b, c)
	if n < len(c) {
		f.chunks[0] = c[n:]
	} else {
		f.chunks = f.chunks[1:]
	}
	return n, nil
}

func (f *fakeStream) Write(b []byte) (int, error) {
	n := len(b)
	if f.writeLimit > 0 && n > f.writeLimit {
		n = f.writeLimit
	}
	f.out = append(f.out, b[:n]...)
	return n, nil
}

func (f *fakeStream) RemoteAddr() net.Addr {
	if f.remote != nil {
		return f.remote
	}
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 40000}
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

// fakeListener hands out scripted streams
type fakeListener struct {
	pending []transport.Stream
	port    uint16
}

func (f *fakeListener) Accept() (transport.Stream, bool) {
	if len(f.pending) == 0 {
		return nil, false
	}
	st := f.pending[0]
	f.pending = f.pending[1:]
	return st, true
}

func (f *fakeListener) Port() uint16 { return f.port }
func (f *fakeListener) Close() error { return nil }

type events struct {
	discovered   []peer.ID
	lost         []peer.ID
	connected    []peer.ID
	disconnected []peer.ID
	reasons      []peer.DisconnectReason
	messages     [][]byte
	msgPeers     []peer.ID
}

func (e *events) callbacks() Callbacks {
	return Callbacks{
		OnPeerDiscovered: func(id peer.ID, info peer.Info) { e.discovered = append(e.discovered, id) },
		OnPeerLost:       func(id peer.ID, info peer.Info) { e.lost = append(e.lost, id) },
		OnPeerConnected:  func(id peer.ID, info peer.Info) { e.connected = append(e.connected, id) },
		OnPeerDisconnected: func(id peer.ID, reason peer.DisconnectReason) {
			e.disconnected = append(e.disconnected, id)
			e.reasons = append(e.reasons, reason)
		},
		OnMessageReceived: func(id peer.ID, payload []byte) {
			cp := make([]byte, len(payload))
			copy(cp, payload)
			e.messages = append(e.messages, cp)
			e.msgPeers = append(e.msgPeers, id)
		},
	}
}

func testNode(t *testing.T) (*Node, *events) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LocalName = "TestNode"
	cfg.QueueCapacity = 32
	n, err := New(cfg)
	require.NoError(t, err)
	ev := &events{}
	n.SetCallbacks(ev.callbacks())
	return n, ev
}

// connectedPeer wires a fake-stream session into the registry
func connectedPeer(t *testing.T, n *Node, ip net.IP) (*peer.Peer, *fakeStream) {
	t.Helper()
	p, created, err := n.registry.Upsert("remote", ip, 7354, 7355, protocol.TransportTCP)
	require.NoError(t, err)
	require.True(t, created)
	st := &fakeStream{}
	p.Stream = newSession(st)
	p.State = peer.Connected
	p.Touch(time.Now())
	n.counters.IncPeersConnected()
	return p, st
}

func announceBytes(t *testing.T, name string, senderPort uint16) []byte {
	t.Helper()
	pkt := &protocol.DiscoveryPacket{
		Version:    protocol.Version,
		Type:       protocol.DiscoveryAnnounce,
		Flags:      protocol.DiscoveryFlagHost | protocol.DiscoveryFlagAccepting,
		SenderPort: senderPort,
		Transports: protocol.TransportTCP | protocol.TransportUDP,
		Name:       name,
	}
	b, err := pkt.MarshalBinary()
	require.NoError(t, err)
	return b
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, protocol.ErrInvalidParam)

	cfg := DefaultConfig()
	cfg.QueueCapacity = 3
	_, err = New(cfg)
	require.Error(t, err)
}

func TestCorruptedSentinelPanics(t *testing.T) {
	n, _ := testNode(t)
	n.magic = 0
	require.Panics(t, func() { _ = n.Poll() })
}

func TestDiscoveryIngest(t *testing.T) {
	n, ev := testNode(t)
	sock := &fakeDatagram{port: n.cfg.DiscoveryPort}
	n.discoverySock = sock
	n.discovering = true

	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 7353}
	sock.queue(announceBytes(t, "RemotePeer", 7354), from)
	require.NoError(t, n.Poll())

	require.Len(t, ev.discovered, 1)
	peers := n.GetPeers(0)
	require.Len(t, peers, 1)
	require.Equal(t, peer.Discovered, peers[0].State)
	require.Equal(t, "RemotePeer", n.GetPeerName(peers[0].NameIdx))
	g := n.GetGlobalStats()
	require.Equal(t, uint32(1), g.PeersDiscovered)
	require.Equal(t, uint32(1), g.DiscoveryReceived)

	// re-announce refreshes, no second callback
	sock.queue(announceBytes(t, "RemotePeer", 7354), from)
	require.NoError(t, n.Poll())
	require.Len(t, ev.discovered, 1)
	require.Equal(t, uint32(1), n.GetGlobalStats().PeersDiscovered)
}

func TestDiscoveryLoopbackFiltered(t *testing.T) {
	n, ev := testNode(t)
	sock := &fakeDatagram{port: n.cfg.DiscoveryPort}
	n.discoverySock = sock
	n.discovering = true

	// our own announce reflected off the broadcast address
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7353}
	sock.queue(announceBytes(t, n.cfg.LocalName, n.cfg.TCPPort), from)
	require.NoError(t, n.Poll())

	require.Empty(t, ev.discovered)
	require.Zero(t, n.GetGlobalStats().DiscoveryReceived)
}

func TestGoodbyeTransitionsToDead(t *testing.T) {
	n, ev := testNode(t)
	sock := &fakeDatagram{port: n.cfg.DiscoveryPort}
	n.discoverySock = sock
	n.discovering = true
	off := false
	n.cfg.AutoCleanup = &off

	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 7353}
	sock.queue(announceBytes(t, "RemotePeer", 7354), from)
	require.NoError(t, n.Poll())
	require.Len(t, ev.discovered, 1)
	id := ev.discovered[0]

	bye := &protocol.DiscoveryPacket{
		Version:    protocol.Version,
		Type:       protocol.DiscoveryGoodbye,
		SenderPort: 7354,
		Name:       "RemotePeer",
	}
	b, err := bye.MarshalBinary()
	require.NoError(t, err)
	sock.queue(b, from)
	require.NoError(t, n.Poll())

	require.Equal(t, []peer.ID{id}, ev.lost)
	info, err := n.GetPeer(id)
	require.NoError(t, err)
	require.Equal(t, peer.Dead, info.State)
}

func TestAnnounceEmission(t *testing.T) {
	n, _ := testNode(t)
	sock := &fakeDatagram{port: n.cfg.DiscoveryPort}
	n.discoverySock = sock
	n.discovering = true

	require.NoError(t, n.Poll())
	require.Len(t, sock.out, 1)

	var pkt protocol.DiscoveryPacket
	require.NoError(t, pkt.UnmarshalBinary(sock.out[0]))
	require.Equal(t, protocol.DiscoveryAnnounce, pkt.Type)
	require.Equal(t, "TestNode", pkt.Name)
	require.Equal(t, n.cfg.TCPPort, pkt.SenderPort)
	require.Equal(t, net.IPv4bcast.String(), sock.outAddr[0].IP.String())
	require.Equal(t, uint32(1), n.GetGlobalStats().DiscoverySent)

	// within the interval: no duplicate announce
	require.NoError(t, n.Poll())
	require.Len(t, sock.out, 1)
}

func TestSendValidation(t *testing.T) {
	n, _ := testNode(t)
	p, _ := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))

	require.ErrorIs(t, n.Send(p.ID, nil), protocol.ErrInvalidParam)
	require.ErrorIs(t, n.Send(p.ID, []byte{}), protocol.ErrInvalidParam)
	require.ErrorIs(t, n.Send(p.ID, make([]byte, protocol.MaxMessageSize+1)), protocol.ErrInvalidParam)
	require.ErrorIs(t, n.SendEx(p.ID, []byte("x"), queue.Priority(7), protocol.FlagReliable, 0), protocol.ErrInvalidParam)
	require.ErrorIs(t, n.SendEx(p.ID, []byte("x"), queue.Normal, protocol.MsgFlags(0x80), 0), protocol.ErrInvalidParam)
	require.ErrorIs(t, n.Send(peer.ID(999), []byte("x")), protocol.ErrPeerNotFound)
	require.NoError(t, n.Send(p.ID, []byte("x")))
}

func TestBroadcastNoPeers(t *testing.T) {
	n, _ := testNode(t)
	require.ErrorIs(t, n.Broadcast([]byte("x")), protocol.ErrPeerNotFound)

	// a merely discovered peer does not receive broadcasts
	_, _, err := n.registry.Upsert("idle", net.IPv4(10, 0, 0, 8), 7354, 7355, protocol.TransportTCP)
	require.NoError(t, err)
	require.ErrorIs(t, n.Broadcast([]byte("x")), protocol.ErrPeerNotFound)
}

func TestDrainWritesBatchFrame(t *testing.T) {
	n, _ := testNode(t)
	p, st := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))

	require.NoError(t, n.Send(p.ID, []byte("one")))
	require.NoError(t, n.Send(p.ID, []byte("two")))
	require.NoError(t, n.Poll())

	var hdr protocol.MsgHeader
	require.NoError(t, protocol.UnmarshalHeader(&hdr, st.out))
	require.Equal(t, protocol.MessageBatch, hdr.Type)
	body := st.out[protocol.HeaderSize : protocol.HeaderSize+int(hdr.PayloadLen)]
	var got []string
	require.NoError(t, protocol.ForEachBatchEntry(body, func(pl []byte) error {
		got = append(got, string(pl))
		return nil
	}))
	require.Equal(t, []string{"one", "two"}, got)
	crc := binary.BigEndian.Uint16(st.out[len(st.out)-2:])
	require.True(t, protocol.CheckMessage(st.out[:protocol.HeaderSize], body, crc))

	require.True(t, p.Queue.Empty())
	g := n.GetGlobalStats()
	require.Equal(t, uint32(2), g.MessagesSent)
	require.Equal(t, uint32(len(st.out)), g.BytesSent)
}

func TestDrainSingleMessageAsData(t *testing.T) {
	n, _ := testNode(t)
	p, st := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))

	require.NoError(t, n.Send(p.ID, []byte("solo")))
	require.NoError(t, n.Poll())

	var hdr protocol.MsgHeader
	require.NoError(t, protocol.UnmarshalHeader(&hdr, st.out))
	require.Equal(t, protocol.MessageData, hdr.Type)
	require.Equal(t, "solo", string(st.out[protocol.HeaderSize:protocol.HeaderSize+4]))
}

func TestPartialWriteRetained(t *testing.T) {
	n, _ := testNode(t)
	p, st := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))
	st.writeLimit = 5

	require.NoError(t, n.Send(p.ID, []byte("0123456789")))
	require.NoError(t, n.Poll())
	require.Len(t, st.out, 5)
	require.NotEmpty(t, p.PendingWrite)

	// subsequent polls flush the remainder
	for i := 0; i < 5 && len(p.PendingWrite) > 0; i++ {
		require.NoError(t, n.Poll())
	}
	require.Empty(t, p.PendingWrite)

	var hdr protocol.MsgHeader
	require.NoError(t, protocol.UnmarshalHeader(&hdr, st.out))
	require.Equal(t, "0123456789", string(st.out[protocol.HeaderSize:protocol.HeaderSize+10]))
}

// a valid framed message delivered in two halves across two polls
// yields exactly one delivery with the original payload
func TestReceivePartialDelivery(t *testing.T) {
	n, ev := testNode(t)
	p, st := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))

	payload := []byte("hello world")
	hdr := protocol.MsgHeader{
		Version:    protocol.Version,
		Type:       protocol.MessageData,
		Flags:      protocol.FlagReliable,
		Sequence:   1,
		PayloadLen: uint16(len(payload)),
	}
	frame := protocol.AppendMessage(nil, &hdr, payload)
	half := len(frame) / 2

	st.chunks = [][]byte{frame[:half]}
	require.NoError(t, n.Poll())
	require.Empty(t, ev.messages)

	st.chunks = [][]byte{frame[half:]}
	require.NoError(t, n.Poll())
	require.Len(t, ev.messages, 1)
	require.Equal(t, payload, ev.messages[0])
	require.Equal(t, p.ID, ev.msgPeers[0])
	require.Equal(t, uint32(1), n.GetGlobalStats().MessagesReceived)
}

func TestReceiveBatchUnpacks(t *testing.T) {
	n, ev := testNode(t)
	_, st := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))

	var batch queue.Batch
	batch.Init()
	require.True(t, batch.Add([]byte("aa")))
	require.True(t, batch.Add([]byte("bbb")))
	hdr := protocol.MsgHeader{
		Version:    protocol.Version,
		Type:       protocol.MessageBatch,
		Flags:      protocol.FlagReliable,
		Sequence:   1,
		PayloadLen: uint16(batch.Used()),
	}
	frame := protocol.AppendMessage(nil, &hdr, batch.Bytes())
	st.chunks = [][]byte{frame}
	require.NoError(t, n.Poll())

	require.Len(t, ev.messages, 2)
	require.Equal(t, "aa", string(ev.messages[0]))
	require.Equal(t, "bbb", string(ev.messages[1]))
}

func TestReceiveCRCDrop(t *testing.T) {
	n, ev := testNode(t)
	p, st := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))

	payload := []byte("payload")
	hdr := protocol.MsgHeader{
		Version:    protocol.Version,
		Type:       protocol.MessageData,
		Flags:      protocol.FlagReliable,
		Sequence:   1,
		PayloadLen: uint16(len(payload)),
	}
	frame := protocol.AppendMessage(nil, &hdr, payload)
	frame[protocol.HeaderSize] ^= 0xff
	st.chunks = [][]byte{frame}
	require.NoError(t, n.Poll())

	// dropped whole, connection survives
	require.Empty(t, ev.messages)
	require.Equal(t, uint32(1), p.Counters.Dropped)
	require.Equal(t, peer.Connected, p.State)
}

func TestReceiveOversizeTearsDown(t *testing.T) {
	n, ev := testNode(t)
	p, st := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))

	hdr := [protocol.HeaderSize]byte{protocol.Version, byte(protocol.MessageData), 0, 0, 1, 0xff, 0xff}
	st.chunks = [][]byte{hdr[:]}
	require.NoError(t, n.Poll())

	require.Equal(t, peer.Dead, p.State)
	require.True(t, st.closed)
	require.Equal(t, []peer.DisconnectReason{peer.ReasonProtocolError}, ev.reasons)
}

func TestReceiveBadVersionTearsDown(t *testing.T) {
	n, ev := testNode(t)
	p, st := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))

	hdr := [protocol.HeaderSize]byte{protocol.Version + 1, byte(protocol.MessageData), 0, 0, 1, 0, 1}
	st.chunks = [][]byte{hdr[:]}
	require.NoError(t, n.Poll())

	require.Equal(t, peer.Dead, p.State)
	require.Len(t, ev.disconnected, 1)
}

func TestStreamEOFTearsDown(t *testing.T) {
	n, ev := testNode(t)
	p, st := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))
	st.eof = true
	require.NoError(t, n.Poll())

	require.Equal(t, peer.Dead, p.State)
	require.Equal(t, []peer.DisconnectReason{peer.ReasonTransportError}, ev.reasons)
	require.Equal(t, p.ID, ev.disconnected[0])
}

func TestPingPongLatency(t *testing.T) {
	n, _ := testNode(t)
	p, st := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))
	p.LastSeen = time.Now().Add(-5 * time.Second)

	require.NoError(t, n.Poll())
	var hdr protocol.MsgHeader
	require.NoError(t, protocol.UnmarshalHeader(&hdr, st.out))
	require.Equal(t, protocol.MessagePing, hdr.Type)
	require.False(t, p.LastPingSent.IsZero())

	// answer with a PONG carrying a timestamp 20ms in the past
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().Add(-20*time.Millisecond).UnixNano()))
	pong := protocol.MsgHeader{
		Version:    protocol.Version,
		Type:       protocol.MessagePong,
		Flags:      protocol.FlagReliable,
		Sequence:   1,
		PayloadLen: 8,
	}
	st.chunks = [][]byte{protocol.AppendMessage(nil, &pong, ts[:])}
	require.NoError(t, n.Poll())

	ps, err := n.GetPeerStats(p.ID)
	require.NoError(t, err)
	require.NotZero(t, ps.LatencyMs)
	require.NotZero(t, ps.Quality)
}

func TestPingAnswered(t *testing.T) {
	n, _ := testNode(t)
	_, st := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], 12345)
	ping := protocol.MsgHeader{
		Version:    protocol.Version,
		Type:       protocol.MessagePing,
		Flags:      protocol.FlagReliable,
		Sequence:   9,
		PayloadLen: 8,
	}
	st.chunks = [][]byte{protocol.AppendMessage(nil, &ping, ts[:])}
	require.NoError(t, n.Poll())

	var hdr protocol.MsgHeader
	require.NoError(t, protocol.UnmarshalHeader(&hdr, st.out))
	require.Equal(t, protocol.MessagePong, hdr.Type)
	require.Equal(t, ts[:], st.out[protocol.HeaderSize:protocol.HeaderSize+8])
}

func TestUnreliableFastPath(t *testing.T) {
	n, _ := testNode(t)
	p, _ := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))
	msgSock := &fakeDatagram{port: 7355}
	n.msgSock = msgSock

	require.NoError(t, n.SendEx(p.ID, []byte("fire and forget"), queue.Normal, protocol.FlagUnreliable, 0))
	// bypasses the queue entirely
	require.True(t, p.Queue.Empty())
	require.Len(t, msgSock.out, 1)

	var env protocol.UDPEnvelope
	require.NoError(t, env.UnmarshalBinary(msgSock.out[0]))
	require.Equal(t, "fire and forget", string(env.Payload))
	require.Equal(t, uint16(7355), env.SenderPort)
	require.Equal(t, int(p.UDPPort), msgSock.outAddr[0].Port)
	require.Equal(t, uint32(1), n.GetGlobalStats().MessagesSent)
}

func TestUnreliableSendFailureCountsDrop(t *testing.T) {
	n, _ := testNode(t)
	p, _ := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))
	n.msgSock = &fakeDatagram{port: 7355, failTx: true}

	err := n.SendEx(p.ID, []byte("lost"), queue.Normal, protocol.FlagUnreliable, 0)
	require.ErrorIs(t, err, protocol.ErrTransport)
	require.Equal(t, uint32(1), p.Counters.Dropped)
	require.Zero(t, n.GetGlobalStats().MessagesSent)
}

func TestUDPMessageIngest(t *testing.T) {
	n, ev := testNode(t)
	p, _ := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))
	msgSock := &fakeDatagram{port: 7355}
	n.msgSock = msgSock

	env := protocol.UDPEnvelope{SenderPort: 7355, Payload: []byte("datagram")}
	b, err := env.MarshalBinary()
	require.NoError(t, err)
	msgSock.queue(b, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 7355})
	require.NoError(t, n.Poll())

	require.Len(t, ev.messages, 1)
	require.Equal(t, "datagram", string(ev.messages[0]))
	require.Equal(t, p.ID, ev.msgPeers[0])
}

func TestTimeoutSweep(t *testing.T) {
	n, ev := testNode(t)
	p, st := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))
	p.LastSeen = time.Now().Add(-time.Minute)
	p.LastPingSent = time.Now() // suppress the ping path

	require.NoError(t, n.Poll())
	require.Equal(t, []peer.ID{p.ID}, ev.disconnected)
	require.Equal(t, []peer.DisconnectReason{peer.ReasonTimeout}, ev.reasons)
	require.True(t, st.closed)
	// auto-cleanup reaps the record
	_, err := n.GetPeer(p.ID)
	require.ErrorIs(t, err, protocol.ErrPeerNotFound)
	require.Zero(t, n.GetGlobalStats().PeersConnected)
}

func TestDisconnectFlushesThenDies(t *testing.T) {
	n, ev := testNode(t)
	off := false
	n.cfg.AutoCleanup = &off
	p, st := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))

	require.NoError(t, n.Send(p.ID, []byte("last words")))
	require.NoError(t, n.Disconnect(p.ID))
	require.Equal(t, peer.Disconnecting, p.State)

	require.NoError(t, n.Poll())
	require.Equal(t, peer.Dead, p.State)
	require.True(t, st.closed)
	require.Equal(t, []peer.DisconnectReason{peer.ReasonRequested}, ev.reasons)
	// the queued message went out before the close
	require.Contains(t, string(st.out), "last words")

	require.ErrorIs(t, n.Disconnect(p.ID), protocol.ErrInvalidState)
}

func TestConnectStateGating(t *testing.T) {
	n, _ := testNode(t)
	require.ErrorIs(t, n.Connect(peer.ID(5)), protocol.ErrPeerNotFound)

	p, _, err := n.registry.Upsert("target", net.IPv4(127, 0, 0, 1), 1, 2, protocol.TransportTCP)
	require.NoError(t, err)
	p.State = peer.Connected
	require.ErrorIs(t, n.Connect(p.ID), protocol.ErrInvalidState)
}

func TestAcceptInbound(t *testing.T) {
	n, ev := testNode(t)
	// the peer announced first, so an inbound stream maps onto it
	p, _, err := n.registry.Upsert("inbound", net.IPv4(10, 0, 0, 7), 7354, 7355, protocol.TransportTCP)
	require.NoError(t, err)

	st := &fakeStream{remote: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 41000}}
	n.listener = &fakeListener{pending: []transport.Stream{st}, port: n.cfg.TCPPort}
	n.listening = true
	require.NoError(t, n.Poll())

	require.Equal(t, []peer.ID{p.ID}, ev.connected)
	require.Equal(t, peer.Connected, p.State)
	g := n.GetGlobalStats()
	require.Equal(t, uint32(1), g.ConnectionsAccepted)
	require.Equal(t, uint32(1), g.PeersConnected)
}

func TestAutoAcceptOff(t *testing.T) {
	n, ev := testNode(t)
	off := false
	n.cfg.AutoAccept = &off

	st := &fakeStream{}
	n.listener = &fakeListener{pending: []transport.Stream{st}}
	n.listening = true
	require.NoError(t, n.Poll())

	require.Empty(t, ev.connected)
	require.True(t, st.closed)
	require.Equal(t, uint32(1), n.GetGlobalStats().ConnectionsRejected)
}

func TestQueueStatus(t *testing.T) {
	n, _ := testNode(t)
	p, _ := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))

	pending, available, err := n.GetQueueStatus(p.ID)
	require.NoError(t, err)
	require.Zero(t, pending)
	require.Equal(t, 32, available)

	require.NoError(t, n.Send(p.ID, []byte("q")))
	pending, available, err = n.GetQueueStatus(p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
	require.Equal(t, 31, available)

	_, _, err = n.GetQueueStatus(peer.ID(77))
	require.ErrorIs(t, err, protocol.ErrPeerNotFound)
}

func TestShutdown(t *testing.T) {
	n, _ := testNode(t)
	sock := &fakeDatagram{port: n.cfg.DiscoveryPort}
	n.discoverySock = sock
	n.discovering = true
	p, st := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))
	require.NoError(t, n.Send(p.ID, []byte("parting")))

	n.Shutdown()
	// best-effort drain went out before teardown
	assert.Contains(t, string(st.out), "parting")
	assert.True(t, st.closed)
	// a GOODBYE closed the discovery session
	var last protocol.DiscoveryPacket
	require.NotEmpty(t, sock.out)
	require.NoError(t, last.UnmarshalBinary(sock.out[len(sock.out)-1]))
	assert.Equal(t, protocol.DiscoveryGoodbye, last.Type)

	require.ErrorIs(t, n.Poll(), protocol.ErrInvalidState)
	require.ErrorIs(t, n.Send(p.ID, []byte("x")), protocol.ErrInvalidState)
}

func TestOrderingWithinPeer(t *testing.T) {
	n, _ := testNode(t)
	p, st := connectedPeer(t, n, net.IPv4(10, 0, 0, 5))

	require.NoError(t, n.SendEx(p.ID, []byte("n1"), queue.Normal, protocol.FlagReliable, 0))
	require.NoError(t, n.SendEx(p.ID, []byte("c1"), queue.Critical, protocol.FlagReliable, 0))
	require.NoError(t, n.SendEx(p.ID, []byte("n2"), queue.Normal, protocol.FlagReliable, 0))
	require.NoError(t, n.SendEx(p.ID, []byte("l1"), queue.Low, protocol.FlagReliable, 0))
	require.NoError(t, n.Poll())

	// replay the wire bytes through a receiving node to observe order
	rx, rxEv := testNode(t)
	_, rst := connectedPeer(t, rx, net.IPv4(10, 0, 0, 6))
	rst.chunks = [][]byte{st.out}
	require.NoError(t, rx.Poll())

	var got []string
	for _, m := range rxEv.messages {
		got = append(got, string(m))
	}
	require.Equal(t, []string{"c1", "n1", "n2", "l1"}, got)
}
