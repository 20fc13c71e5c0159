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
	"net"
	"time"

	"github.com/peertalk/peertalk/logging"
	"github.com/peertalk/peertalk/peer"
	"github.com/peertalk/peertalk/protocol"
	"github.com/peertalk/peertalk/queue"
	"github.com/peertalk/peertalk/transport"
)

// Poll is the engine heartbeat. Each invocation runs socket readiness,
// drains send queues into batches, emits pings and announces, and
// sweeps timeouts. It never blocks; call it from one thread at the
// embedder's cadence. All callbacks fire from inside this call.
func (n *Node) Poll() error {
	n.check()
	if err := n.ensureLive(); err != nil {
		return err
	}
	now := time.Now()

	n.collectDials(now)
	if n.listener != nil {
		n.acceptPending(now)
	}
	if n.discovering {
		n.readDiscovery(now)
	}
	if n.msgSock != nil {
		n.readUDPMessages(now)
	}
	n.registry.ForEach(func(p *peer.Peer) {
		if p.State == peer.Connected || p.State == peer.Disconnecting {
			n.readSession(p, now)
		}
	})
	n.drainQueues(now)
	n.emitPings(now)
	n.sweep(now)
	if n.discovering && now.Sub(n.lastAnnounce) >= n.cfg.DiscoveryInterval {
		n.announce(now)
	}
	return nil
}

// collectDials folds async connect completions into peer state
func (n *Node) collectDials(now time.Time) {
	for {
		select {
		case res := <-n.dials:
			p := n.registry.Get(res.id)
			if p == nil || p.State != peer.Connecting {
				if res.stream != nil {
					_ = res.stream.Close()
				}
				continue
			}
			if res.err != nil {
				n.log.Warnf(logging.Network, "connect to peer %d failed: %v", res.id, res.err)
				p.State = peer.Dead
				if n.cbs.OnPeerDisconnected != nil {
					n.cbs.OnPeerDisconnected(p.ID, peer.ReasonTransportError)
				}
				continue
			}
			p.Stream = newSession(res.stream)
			p.State = peer.Connected
			p.Touch(now)
			n.counters.IncPeersConnected()
			n.log.Infof(logging.Network, "connected to peer %d", p.ID)
			if n.cbs.OnPeerConnected != nil {
				n.cbs.OnPeerConnected(p.ID, p.Snapshot())
			}
		default:
			return
		}
	}
}

// acceptPending accepts queued inbound connections
func (n *Node) acceptPending(now time.Time) {
	for {
		st, ok := n.listener.Accept()
		if !ok {
			return
		}
		if !n.cfg.autoAccept() {
			n.counters.IncConnectionsRejected()
			_ = st.Close()
			continue
		}
		p := n.matchInbound(st)
		if p == nil {
			n.counters.IncConnectionsRejected()
			n.log.Warnf(logging.Network, "rejecting connection from %s: no peer slot", st.RemoteAddr())
			_ = st.Close()
			continue
		}
		n.closeSession(p)
		p.Stream = newSession(st)
		p.State = peer.Connected
		p.Touch(now)
		n.counters.IncConnectionsAccepted()
		n.counters.IncPeersConnected()
		n.log.Infof(logging.Network, "accepted peer %d from %s", p.ID, st.RemoteAddr())
		if n.cbs.OnPeerConnected != nil {
			n.cbs.OnPeerConnected(p.ID, p.Snapshot())
		}
	}
}

// matchInbound resolves an accepted stream to a peer record: the
// announced record for the source address if we have one, otherwise a
// fresh record for a peer that connected before announcing
func (n *Node) matchInbound(st transport.Stream) *peer.Peer {
	ra, ok := st.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	var found *peer.Peer
	n.registry.ForEach(func(p *peer.Peer) {
		if found != nil || p.State == peer.Dead {
			return
		}
		if p.Addr.Equal(ra.IP) {
			found = p
		}
	})
	if found != nil {
		return found
	}
	p, _, err := n.registry.Upsert("", ra.IP, uint16(ra.Port), n.cfg.UDPPort, n.cfg.Transports)
	if err != nil {
		return nil
	}
	return p
}

// readUDPMessages consumes all pending unreliable datagrams
func (n *Node) readUDPMessages(now time.Time) {
	buf := make([]byte, protocol.MaxMessageSize+64)
	for {
		nr, addr, err := n.msgSock.ReadFrom(buf)
		if err != nil {
			n.log.Debugf(logging.Network, "udp read: %v", err)
			return
		}
		if nr == 0 {
			return
		}
		var env protocol.UDPEnvelope
		if derr := env.UnmarshalBinary(buf[:nr]); derr != nil {
			n.log.Debugf(logging.Protocol, "udp envelope from %s: %v", addr, derr)
			continue
		}
		p := n.matchUDPSender(addr)
		if p == nil {
			continue
		}
		p.Touch(now)
		p.Counters.BytesReceived += uint32(nr)
		p.Counters.MessagesReceived++
		n.counters.IncBytesRecv(uint32(nr))
		n.counters.IncMessagesRecv()
		n.deliver(p.ID, env.Payload)
	}
}

func (n *Node) matchUDPSender(addr *net.UDPAddr) *peer.Peer {
	var found *peer.Peer
	n.registry.ForEach(func(p *peer.Peer) {
		if found == nil && p.State != peer.Dead && p.Addr.Equal(addr.IP) {
			found = p
		}
	})
	return found
}

// drainQueues walks every peer and turns queued messages into framed
// writes: pending backlog first, then fresh batches popped in priority
// order
func (n *Node) drainQueues(now time.Time) {
	var batch queue.Batch
	n.registry.ForEach(func(p *peer.Peer) {
		if p.State != peer.Connected && p.State != peer.Disconnecting {
			return
		}
		if !n.flushPending(p) {
			return
		}
		for !p.Queue.Empty() {
			if _, live := p.Stream.(*session); !live {
				return
			}
			batch.Init()
			single := protocol.MsgFlags(0)
			for {
				m, ok := p.Queue.Pop(n.popBuf[:])
				if !ok {
					break
				}
				p.Counters.MessagesSent++
				n.counters.IncMessagesSent()
				if batch.Count() == 0 {
					single = m.Flags
				}
				if !batch.Add(n.popBuf[:m.Len]) {
					// batch full: ship it, the popped message opens the next one
					n.shipBatch(p, &batch, single)
					batch.Init()
					batch.Add(n.popBuf[:m.Len])
					single = m.Flags
				}
			}
			if batch.Count() > 0 {
				n.shipBatch(p, &batch, single)
			}
			if len(p.PendingWrite) > 0 {
				// transport congested; try again next poll
				return
			}
		}
		// a disconnecting peer is done once its backlog is flushed
		if p.State == peer.Disconnecting && p.Queue.Empty() && len(p.PendingWrite) == 0 {
			n.closeSession(p)
			p.State = peer.Dead
			n.counters.DecPeersConnected()
			if n.cbs.OnPeerDisconnected != nil {
				n.cbs.OnPeerDisconnected(p.ID, peer.ReasonRequested)
			}
		}
	})
}

// shipBatch frames the packed entries and writes them out. A
// single-message batch travels as a plain DATA frame; multiples as one
// BATCH frame.
func (n *Node) shipBatch(p *peer.Peer, b *queue.Batch, singleFlags protocol.MsgFlags) {
	used := b.Prepare(&p.SendSeq)
	if used == 0 {
		return
	}
	s, ok := p.Stream.(*session)
	if !ok || s == nil {
		return
	}
	t := protocol.MessageBatch
	payload := b.Bytes()
	if b.Count() == 1 {
		// strip the entry header for a lone message
		t = protocol.MessageData
		payload = payload[4:]
	}
	hdr := protocol.MsgHeader{
		Version:    protocol.Version,
		Type:       t,
		Flags:      singleFlags,
		Sequence:   p.SendSeq,
		PayloadLen: uint16(len(payload)),
	}
	frame := protocol.AppendMessage(n.frameBuf[:0], &hdr, payload)
	n.writeOut(p, s, frame)
}

// emitPings sends a PING to every connected peer whose last activity
// is older than the ping interval
func (n *Node) emitPings(now time.Time) {
	n.registry.ForEach(func(p *peer.Peer) {
		if p.State != peer.Connected {
			return
		}
		if now.Sub(p.LastSeen) >= n.cfg.PingInterval && now.Sub(p.LastPingSent) >= n.cfg.PingInterval {
			n.sendPing(p, now)
		}
	})
}

// sweep applies timeout transitions and fires the matching callbacks
func (n *Node) sweep(now time.Time) {
	trs := n.registry.SweepTimeouts(peer.SweepConfig{
		Now:              now,
		PeerTimeout:      n.cfg.PeerTimeout,
		DiscoveryTimeout: n.cfg.DiscoveryTimeout,
		AutoCleanup:      n.cfg.autoCleanup(),
		OnDead:           n.closeSession,
	})
	for _, tr := range trs {
		switch tr.From {
		case peer.Connected, peer.Connecting, peer.Disconnecting:
			n.log.Infof(logging.Network, "peer %d timed out", tr.ID)
			if p := n.registry.Get(tr.ID); p != nil {
				n.closeSession(p)
			}
			if tr.From == peer.Connected {
				n.counters.DecPeersConnected()
			}
			if n.cbs.OnPeerDisconnected != nil {
				n.cbs.OnPeerDisconnected(tr.ID, tr.Reason)
			}
		case peer.Discovered:
			if n.cbs.OnPeerLost != nil {
				n.cbs.OnPeerLost(tr.ID, peer.Info{ID: tr.ID, State: peer.Dead})
			}
		}
	}
}

// teardown closes a peer's session and marks it DEAD with a reason
func (n *Node) teardown(p *peer.Peer, reason peer.DisconnectReason) {
	wasConnected := p.State == peer.Connected || p.State == peer.Disconnecting
	n.closeSession(p)
	p.State = peer.Dead
	if wasConnected {
		n.counters.DecPeersConnected()
		if n.cbs.OnPeerDisconnected != nil {
			n.cbs.OnPeerDisconnected(p.ID, reason)
		}
	}
}

// closeSession drops the transport handle if one is attached
func (n *Node) closeSession(p *peer.Peer) {
	if s, ok := p.Stream.(*session); ok && s != nil {
		_ = s.stream.Close()
		p.Stream = nil
	}
	p.PendingWrite = nil
}
