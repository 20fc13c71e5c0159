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
	"net"
	"time"

	"github.com/peertalk/peertalk/logging"
	"github.com/peertalk/peertalk/peer"
	"github.com/peertalk/peertalk/protocol"
	"github.com/peertalk/peertalk/queue"
)

// Send enqueues a reliable message at NORMAL priority
func (n *Node) Send(id peer.ID, data []byte) error {
	return n.SendEx(id, data, queue.Normal, protocol.FlagReliable, 0)
}

// SendEx is the full-form send: priority, delivery flags and an
// optional coalescing key. UNRELIABLE sends bypass the queue and go out
// as a UDP envelope immediately; everything else is admitted to the
// peer queue under the current backpressure policy.
func (n *Node) SendEx(id peer.ID, data []byte, pri queue.Priority, flags protocol.MsgFlags, key uint32) error {
	n.check()
	if err := n.ensureLive(); err != nil {
		return err
	}
	if len(data) == 0 || len(data) > protocol.MaxMessageSize {
		return protocol.ErrInvalidParam
	}
	if pri > queue.Critical {
		return protocol.ErrInvalidParam
	}
	if flags == 0 || flags&^protocol.ValidMsgFlags != 0 {
		return protocol.ErrInvalidParam
	}
	p := n.registry.Get(id)
	if p == nil {
		return protocol.ErrPeerNotFound
	}
	if flags&protocol.FlagUnreliable != 0 {
		return n.sendUnreliable(p, data)
	}
	if p.State != peer.Connected && p.State != peer.Connecting {
		return protocol.ErrInvalidState
	}
	_, err := p.Queue.TryPush(data, pri, flags, key)
	return err
}

// Broadcast enqueues data to every CONNECTED peer. With no connected
// peers it returns ErrPeerNotFound.
func (n *Node) Broadcast(data []byte) error {
	n.check()
	if err := n.ensureLive(); err != nil {
		return err
	}
	if len(data) == 0 || len(data) > protocol.MaxMessageSize {
		return protocol.ErrInvalidParam
	}
	sent := 0
	var firstErr error
	n.registry.ForEach(func(p *peer.Peer) {
		if p.State != peer.Connected {
			return
		}
		if _, err := p.Queue.TryPush(data, queue.Normal, protocol.FlagReliable, 0); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		sent++
	})
	if sent == 0 && firstErr == nil {
		return protocol.ErrPeerNotFound
	}
	if sent == 0 {
		return firstErr
	}
	return nil
}

// sendUnreliable is the UDP fast path: encode, hand to the transport,
// never retry
func (n *Node) sendUnreliable(p *peer.Peer, data []byte) error {
	if n.msgSock == nil {
		return protocol.ErrInvalidState
	}
	env := protocol.UDPEnvelope{SenderPort: n.msgSock.LocalPort(), Payload: data}
	b, err := env.MarshalBinary()
	if err != nil {
		return err
	}
	dst := &net.UDPAddr{IP: p.Addr, Port: int(p.UDPPort)}
	if _, err := n.msgSock.WriteTo(b, dst); err != nil {
		p.Counters.Dropped++
		n.log.Debugf(logging.Network, "udp send to peer %d failed: %v", p.ID, err)
		return protocol.ErrTransport
	}
	p.Counters.BytesSent += uint32(len(b))
	p.Counters.MessagesSent++
	n.counters.IncBytesSent(uint32(len(b)))
	n.counters.IncMessagesSent()
	return nil
}

// writeFrame frames a control or data message and writes it to the
// peer's session, retaining any unwritten tail for the next poll
func (n *Node) writeFrame(p *peer.Peer, t protocol.MessageType, payload []byte) {
	s, ok := p.Stream.(*session)
	if !ok || s == nil {
		return
	}
	p.SendSeq++
	hdr := protocol.MsgHeader{
		Version:    protocol.Version,
		Type:       t,
		Flags:      protocol.FlagReliable,
		Sequence:   p.SendSeq,
		PayloadLen: uint16(len(payload)),
	}
	frame := protocol.AppendMessage(n.frameBuf[:0], &hdr, payload)
	n.writeOut(p, s, frame)
}

// writeOut pushes bytes to the stream, accounting and retaining the
// remainder on partial progress. With a backlog already pending the
// frame queues behind it to preserve ordering.
func (n *Node) writeOut(p *peer.Peer, s *session, b []byte) {
	if len(p.PendingWrite) > 0 {
		p.PendingWrite = append(p.PendingWrite, b...)
		return
	}
	nw, err := s.stream.Write(b)
	if nw > 0 {
		p.Counters.BytesSent += uint32(nw)
		n.counters.IncBytesSent(uint32(nw))
	}
	if err != nil {
		n.log.Debugf(logging.Network, "write to peer %d: %v", p.ID, err)
		n.teardown(p, peer.ReasonTransportError)
		return
	}
	if nw < len(b) {
		p.PendingWrite = append(p.PendingWrite[:0], b[nw:]...)
	}
}

// flushPending retries the unwritten tail from a previous poll.
// Returns true once the peer has no backlog.
func (n *Node) flushPending(p *peer.Peer) bool {
	if len(p.PendingWrite) == 0 {
		return true
	}
	s, ok := p.Stream.(*session)
	if !ok || s == nil {
		p.PendingWrite = nil
		return true
	}
	nw, err := s.stream.Write(p.PendingWrite)
	if nw > 0 {
		p.Counters.BytesSent += uint32(nw)
		n.counters.IncBytesSent(uint32(nw))
		p.PendingWrite = p.PendingWrite[:copy(p.PendingWrite, p.PendingWrite[nw:])]
	}
	if err != nil {
		n.teardown(p, peer.ReasonTransportError)
		return false
	}
	return len(p.PendingWrite) == 0
}

// sendPing stamps the current time into a PING frame
func (n *Node) sendPing(p *peer.Peer, now time.Time) {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now.UnixNano()))
	n.writeFrame(p, protocol.MessagePing, ts[:])
	p.LastPingSent = now
}
