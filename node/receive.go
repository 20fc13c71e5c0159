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
	"time"

	"github.com/peertalk/peertalk/logging"
	"github.com/peertalk/peertalk/peer"
	"github.com/peertalk/peertalk/protocol"
	"github.com/peertalk/peertalk/transport"
)

// rxPhase is the receive state machine phase
type rxPhase uint8

const (
	rxHeader rxPhase = iota
	rxPayload
	rxCRC
)

// session is the opaque transport handle stored on a peer record: the
// stream plus the incremental receive state for it
type session struct {
	stream transport.Stream

	phase   rxPhase
	header  [protocol.HeaderSize]byte
	crc     [protocol.CrcSize]byte
	got     int // bytes accumulated in the current phase
	hdr     protocol.MsgHeader
	payload []byte // reused across messages, sized to the declared length
}

func newSession(stream transport.Stream) *session {
	return &session{stream: stream}
}

// reset returns the machine to HEADER for the next frame
func (s *session) reset() {
	s.phase = rxHeader
	s.got = 0
}

// feed advances the state machine over one chunk of stream bytes.
// Completed messages are handed to the dispatch callback; a protocol
// violation stops the walk with an error, after which the engine tears
// the connection down. There is no resync heuristic.
func (s *session) feed(b []byte, dispatch func(hdr *protocol.MsgHeader, payload []byte)) error {
	for len(b) > 0 {
		switch s.phase {
		case rxHeader:
			c := copy(s.header[s.got:], b)
			s.got += c
			b = b[c:]
			if s.got < protocol.HeaderSize {
				return nil
			}
			if err := protocol.UnmarshalHeader(&s.hdr, s.header[:]); err != nil {
				return err
			}
			// a BATCH frame carries up to a full packed batch; every
			// other frame carries at most one message
			limit := uint16(protocol.MaxMessageSize)
			if s.hdr.Type == protocol.MessageBatch {
				limit = protocol.MaxBatchSize
			}
			if s.hdr.PayloadLen > limit {
				return protocol.ErrInvalidParam
			}
			if cap(s.payload) < int(s.hdr.PayloadLen) {
				s.payload = make([]byte, s.hdr.PayloadLen)
			}
			s.payload = s.payload[:s.hdr.PayloadLen]
			s.got = 0
			if s.hdr.PayloadLen == 0 {
				s.phase = rxCRC
			} else {
				s.phase = rxPayload
			}

		case rxPayload:
			c := copy(s.payload[s.got:], b)
			s.got += c
			b = b[c:]
			if s.got < len(s.payload) {
				return nil
			}
			s.got = 0
			s.phase = rxCRC

		case rxCRC:
			c := copy(s.crc[s.got:], b)
			s.got += c
			b = b[c:]
			if s.got < protocol.CrcSize {
				return nil
			}
			want := binary.BigEndian.Uint16(s.crc[:])
			if protocol.CheckMessage(s.header[:], s.payload, want) {
				dispatch(&s.hdr, s.payload)
			} else {
				dispatch(nil, nil) // CRC drop, reported for counting
			}
			s.reset()
		}
	}
	return nil
}

// readSession drains the peer's stream into its receive machine.
// Returns false when the session died and was torn down.
func (n *Node) readSession(p *peer.Peer, now time.Time) bool {
	s, ok := p.Stream.(*session)
	if !ok || s == nil {
		return true
	}
	buf := make([]byte, 4096)
	for {
		nr, err := s.stream.Read(buf)
		if err != nil {
			n.log.Debugf(logging.Network, "peer %d stream error: %v", p.ID, err)
			n.teardown(p, peer.ReasonTransportError)
			return false
		}
		if nr == 0 {
			return true
		}
		p.Touch(now)
		p.Counters.BytesReceived += uint32(nr)
		n.counters.IncBytesRecv(uint32(nr))
		ferr := s.feed(buf[:nr], func(hdr *protocol.MsgHeader, payload []byte) {
			n.dispatchFrame(p, hdr, payload, now)
		})
		if ferr != nil {
			n.log.Warnf(logging.Protocol, "peer %d protocol error: %v", p.ID, ferr)
			n.teardown(p, peer.ReasonProtocolError)
			return false
		}
	}
}

// dispatchFrame handles one validated frame (or a CRC drop when hdr is
// nil) on the poll thread
func (n *Node) dispatchFrame(p *peer.Peer, hdr *protocol.MsgHeader, payload []byte, now time.Time) {
	if hdr == nil {
		p.Counters.Dropped++
		n.log.Debugf(logging.Protocol, "peer %d: dropped frame with bad crc", p.ID)
		return
	}
	switch hdr.Type {
	case protocol.MessageData:
		p.Counters.MessagesReceived++
		n.counters.IncMessagesRecv()
		n.deliver(p.ID, payload)

	case protocol.MessageBatch:
		err := protocol.ForEachBatchEntry(payload, func(entry []byte) error {
			p.Counters.MessagesReceived++
			n.counters.IncMessagesRecv()
			n.deliver(p.ID, entry)
			return nil
		})
		if err != nil {
			p.Counters.Dropped++
		}

	case protocol.MessagePing:
		// echo the sender's timestamp straight back
		n.writeFrame(p, protocol.MessagePong, payload)

	case protocol.MessagePong:
		if len(payload) == 8 {
			sent := time.Unix(0, int64(binary.BigEndian.Uint64(payload)))
			p.Latency.Add(now.Sub(sent))
			p.LastPongRecv = now
		}

	default:
		n.log.Debugf(logging.Protocol, "peer %d: unsupported message type %s", p.ID, hdr.Type)
	}
}

func (n *Node) deliver(id peer.ID, payload []byte) {
	if n.cbs.OnMessageReceived != nil {
		n.cbs.OnMessageReceived(id, payload)
	}
}
