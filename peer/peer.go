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
Package peer owns peer records: stable 32-bit ids, the interned name
table, the connection state machine and timeout-driven transitions.
Records never leave the registry; embedders see ids and value
snapshots.
*/
package peer

import (
	"fmt"
	"net"
	"time"

	"github.com/peertalk/peertalk/protocol"
	"github.com/peertalk/peertalk/queue"
	"github.com/peertalk/peertalk/stats"
)

// ID is a process-lifetime-unique peer identifier. Ids are assigned
// monotonically and never reused.
type ID uint32

// State is a peer's connection state
type State uint8

// Connection states
const (
	Discovered State = iota
	Connecting
	Connected
	Disconnecting
	Dead
)

// String representation of a State
func (s State) String() string {
	switch s {
	case Discovered:
		return "DISCOVERED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	case Dead:
		return "DEAD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// DisconnectReason explains a transition away from CONNECTED
type DisconnectReason uint8

// Disconnect reasons passed to the embedder callback
const (
	ReasonNone DisconnectReason = iota
	ReasonRequested
	ReasonTimeout
	ReasonProtocolError
	ReasonTransportError
	ReasonShutdown
)

// String representation of a DisconnectReason
func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRequested:
		return "requested"
	case ReasonTimeout:
		return "timeout"
	case ReasonProtocolError:
		return "protocol error"
	case ReasonTransportError:
		return "transport error"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Peer is one registry record. Everything except the send queue is
// owned by the poll thread.
type Peer struct {
	ID      ID
	NameIdx int
	Addr    net.IP // IPv4, big-endian on the wire
	TCPPort uint16
	UDPPort uint16

	State      State
	Transports protocol.Transports

	// opaque transport handles, managed by the engine
	Stream interface{}

	Queue *queue.Queue

	LastSeen     time.Time
	LastPingSent time.Time
	LastPongRecv time.Time

	Latency  stats.Latency
	Counters stats.PeerCounters

	// wrapping per-session send sequence
	SendSeq uint16

	// unwritten tail of a partially transmitted frame, flushed on the
	// next poll before new batches
	PendingWrite []byte
}

// Info is the read-only snapshot handed to embedders. Names are
// interned; resolve NameIdx through the registry.
type Info struct {
	ID        ID
	NameIdx   int
	Addr      net.IP
	TCPPort   uint16
	UDPPort   uint16
	State     State
	Quality   uint8
	LatencyMs uint16
	Counters  stats.PeerCounters
}

// Snapshot produces a detached copy of the observable fields
func (p *Peer) Snapshot() Info {
	addr := make(net.IP, len(p.Addr))
	copy(addr, p.Addr)
	return Info{
		ID:        p.ID,
		NameIdx:   p.NameIdx,
		Addr:      addr,
		TCPPort:   p.TCPPort,
		UDPPort:   p.UDPPort,
		State:     p.State,
		Quality:   p.Latency.Quality(),
		LatencyMs: p.Latency.MeanMs(),
		Counters:  p.Counters,
	}
}

// Touch records activity from the peer
func (p *Peer) Touch(now time.Time) {
	p.LastSeen = now
}

// Intern is the append-only peer name table. Entries are immutable once
// inserted and referenced by index.
type Intern struct {
	names []string
	index map[string]int
}

// NewIntern returns an empty name table
func NewIntern() *Intern {
	return &Intern{index: map[string]int{}}
}

// Intern returns the index for name, inserting it on first sight.
// Names longer than the wire limit are rejected.
func (t *Intern) Intern(name string) (int, error) {
	if len(name) > protocol.MaxNameLen {
		return 0, protocol.ErrInvalidParam
	}
	if idx, ok := t.index[name]; ok {
		return idx, nil
	}
	t.names = append(t.names, name)
	idx := len(t.names) - 1
	t.index[name] = idx
	return idx, nil
}

// Name resolves an intern index; empty string for an unknown index
func (t *Intern) Name(idx int) string {
	if idx < 0 || idx >= len(t.names) {
		return ""
	}
	return t.names[idx]
}

// Len returns the number of interned names
func (t *Intern) Len() int {
	return len(t.names)
}
