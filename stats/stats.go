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
Package stats implements statistics collection and reporting: global and
per-peer counters, rolling latency with a derived quality score, and a
Prometheus exporter for embedders that want scraping.
*/
package stats

import (
	"sync/atomic"

	"github.com/eclesh/welford"
)

// Stats is the metric collection interface used by the engine
type Stats interface {
	// IncBytesSent atomically adds n to the counter
	IncBytesSent(n uint32)

	// IncBytesRecv atomically adds n to the counter
	IncBytesRecv(n uint32)

	// IncMessagesSent atomically adds 1 to the counter
	IncMessagesSent()

	// IncMessagesRecv atomically adds 1 to the counter
	IncMessagesRecv()

	// IncDiscoverySent atomically adds 1 to the counter
	IncDiscoverySent()

	// IncDiscoveryRecv atomically adds 1 to the counter
	IncDiscoveryRecv()

	// IncConnectionsAccepted atomically adds 1 to the counter
	IncConnectionsAccepted()

	// IncConnectionsRejected atomically adds 1 to the counter
	IncConnectionsRejected()

	// IncPeersDiscovered atomically adds 1 to the counter
	IncPeersDiscovered()

	// IncPeersConnected atomically adds 1 to the counter
	IncPeersConnected()

	// DecPeersConnected atomically removes 1 from the counter
	DecPeersConnected()

	// Snapshot returns a copy of all counters. Each counter is read
	// atomically; the set is not read as one atomic unit.
	Snapshot() Global
}

// Global is a snapshot of the process-wide counters. All counters are
// 32-bit and wrap silently; consumers tracking long-run growth must
// detect wrap themselves.
type Global struct {
	BytesSent           uint32
	BytesReceived       uint32
	MessagesSent        uint32
	MessagesReceived    uint32
	DiscoverySent       uint32
	DiscoveryReceived   uint32
	ConnectionsAccepted uint32
	ConnectionsRejected uint32
	PeersDiscovered     uint32
	PeersConnected      uint32
}

// Counters is the atomic Stats implementation
type Counters struct {
	bytesSent       atomic.Uint32
	bytesRecv       atomic.Uint32
	messagesSent    atomic.Uint32
	messagesRecv    atomic.Uint32
	discoverySent   atomic.Uint32
	discoveryRecv   atomic.Uint32
	connsAccepted   atomic.Uint32
	connsRejected   atomic.Uint32
	peersDiscovered atomic.Uint32
	peersConnected  atomic.Uint32
}

// NewCounters returns a zeroed Counters
func NewCounters() *Counters {
	return &Counters{}
}

// IncBytesSent atomically adds n to the counter
func (c *Counters) IncBytesSent(n uint32) { c.bytesSent.Add(n) }

// IncBytesRecv atomically adds n to the counter
func (c *Counters) IncBytesRecv(n uint32) { c.bytesRecv.Add(n) }

// IncMessagesSent atomically adds 1 to the counter
func (c *Counters) IncMessagesSent() { c.messagesSent.Add(1) }

// IncMessagesRecv atomically adds 1 to the counter
func (c *Counters) IncMessagesRecv() { c.messagesRecv.Add(1) }

// IncDiscoverySent atomically adds 1 to the counter
func (c *Counters) IncDiscoverySent() { c.discoverySent.Add(1) }

// IncDiscoveryRecv atomically adds 1 to the counter
func (c *Counters) IncDiscoveryRecv() { c.discoveryRecv.Add(1) }

// IncConnectionsAccepted atomically adds 1 to the counter
func (c *Counters) IncConnectionsAccepted() { c.connsAccepted.Add(1) }

// IncConnectionsRejected atomically adds 1 to the counter
func (c *Counters) IncConnectionsRejected() { c.connsRejected.Add(1) }

// IncPeersDiscovered atomically adds 1 to the counter
func (c *Counters) IncPeersDiscovered() { c.peersDiscovered.Add(1) }

// IncPeersConnected atomically adds 1 to the counter
func (c *Counters) IncPeersConnected() { c.peersConnected.Add(1) }

// DecPeersConnected atomically removes 1 from the counter
func (c *Counters) DecPeersConnected() { c.peersConnected.Add(^uint32(0)) }

// Snapshot returns a copy of all counters
func (c *Counters) Snapshot() Global {
	return Global{
		BytesSent:           c.bytesSent.Load(),
		BytesReceived:       c.bytesRecv.Load(),
		MessagesSent:        c.messagesSent.Load(),
		MessagesReceived:    c.messagesRecv.Load(),
		DiscoverySent:       c.discoverySent.Load(),
		DiscoveryReceived:   c.discoveryRecv.Load(),
		ConnectionsAccepted: c.connsAccepted.Load(),
		ConnectionsRejected: c.connsRejected.Load(),
		PeersDiscovered:     c.peersDiscovered.Load(),
		PeersConnected:      c.peersConnected.Load(),
	}
}

// PeerCounters are the per-peer data counters. They are only touched
// from the poll thread, so plain fields suffice.
type PeerCounters struct {
	BytesSent        uint32
	BytesReceived    uint32
	MessagesSent     uint32
	MessagesReceived uint32
	Dropped          uint32
}

// Aggregate summarizes latency across a set of peers for one snapshot
type Aggregate struct {
	Peers  int
	MeanMs float64
	StdMs  float64
	MinMs  float64
	MaxMs  float64
}

// AggregateLatency folds per-peer latency samples (milliseconds) into
// fleet-level statistics
func AggregateLatency(samples []float64) Aggregate {
	w := welford.New()
	for _, s := range samples {
		w.Add(s)
	}
	if w.Count() == 0 {
		return Aggregate{}
	}
	return Aggregate{
		Peers:  int(w.Count()),
		MeanMs: w.Mean(),
		StdMs:  w.Stddev(),
		MinMs:  w.Min(),
		MaxMs:  w.Max(),
	}
}
