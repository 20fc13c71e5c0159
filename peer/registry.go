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

package peer

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/peertalk/peertalk/protocol"
	"github.com/peertalk/peertalk/queue"
)

// endpoint keys a registry entry by network identity
type endpoint struct {
	addr string
	port uint16
}

// Registry owns every peer record. It is poll-thread-only; producers
// reach peers exclusively through their send queues.
type Registry struct {
	nextID   ID
	maxPeers int
	queueCap int

	peers  map[ID]*Peer
	byAddr map[endpoint]ID
	names  *Intern

	// insertion order, for stable Peers() listings
	order []ID
}

// NewRegistry creates a registry bounded to maxPeers records, each with
// a send queue of queueCap slots
func NewRegistry(maxPeers, queueCap int) *Registry {
	return &Registry{
		nextID:   1,
		maxPeers: maxPeers,
		queueCap: queueCap,
		peers:    map[ID]*Peer{},
		byAddr:   map[endpoint]ID{},
		names:    NewIntern(),
	}
}

// Names exposes the intern table
func (r *Registry) Names() *Intern {
	return r.names
}

// Upsert finds the record for (addr, tcpPort) or creates one in
// DISCOVERED state. The bool result reports creation. Returns
// ErrInvalidState when the registry is full.
func (r *Registry) Upsert(name string, addr net.IP, tcpPort, udpPort uint16, transports protocol.Transports) (*Peer, bool, error) {
	key := endpoint{addr: addr.String(), port: tcpPort}
	if id, ok := r.byAddr[key]; ok {
		p := r.peers[id]
		// a re-announce may carry a changed name or UDP port
		idx, err := r.names.Intern(name)
		if err == nil {
			p.NameIdx = idx
		}
		p.UDPPort = udpPort
		p.Transports = transports
		return p, false, nil
	}
	if len(r.peers) >= r.maxPeers {
		return nil, false, protocol.ErrInvalidState
	}
	idx, err := r.names.Intern(name)
	if err != nil {
		return nil, false, err
	}
	q, err := queue.New(r.queueCap)
	if err != nil {
		return nil, false, err
	}
	ip := make(net.IP, len(addr))
	copy(ip, addr)
	p := &Peer{
		ID:         r.nextID,
		NameIdx:    idx,
		Addr:       ip,
		TCPPort:    tcpPort,
		UDPPort:    udpPort,
		State:      Discovered,
		Transports: transports,
		Queue:      q,
		LastSeen:   time.Now(),
	}
	r.nextID++
	r.peers[p.ID] = p
	r.byAddr[key] = p.ID
	r.order = append(r.order, p.ID)
	log.Debugf("registered peer %d (%s) at %s:%d", p.ID, name, addr, tcpPort)
	return p, true, nil
}

// Get returns the record for id, or nil
func (r *Registry) Get(id ID) *Peer {
	return r.peers[id]
}

// Snapshot returns a detached copy of the record for id
func (r *Registry) Snapshot(id ID) (Info, bool) {
	p, ok := r.peers[id]
	if !ok {
		return Info{}, false
	}
	return p.Snapshot(), true
}

// Peers returns snapshots of up to limit records in registration order.
// limit <= 0 means all.
func (r *Registry) Peers(limit int) []Info {
	if limit <= 0 || limit > len(r.order) {
		limit = len(r.order)
	}
	out := make([]Info, 0, limit)
	for _, id := range r.order {
		if len(out) == limit {
			break
		}
		if p, ok := r.peers[id]; ok {
			out = append(out, p.Snapshot())
		}
	}
	return out
}

// ForEach visits every record. The callback must not add or remove
// records.
func (r *Registry) ForEach(fn func(*Peer)) {
	for _, id := range r.order {
		if p, ok := r.peers[id]; ok {
			fn(p)
		}
	}
}

// Len returns the number of records, DEAD included
func (r *Registry) Len() int {
	return len(r.peers)
}

// Remove reaps a record. The id is never reused.
func (r *Registry) Remove(id ID) {
	p, ok := r.peers[id]
	if !ok {
		return
	}
	delete(r.byAddr, endpoint{addr: p.Addr.String(), port: p.TCPPort})
	delete(r.peers, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Transition is one state change produced by a sweep
type Transition struct {
	ID     ID
	From   State
	To     State
	Reason DisconnectReason
}

// SweepConfig carries the timeout knobs for SweepTimeouts
type SweepConfig struct {
	Now              time.Time
	PeerTimeout      time.Duration
	DiscoveryTimeout time.Duration
	AutoCleanup      bool

	// OnDead runs for each record about to be reaped, while it is
	// still in the registry. The engine uses it to release transports.
	OnDead func(*Peer)
}

// SweepTimeouts applies timeout-driven transitions: CONNECTING and
// CONNECTED peers with no activity within PeerTimeout go DEAD;
// DISCOVERED peers unrefreshed within DiscoveryTimeout are reaped when
// auto-cleanup is on. DEAD records are removed under auto-cleanup.
// Returned transitions drive the embedder callbacks.
func (r *Registry) SweepTimeouts(cfg SweepConfig) []Transition {
	var out []Transition
	var reap []ID
	for _, id := range r.order {
		p, ok := r.peers[id]
		if !ok {
			continue
		}
		idle := cfg.Now.Sub(p.LastSeen)
		switch p.State {
		case Connecting, Connected, Disconnecting:
			if idle > cfg.PeerTimeout {
				out = append(out, Transition{ID: id, From: p.State, To: Dead, Reason: ReasonTimeout})
				p.State = Dead
			}
		case Discovered:
			if cfg.AutoCleanup && idle > cfg.DiscoveryTimeout {
				out = append(out, Transition{ID: id, From: Discovered, To: Dead, Reason: ReasonTimeout})
				p.State = Dead
			}
		}
		if p.State == Dead && cfg.AutoCleanup {
			reap = append(reap, id)
		}
	}
	for _, id := range reap {
		if cfg.OnDead != nil {
			cfg.OnDead(r.peers[id])
		}
		log.Debugf("reaping dead peer %d", id)
		r.Remove(id)
	}
	return out
}
