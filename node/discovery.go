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
	"github.com/peertalk/peertalk/transport"
)

// announcePacket builds this node's discovery packet
func (n *Node) announcePacket(t protocol.DiscoveryType) *protocol.DiscoveryPacket {
	flags := protocol.DiscoveryFlagHost
	if n.listening && n.cfg.autoAccept() {
		flags |= protocol.DiscoveryFlagAccepting
	}
	return &protocol.DiscoveryPacket{
		Version:    protocol.Version,
		Type:       t,
		Flags:      flags,
		SenderPort: n.cfg.TCPPort,
		Transports: n.cfg.Transports,
		Name:       n.cfg.LocalName,
	}
}

// announce broadcasts one ANNOUNCE and stamps the interval timer
func (n *Node) announce(now time.Time) {
	b, err := n.announcePacket(protocol.DiscoveryAnnounce).MarshalBinary()
	if err != nil {
		n.log.Errorf(logging.Protocol, "building announce: %v", err)
		return
	}
	if _, err := n.discoverySock.WriteTo(b, transport.Broadcast(n.cfg.DiscoveryPort)); err != nil {
		n.log.Warnf(logging.Network, "announce send: %v", err)
		return
	}
	n.counters.IncDiscoverySent()
	n.lastAnnounce = now
}

// sendGoodbye broadcasts a GOODBYE so peers drop us without waiting
// for timeouts. Best effort.
func (n *Node) sendGoodbye() {
	if n.discoverySock == nil {
		return
	}
	b, err := n.announcePacket(protocol.DiscoveryGoodbye).MarshalBinary()
	if err != nil {
		return
	}
	if _, err := n.discoverySock.WriteTo(b, transport.Broadcast(n.cfg.DiscoveryPort)); err == nil {
		n.counters.IncDiscoverySent()
	}
}

// readDiscovery consumes all pending discovery datagrams
func (n *Node) readDiscovery(now time.Time) {
	buf := make([]byte, 256)
	for {
		nr, addr, err := n.discoverySock.ReadFrom(buf)
		if err != nil {
			n.log.Debugf(logging.Network, "discovery read: %v", err)
			return
		}
		if nr == 0 {
			return
		}
		n.handleDiscovery(buf[:nr], addr, now)
	}
}

// handleDiscovery ingests one discovery datagram
func (n *Node) handleDiscovery(b []byte, from *net.UDPAddr, now time.Time) {
	var pkt protocol.DiscoveryPacket
	if err := pkt.UnmarshalBinary(b); err != nil {
		n.log.Debugf(logging.Protocol, "discovery packet from %s: %v", from, err)
		return
	}
	// our own broadcast loops back on every local interface
	if pkt.SenderPort == n.cfg.TCPPort && n.localAddrs[from.IP.String()] {
		return
	}
	n.counters.IncDiscoveryRecv()

	switch pkt.Type {
	case protocol.DiscoveryAnnounce:
		p, created, err := n.registry.Upsert(pkt.Name, from.IP, pkt.SenderPort, pkt.SenderPort+1, pkt.Transports)
		if err != nil {
			n.log.Warnf(logging.General, "peer table: %v", err)
			return
		}
		p.Touch(now)
		if created {
			n.counters.IncPeersDiscovered()
			n.log.Infof(logging.Network, "discovered peer %d (%s) at %s:%d", p.ID, pkt.Name, from.IP, pkt.SenderPort)
			if n.cbs.OnPeerDiscovered != nil {
				n.cbs.OnPeerDiscovered(p.ID, p.Snapshot())
			}
		}

	case protocol.DiscoveryGoodbye:
		p, _, err := n.registry.Upsert(pkt.Name, from.IP, pkt.SenderPort, pkt.SenderPort+1, pkt.Transports)
		if err != nil {
			return
		}
		n.log.Infof(logging.Network, "peer %d said goodbye", p.ID)
		wasConnected := p.State == peer.Connected
		n.closeSession(p)
		p.State = peer.Dead
		if wasConnected {
			n.counters.DecPeersConnected()
			if n.cbs.OnPeerDisconnected != nil {
				n.cbs.OnPeerDisconnected(p.ID, peer.ReasonRequested)
			}
		}
		if n.cbs.OnPeerLost != nil {
			n.cbs.OnPeerLost(p.ID, p.Snapshot())
		}

	default:
		n.log.Debugf(logging.Protocol, "unknown discovery type from %s: %s", from, pkt.Type)
	}
}
