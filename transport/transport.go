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
Package transport provides the socket plug points the PeerTalk engine
drives from its poll loop: a datagram socket for discovery and
unreliable messaging, and stream listeners/connections for reliable
sessions. Nothing blocks beyond a short bounded wait; "no data" is a
normal result, not an error. The engine never sees a *net.UDPConn or
*net.TCPConn, only these interfaces, so embedders can substitute their own transports.
*/
package transport

import "net"

// Datagram is a connectionless socket
type Datagram interface {
	// WriteTo sends one datagram to addr
	WriteTo(b []byte, addr *net.UDPAddr) (int, error)

	// ReadFrom receives one pending datagram without blocking. When
	// nothing is queued it returns (0, nil, nil).
	ReadFrom(b []byte) (int, *net.UDPAddr, error)

	// LocalPort returns the bound port
	LocalPort() uint16

	Close() error
}

// Stream is one reliable byte-stream connection
type Stream interface {
	// Read drains pending bytes without blocking; (0, nil) means no
	// data ready. A closed connection returns io.EOF.
	Read(b []byte) (int, error)

	// Write transmits as much of b as the socket accepts right now and
	// returns the count; the caller keeps the remainder for the next
	// poll cycle.
	Write(b []byte) (int, error)

	RemoteAddr() net.Addr
	Close() error
}

// Listener accepts incoming stream connections
type Listener interface {
	// Accept returns one pending connection, or ok=false when none is
	// waiting
	Accept() (Stream, bool)

	// Port returns the bound port
	Port() uint16

	Close() error
}

// Broadcast returns the limited-broadcast destination for a port
func Broadcast(port uint16) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4bcast, Port: int(port)}
}
