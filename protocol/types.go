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

package protocol

import "fmt"

// what version of the PeerTalk protocol we implement
const Version uint8 = 1

// Magic prefixes identifying PeerTalk packets on the wire
var (
	Magic    = [4]byte{'P', 'T', 'L', 'K'} // discovery datagrams
	UDPMagic = [4]byte{'P', 'T', 'U', 'D'} // unreliable message datagrams
)

// Default UDP/TCP port numbers. All are configurable per context.
const (
	PortDiscovery = 7353
	PortTCP       = 7354
	PortUDP       = 7355
)

// Wire size limits
const (
	HeaderSize     = 7    // stream message header
	CrcSize        = 2    // CRC-16 trailer
	MaxNameLen     = 31   // discovery peer name
	MaxMessageSize = 1024 // single message payload
	MaxBatchSize   = 4096 // packed batch buffer
)

// DiscoveryType is the type field of a discovery packet
type DiscoveryType uint8

// Discovery packet types
const (
	DiscoveryAnnounce DiscoveryType = 1
	DiscoveryGoodbye  DiscoveryType = 2
)

// String representation of a DiscoveryType
func (t DiscoveryType) String() string {
	switch t {
	case DiscoveryAnnounce:
		return "ANNOUNCE"
	case DiscoveryGoodbye:
		return "GOODBYE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// DiscoveryFlags describe the announcing host
type DiscoveryFlags uint8

// Discovery flag bits
const (
	DiscoveryFlagHost      DiscoveryFlags = 1 << 0 // peer can host sessions
	DiscoveryFlagAccepting DiscoveryFlags = 1 << 1 // peer accepts connections
)

// Transports is a bitmask of transports a peer is reachable over.
// AppleTalk is a legacy tag carried in discovery metadata for forward
// compatibility; it is never bound to a transport implementation.
type Transports uint8

// Transport bits
const (
	TransportTCP       Transports = 1 << 0
	TransportUDP       Transports = 1 << 1
	TransportAppleTalk Transports = 1 << 2
)

// MessageType is the type field of a stream message header
type MessageType uint8

// Stream message types
const (
	MessageData  MessageType = 1
	MessageBatch MessageType = 2
	MessagePing  MessageType = 3
	MessagePong  MessageType = 4
)

// String representation of a MessageType
func (t MessageType) String() string {
	switch t {
	case MessageData:
		return "DATA"
	case MessageBatch:
		return "BATCH"
	case MessagePing:
		return "PING"
	case MessagePong:
		return "PONG"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// MsgFlags carry per-message delivery hints
type MsgFlags uint8

// Message flag bits
const (
	FlagReliable   MsgFlags = 1 << 0 // deliver over the TCP session
	FlagUnreliable MsgFlags = 1 << 1 // deliver over the UDP side channel
	FlagNoDelay    MsgFlags = 1 << 2 // bypass batching when the queue is empty
)

// ValidMsgFlags is the set of flag bits a caller may pass to SendEx
const ValidMsgFlags = FlagReliable | FlagUnreliable | FlagNoDelay
