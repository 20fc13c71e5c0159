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
Package protocol implements the PeerTalk wire formats: discovery
datagrams, stream message framing and the unreliable UDP envelope, all
guarded by a CRC-16 trailer (see crc.go). All multi-byte integers are
big-endian on the wire.
*/
package protocol

import (
	"bytes"
	"encoding/binary"
)

// discoveryPrefixSize is the fixed part of a discovery packet before the
// variable-length name: magic(4) version(1) type(1) flags(1) port(2)
// transports(1) name_len(1)
const discoveryPrefixSize = 11

// udpPrefixSize is the fixed part of a UDP envelope:
// magic(4) port(2) payload_len(2)
const udpPrefixSize = 8

// DiscoveryPacket announces a peer's presence (or departure) on the
// discovery broadcast port
type DiscoveryPacket struct {
	Version    uint8
	Type       DiscoveryType
	Flags      DiscoveryFlags
	SenderPort uint16
	Transports Transports
	Name       string
}

// MarshalBinaryTo writes the packet into b and returns the number of
// bytes written
func (p *DiscoveryPacket) MarshalBinaryTo(b []byte) (int, error) {
	if len(p.Name) > MaxNameLen || bytes.IndexByte([]byte(p.Name), 0) >= 0 {
		return 0, ErrInvalidParam
	}
	total := discoveryPrefixSize + len(p.Name) + CrcSize
	if len(b) < total {
		return 0, ErrTruncated
	}
	copy(b[0:4], Magic[:])
	b[4] = p.Version
	b[5] = byte(p.Type)
	b[6] = byte(p.Flags)
	binary.BigEndian.PutUint16(b[7:], p.SenderPort)
	b[9] = byte(p.Transports)
	b[10] = byte(len(p.Name))
	copy(b[discoveryPrefixSize:], p.Name)
	crc := Crc16(b[:discoveryPrefixSize+len(p.Name)])
	binary.BigEndian.PutUint16(b[discoveryPrefixSize+len(p.Name):], crc)
	return total, nil
}

// MarshalBinary converts the packet to []byte
func (p *DiscoveryPacket) MarshalBinary() ([]byte, error) {
	buf := make([]byte, discoveryPrefixSize+MaxNameLen+CrcSize)
	n, err := p.MarshalBinaryTo(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// UnmarshalBinary parses and validates b. On any error the receiver is
// left untouched.
func (p *DiscoveryPacket) UnmarshalBinary(b []byte) error {
	if len(b) < discoveryPrefixSize {
		return ErrTruncated
	}
	if !bytes.Equal(b[0:4], Magic[:]) {
		return ErrMagic
	}
	if b[4] != Version {
		return ErrVersion
	}
	nameLen := int(b[10])
	if nameLen > MaxNameLen || len(b) < discoveryPrefixSize+nameLen+CrcSize {
		return ErrTruncated
	}
	crcOff := discoveryPrefixSize + nameLen
	if !Crc16Check(b[:crcOff], binary.BigEndian.Uint16(b[crcOff:])) {
		return ErrCRC
	}
	p.Version = b[4]
	p.Type = DiscoveryType(b[5])
	p.Flags = DiscoveryFlags(b[6])
	p.SenderPort = binary.BigEndian.Uint16(b[7:])
	p.Transports = Transports(b[9])
	p.Name = string(b[discoveryPrefixSize:crcOff])
	return nil
}

// MsgHeader is the fixed 7-byte header preceding every stream message
type MsgHeader struct {
	Version    uint8
	Type       MessageType
	Flags      MsgFlags
	Sequence   uint16
	PayloadLen uint16
}

// MarshalHeaderTo writes h into the first HeaderSize bytes of b
func MarshalHeaderTo(h *MsgHeader, b []byte) (int, error) {
	if len(b) < HeaderSize {
		return 0, ErrTruncated
	}
	b[0] = h.Version
	b[1] = byte(h.Type)
	b[2] = byte(h.Flags)
	binary.BigEndian.PutUint16(b[3:], h.Sequence)
	binary.BigEndian.PutUint16(b[5:], h.PayloadLen)
	return HeaderSize, nil
}

// UnmarshalHeader parses and validates the fixed header in b. The
// version byte is gated here; payload length sanity is the caller's
// policy (the receive machine tears the connection down on oversize).
func UnmarshalHeader(h *MsgHeader, b []byte) error {
	if len(b) < HeaderSize {
		return ErrTruncated
	}
	if b[0] != Version {
		return ErrVersion
	}
	h.Version = b[0]
	h.Type = MessageType(b[1])
	h.Flags = MsgFlags(b[2])
	h.Sequence = binary.BigEndian.Uint16(b[3:])
	h.PayloadLen = binary.BigEndian.Uint16(b[5:])
	return nil
}

// AppendMessage appends a complete framed message (header, payload, CRC
// over both) to dst and returns the extended slice
func AppendMessage(dst []byte, h *MsgHeader, payload []byte) []byte {
	start := len(dst)
	var hdr [HeaderSize]byte
	_, _ = MarshalHeaderTo(h, hdr[:])
	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	crc := Crc16(dst[start:])
	return binary.BigEndian.AppendUint16(dst, crc)
}

// CheckMessage verifies the CRC trailer of a framed message given the
// staged header and payload bytes
func CheckMessage(header, payload []byte, crc uint16) bool {
	return Crc16Update(Crc16(header), payload) == crc
}

// UDPEnvelope is the framing of a single unreliable datagram message
type UDPEnvelope struct {
	SenderPort uint16
	Payload    []byte
}

// MarshalBinaryTo writes the envelope into b and returns the number of
// bytes written
func (e *UDPEnvelope) MarshalBinaryTo(b []byte) (int, error) {
	if len(e.Payload) == 0 || len(e.Payload) > MaxMessageSize {
		return 0, ErrInvalidParam
	}
	total := udpPrefixSize + len(e.Payload) + CrcSize
	if len(b) < total {
		return 0, ErrTruncated
	}
	copy(b[0:4], UDPMagic[:])
	binary.BigEndian.PutUint16(b[4:], e.SenderPort)
	binary.BigEndian.PutUint16(b[6:], uint16(len(e.Payload)))
	copy(b[udpPrefixSize:], e.Payload)
	crc := Crc16(b[:udpPrefixSize+len(e.Payload)])
	binary.BigEndian.PutUint16(b[udpPrefixSize+len(e.Payload):], crc)
	return total, nil
}

// MarshalBinary converts the envelope to []byte
func (e *UDPEnvelope) MarshalBinary() ([]byte, error) {
	buf := make([]byte, udpPrefixSize+len(e.Payload)+CrcSize)
	n, err := e.MarshalBinaryTo(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// UnmarshalBinary parses and validates b. On any error the receiver is
// left untouched. The payload slice aliases b.
func (e *UDPEnvelope) UnmarshalBinary(b []byte) error {
	if len(b) < udpPrefixSize {
		return ErrTruncated
	}
	if !bytes.Equal(b[0:4], UDPMagic[:]) {
		return ErrMagic
	}
	plen := int(binary.BigEndian.Uint16(b[6:]))
	if plen > MaxMessageSize || len(b) < udpPrefixSize+plen+CrcSize {
		return ErrTruncated
	}
	crcOff := udpPrefixSize + plen
	if !Crc16Check(b[:crcOff], binary.BigEndian.Uint16(b[crcOff:])) {
		return ErrCRC
	}
	e.SenderPort = binary.BigEndian.Uint16(b[4:])
	e.Payload = b[udpPrefixSize:crcOff]
	return nil
}

// batchEntryHeader is {length:u16 be, reserved:u16=0} before each packed
// payload inside a MessageBatch frame
const batchEntryHeader = 4

// ForEachBatchEntry walks the packed entries of a batch payload,
// invoking fn with each entry's payload. A malformed entry stops the
// walk with ErrTruncated.
func ForEachBatchEntry(b []byte, fn func(payload []byte) error) error {
	for len(b) > 0 {
		if len(b) < batchEntryHeader {
			return ErrTruncated
		}
		plen := int(binary.BigEndian.Uint16(b))
		if plen == 0 || len(b) < batchEntryHeader+plen {
			return ErrTruncated
		}
		if err := fn(b[batchEntryHeader : batchEntryHeader+plen]); err != nil {
			return err
		}
		b = b[batchEntryHeader+plen:]
	}
	return nil
}
