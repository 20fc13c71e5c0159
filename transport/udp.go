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

package transport

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// UDPSocket is a Datagram over a kernel UDP socket
type UDPSocket struct {
	conn *net.UDPConn
	port uint16
}

// sockoptControl sets SO_REUSEADDR (multiple PeerTalk processes share a
// box in tests) and optionally SO_BROADCAST before bind
func sockoptControl(broadcast bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if serr == nil && broadcast {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}

// ListenUDP binds a datagram socket on port. A discovery socket needs
// broadcast=true to emit to the limited-broadcast address.
func ListenUDP(port uint16, broadcast bool) (*UDPSocket, error) {
	lc := net.ListenConfig{Control: sockoptControl(broadcast)}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding udp port %d: %w", port, err)
	}
	conn := pc.(*net.UDPConn)
	local := conn.LocalAddr().(*net.UDPAddr)
	log.Debugf("bound udp socket on %s", local)
	return &UDPSocket{conn: conn, port: uint16(local.Port)}, nil
}

// WriteTo sends one datagram to addr
func (s *UDPSocket) WriteTo(b []byte, addr *net.UDPAddr) (int, error) {
	return s.conn.WriteToUDP(b, addr)
}

// ReadFrom receives one pending datagram, waiting at most readSlice
// when none is queued
func (s *UDPSocket) ReadFrom(b []byte) (int, *net.UDPAddr, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(readSlice)); err != nil {
		return 0, nil, err
	}
	n, addr, err := s.conn.ReadFromUDP(b)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	return n, addr, nil
}

// LocalPort returns the bound port
func (s *UDPSocket) LocalPort() uint16 {
	return s.port
}

// Close releases the socket
func (s *UDPSocket) Close() error {
	return s.conn.Close()
}
