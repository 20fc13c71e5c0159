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
	"time"

	log "github.com/sirupsen/logrus"
)

// writeSlice bounds how long a poll-driven Write may occupy the socket
// before handing the remainder back to the caller
const writeSlice = time.Millisecond

// readSlice bounds how long a poll-driven Read, ReadFrom or Accept waits
// when nothing is pending. The deadline must lie in the future: an
// already-expired deadline fails the call before the socket is tried.
const readSlice = time.Millisecond

// TCPListener accepts reliable sessions without blocking the poll loop
type TCPListener struct {
	ln   *net.TCPListener
	port uint16
}

// ListenTCP binds a stream listener on port
func ListenTCP(port uint16) (*TCPListener, error) {
	lc := net.ListenConfig{Control: sockoptControl(false)}
	ln, err := lc.Listen(context.Background(), "tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding tcp port %d: %w", port, err)
	}
	tl := ln.(*net.TCPListener)
	local := tl.Addr().(*net.TCPAddr)
	log.Debugf("listening on %s", local)
	return &TCPListener{ln: tl, port: uint16(local.Port)}, nil
}

// Accept returns one pending connection, or ok=false when none arrives
// within readSlice
func (l *TCPListener) Accept() (Stream, bool) {
	if err := l.ln.SetDeadline(time.Now().Add(readSlice)); err != nil {
		return nil, false
	}
	conn, err := l.ln.AcceptTCP()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, false
		}
		log.Debugf("accept: %v", err)
		return nil, false
	}
	return NewTCPStream(conn), true
}

// Port returns the bound port
func (l *TCPListener) Port() uint16 {
	return l.port
}

// Close stops the listener
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// TCPStream adapts a kernel TCP connection to poll-driven,
// non-blocking reads and bounded writes
type TCPStream struct {
	conn *net.TCPConn
}

// NewTCPStream wraps an accepted or dialed connection. Nagle is
// disabled; the batch assembler already packs small messages.
func NewTCPStream(conn *net.TCPConn) *TCPStream {
	_ = conn.SetNoDelay(true)
	return &TCPStream{conn: conn}
}

// Dial opens a session to addr, bounded by timeout. The engine runs
// this off the poll thread and collects the result on a later poll.
func Dial(addr *net.TCPAddr, timeout time.Duration) (*TCPStream, error) {
	conn, err := net.DialTimeout("tcp4", addr.String(), timeout)
	if err != nil {
		return nil, err
	}
	return NewTCPStream(conn.(*net.TCPConn)), nil
}

// Read drains pending bytes; (0, nil) when nothing arrives within
// readSlice
func (s *TCPStream) Read(b []byte) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(readSlice)); err != nil {
		return 0, err
	}
	n, err := s.conn.Read(b)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// Write transmits what the socket accepts within the write slice and
// reports the count; a timeout with partial progress is not an error
func (s *TCPStream) Write(b []byte) (int, error) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeSlice)); err != nil {
		return 0, err
	}
	n, err := s.conn.Write(b)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// RemoteAddr returns the peer's address
func (s *TCPStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close tears the connection down
func (s *TCPStream) Close() error {
	return s.conn.Close()
}
