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

import "errors"

// Error taxonomy shared by every PeerTalk package. The string forms of the
// wire validation errors are fixed and relied upon by tests and embedders.
var (
	ErrInvalidParam = errors.New("invalid parameter")
	ErrInvalidState = errors.New("invalid state")
	ErrPeerNotFound = errors.New("peer not found")
	ErrQueueFull    = errors.New("queue full")
	ErrTruncated    = errors.New("Truncated packet")
	ErrMagic        = errors.New("Invalid magic number")
	ErrVersion      = errors.New("Protocol version mismatch")
	ErrCRC          = errors.New("CRC validation failed")
	ErrTimeout      = errors.New("timeout")
	ErrTransport    = errors.New("transport failure")
)

// ErrorString returns the stable string form for any taxonomy error,
// "OK" for nil, and the plain Error() text for anything else.
func ErrorString(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrInvalidParam):
		return "INVALID_PARAM"
	case errors.Is(err, ErrInvalidState):
		return "INVALID_STATE"
	case errors.Is(err, ErrPeerNotFound):
		return "PEER_NOT_FOUND"
	case errors.Is(err, ErrQueueFull):
		return "QUEUE_FULL"
	case errors.Is(err, ErrTruncated):
		return "TRUNCATED"
	case errors.Is(err, ErrMagic):
		return "MAGIC"
	case errors.Is(err, ErrVersion):
		return "VERSION"
	case errors.Is(err, ErrCRC):
		return "CRC"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrTransport):
		return "TRANSPORT"
	default:
		return err.Error()
	}
}
