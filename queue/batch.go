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

package queue

import "encoding/binary"

// Batch packing limits
const (
	BatchMax        = 4096 // packed buffer cap, entry headers included
	BatchMaxEntries = 255
	batchHeaderSize = 4 // {length:u16 be, reserved:u16=0} per entry
)

// Batch packs multiple queued payloads into one write buffer. Each entry
// is a 2-byte big-endian length, two zero reserved bytes, then the raw
// payload. A Batch is reused across poll cycles via Init.
type Batch struct {
	buf   [BatchMax]byte
	used  int
	count int
}

// Init resets the batch to empty
func (b *Batch) Init() {
	b.used = 0
	b.count = 0
}

// Add appends one payload. Returns false without modifying the batch
// when the payload would overflow the buffer or the entry count.
func (b *Batch) Add(payload []byte) bool {
	if b.used+batchHeaderSize+len(payload) > BatchMax || b.count == BatchMaxEntries {
		return false
	}
	binary.BigEndian.PutUint16(b.buf[b.used:], uint16(len(payload)))
	b.buf[b.used+2] = 0
	b.buf[b.used+3] = 0
	copy(b.buf[b.used+batchHeaderSize:], payload)
	b.used += batchHeaderSize + len(payload)
	b.count++
	return true
}

// Prepare finalizes the batch for transmission: for a non-empty batch it
// advances the peer's wrapping send sequence and returns the packed
// size. An empty batch returns 0 and leaves the sequence untouched.
func (b *Batch) Prepare(seq *uint16) int {
	if b.count == 0 {
		return 0
	}
	*seq++
	return b.used
}

// Bytes returns the packed entries
func (b *Batch) Bytes() []byte {
	return b.buf[:b.used]
}

// Count returns the number of packed entries
func (b *Batch) Count() int {
	return b.count
}

// Used returns the packed size in bytes
func (b *Batch) Used() int {
	return b.used
}
