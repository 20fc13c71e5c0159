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
Package queue implements the per-peer bounded send queue: four priority
tiers over one shared slot budget, lock-free producers (including an
interrupt-style fast path), coalescing by caller-supplied key, and
fill-derived backpressure levels. It also provides the batch assembler
that packs queued payloads for a single transport write.

The producer paths never allocate, never block on a lock and never log;
this package deliberately has no logging import.
*/
package queue

import (
	"sync/atomic"
	"time"

	"github.com/peertalk/peertalk/protocol"
)

// Priority orders messages within a queue. Higher values drain first.
type Priority uint8

// Priorities, lowest to highest
const (
	Low Priority = iota
	Normal
	High
	Critical

	numPriorities = 4
)

// String representation of a Priority
func (p Priority) String() string {
	switch p {
	case Low:
		return "LOW"
	case Normal:
		return "NORMAL"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	default:
		return "INVALID"
	}
}

// Backpressure is the qualitative congestion tier derived from queue fill
type Backpressure uint8

// Backpressure levels
const (
	BackpressureNone Backpressure = iota
	BackpressureLight
	BackpressureHeavy
	BackpressureBlocking
)

// String representation of a Backpressure level
func (b Backpressure) String() string {
	switch b {
	case BackpressureNone:
		return "NONE"
	case BackpressureLight:
		return "LIGHT"
	case BackpressureHeavy:
		return "HEAVY"
	case BackpressureBlocking:
		return "BLOCKING"
	default:
		return "INVALID"
	}
}

// Capacity limits. Capacity must be a power of two.
const (
	MaxCapacity       = 128
	MaxCapacityLowMem = 32 // published for low-memory embedding profiles
)

// MaxPayload is the largest payload a single slot holds
const MaxPayload = protocol.MaxMessageSize

const queueMagic uint32 = 0x51504d51 // 'QPMQ'

// Msg describes a message returned by Pop. The payload itself is copied
// into the caller's buffer.
type Msg struct {
	Len      int
	Priority Priority
	Flags    protocol.MsgFlags
	Enqueued time.Time
}

// slot is one ring cell. seq is the ring sequence (Vyukov bounded-queue
// protocol: seq==pos means free for the producer claiming pos, seq==pos+1
// means published for the consumer). wseq is the coalescing seqlock: odd
// while a producer is overwriting the payload in place.
type slot struct {
	seq      atomic.Uint32
	wseq     atomic.Uint32
	key      uint32
	buf      uint32
	length   uint32
	flags    protocol.MsgFlags
	enqueued int64
}

// ring is a bounded MPMC ring of slots for one priority tier
type ring struct {
	head  atomic.Uint32
	tail  atomic.Uint32
	slots []slot
}

func (r *ring) init(capacity uint32) {
	r.slots = make([]slot, capacity)
	for i := range r.slots {
		r.slots[i].seq.Store(uint32(i))
	}
}

// Queue is a bounded multi-producer send queue with four priority tiers.
// All producers are lock-free; consumers may run concurrently with
// producers and with each other.
type Queue struct {
	magic    uint32
	capacity uint32
	mask     uint32
	count    atomic.Int32

	rings [numPriorities]ring

	// payload storage: capacity fixed buffers recycled through a free
	// ring, so no producer path ever allocates
	bufs     [][]byte
	freeHead atomic.Uint32
	freeTail atomic.Uint32
	freeSeq  []atomic.Uint32
	freeIdx  []uint32
}

// New creates a queue with the given slot capacity. Capacity must be a
// power of two no larger than MaxCapacity.
func New(capacity int) (*Queue, error) {
	if capacity <= 0 || capacity > MaxCapacity || capacity&(capacity-1) != 0 {
		return nil, protocol.ErrInvalidParam
	}
	q := &Queue{
		magic:    queueMagic,
		capacity: uint32(capacity),
		mask:     uint32(capacity) - 1,
	}
	for i := range q.rings {
		q.rings[i].init(uint32(capacity))
	}
	q.bufs = make([][]byte, capacity)
	q.freeIdx = make([]uint32, capacity)
	q.freeSeq = make([]atomic.Uint32, capacity)
	for i := 0; i < capacity; i++ {
		q.bufs[i] = make([]byte, MaxPayload)
		q.freeIdx[i] = uint32(i)
		q.freeSeq[i].Store(uint32(i) + 1) // free ring starts full
	}
	q.freeTail.Store(uint32(capacity))
	return q, nil
}

func (q *Queue) check() {
	if q == nil || q.magic != queueMagic {
		panic("queue: corrupted magic sentinel")
	}
}

// acquireBuf pops a payload buffer index off the free ring. The count
// reservation taken by the caller guarantees a buffer is present or
// about to be released, so the wait is bounded.
func (q *Queue) acquireBuf() uint32 {
	pos := q.freeHead.Add(1) - 1
	i := pos & q.mask
	for q.freeSeq[i].Load() != pos+1 {
	}
	idx := q.freeIdx[i]
	q.freeSeq[i].Store(pos + q.capacity)
	return idx
}

// releaseBuf returns a payload buffer index to the free ring
func (q *Queue) releaseBuf(idx uint32) {
	pos := q.freeTail.Add(1) - 1
	i := pos & q.mask
	for q.freeSeq[i].Load() != pos {
	}
	q.freeIdx[i] = idx
	q.freeSeq[i].Store(pos + 1)
}

// reserve takes one unit of the shared slot budget, or reports full
func (q *Queue) reserve() bool {
	if q.count.Add(1) > int32(q.capacity) {
		q.count.Add(-1)
		return false
	}
	return true
}

// enqueue claims a ring slot at the given priority and publishes the
// payload. The caller must hold a count reservation.
func (q *Queue) enqueue(pri Priority, payload []byte, flags protocol.MsgFlags, key uint32) {
	r := &q.rings[pri]
	pos := r.tail.Add(1) - 1
	s := &r.slots[pos&q.mask]
	// the count reservation bounds ring occupancy, so the slot is free
	// or being released right now
	for s.seq.Load() != pos {
	}
	buf := q.acquireBuf()
	copy(q.bufs[buf], payload)
	s.buf = buf
	s.length = uint32(len(payload))
	s.flags = flags
	s.key = key
	s.enqueued = time.Now().UnixNano()
	s.seq.Store(pos + 1)
}

// level maps a live count to a backpressure tier. Thresholds are 50%,
// 75% and 90% of capacity; HEAVY is inclusive of the 90% boundary.
func (q *Queue) level(count int32) Backpressure {
	fill := uint64(count) * 100
	cap100 := uint64(q.capacity)
	switch {
	case fill > 90*cap100:
		return BackpressureBlocking
	case fill >= 75*cap100:
		return BackpressureHeavy
	case fill >= 50*cap100:
		return BackpressureLight
	default:
		return BackpressureNone
	}
}

// admissionFloor reports whether pri is admitted at the given level
func admissionFloor(level Backpressure, pri Priority) bool {
	switch level {
	case BackpressureHeavy:
		return pri >= Normal
	case BackpressureBlocking:
		return pri == Critical
	default:
		return true
	}
}

func validPayload(payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxPayload {
		return protocol.ErrInvalidParam
	}
	return nil
}

// Push enqueues a payload at the given priority. A nonzero key coalesces:
// if a pending message with the same key and priority exists, its payload
// is overwritten in place and the queue count does not change. Push does
// not consult backpressure; it refuses only when the queue is full.
func (q *Queue) Push(payload []byte, pri Priority, key uint32) error {
	q.check()
	if err := validPayload(payload); err != nil {
		return err
	}
	if pri > Critical {
		return protocol.ErrInvalidParam
	}
	if key != 0 && q.coalesce(pri, key, payload) {
		return nil
	}
	if !q.reserve() {
		return protocol.ErrQueueFull
	}
	q.enqueue(pri, payload, protocol.FlagReliable, key)
	return nil
}

// TryPush is Push with backpressure-aware admission: it refuses
// priorities below the current level's floor. The returned level is the
// one observed at admission time, reported on both success and refusal.
func (q *Queue) TryPush(payload []byte, pri Priority, flags protocol.MsgFlags, key uint32) (Backpressure, error) {
	q.check()
	level := q.level(q.count.Load())
	if err := validPayload(payload); err != nil {
		return level, err
	}
	if pri > Critical {
		return level, protocol.ErrInvalidParam
	}
	if key != 0 && q.coalesce(pri, key, payload) {
		return level, nil
	}
	// CRITICAL bypasses the floor and is admitted while any slot is free
	if pri != Critical && !admissionFloor(level, pri) {
		return level, protocol.ErrQueueFull
	}
	if !q.reserve() {
		return q.level(q.count.Load()), protocol.ErrQueueFull
	}
	q.enqueue(pri, payload, flags, key)
	return level, nil
}

// PushISR is the interrupt-context producer path: one fetch-add tail
// reservation, no allocation, no locks taken, no logging. Messages are
// admitted at NORMAL priority with no coalescing, and refused only when
// the queue is strictly full — interrupt producers carry no backpressure
// policy.
func (q *Queue) PushISR(payload []byte) error {
	q.check()
	if err := validPayload(payload); err != nil {
		return err
	}
	if !q.reserve() {
		return protocol.ErrQueueFull
	}
	q.enqueue(Normal, payload, protocol.FlagReliable, 0)
	return nil
}

// coalesce scans the priority ring for a pending message with the same
// key and overwrites its payload in place under the slot seqlock.
// Returns false when no live match was found and a normal push should
// proceed.
func (q *Queue) coalesce(pri Priority, key uint32, payload []byte) bool {
	r := &q.rings[pri]
	head := r.head.Load()
	tail := r.tail.Load()
	for pos := head; pos != tail; pos++ {
		s := &r.slots[pos&q.mask]
		if s.seq.Load() != pos+1 || s.key != key {
			continue
		}
		w := s.wseq.Load()
		if w&1 != 0 || !s.wseq.CompareAndSwap(w, w+1) {
			// another producer owns the write lock; treat as no match
			continue
		}
		// re-verify the slot was not consumed while we took the lock
		if s.seq.Load() != pos+1 || s.key != key {
			s.wseq.Store(w + 2)
			continue
		}
		copy(q.bufs[s.buf], payload)
		s.length = uint32(len(payload))
		s.enqueued = time.Now().UnixNano()
		s.wseq.Store(w + 2)
		return true
	}
	return false
}

// Pop removes the highest-priority oldest message, copying its payload
// into buf. buf must be at least MaxPayload bytes. Returns false when
// the queue is empty.
func (q *Queue) Pop(buf []byte) (Msg, bool) {
	q.check()
	for p := int(Critical); p >= int(Low); p-- {
		if m, ok := q.pop(&q.rings[p], buf); ok {
			m.Priority = Priority(p)
			return m, true
		}
	}
	return Msg{}, false
}

func (q *Queue) pop(r *ring, buf []byte) (Msg, bool) {
	for {
		pos := r.head.Load()
		s := &r.slots[pos&q.mask]
		seq := s.seq.Load()
		switch {
		case seq == pos+1:
			if !r.head.CompareAndSwap(pos, pos+1) {
				continue // another consumer claimed it
			}
		case int32(seq-(pos+1)) < 0:
			return Msg{}, false // empty or being published
		default:
			continue
		}
		// claimed; a coalescing producer may still own the slot seqlock
		// and be overwriting the payload, so take the lock before the
		// copy and before retiring the slot
		var w uint32
		for {
			w = s.wseq.Load()
			if w&1 == 0 && s.wseq.CompareAndSwap(w, w+1) {
				break
			}
		}
		n := int(s.length)
		copy(buf[:n], q.bufs[s.buf][:n])
		m := Msg{Len: n, Flags: s.flags, Enqueued: time.Unix(0, s.enqueued)}
		q.releaseBuf(s.buf)
		s.seq.Store(pos + q.capacity)
		s.wseq.Store(w + 2)
		q.count.Add(-1)
		return m, true
	}
}

// Len returns the number of queued messages
func (q *Queue) Len() int {
	q.check()
	return int(q.count.Load())
}

// Empty reports whether no messages are queued
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// Capacity returns the slot capacity
func (q *Queue) Capacity() int {
	q.check()
	return int(q.capacity)
}

// BackpressureLevel returns the current fill-derived congestion tier
func (q *Queue) BackpressureLevel() Backpressure {
	q.check()
	return q.level(q.count.Load())
}
