// Copyright (c) 2025 Joshua Skootsky
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
//
// Alternatively, you can license this code under a commercial license.
// Contact: joshua.skootsky@gmail.com

// Package ring provides a wait-free, single-producer single-consumer (SPSC)
// byte ring buffer with O(1) operations and zero allocations per write/read.
//
// # Thread-Safety Guarantees
//
// This ring buffer is lock-free and wait-free for its documented use case:
//   - Single goroutine may call TryWrite (the producer)
//   - Single goroutine may call TryRead (the consumer)
//   - All other goroutines must not access the buffer
//
// Violating these constraints (multiple producers or consumers) will cause
// data races and undefined behavior.
//
// # Performance Characteristics
//
//   - Wait-free O(1) operations: both TryWrite and TryRead complete in constant time
//   - Zero allocations: the backing array is pre-allocated at creation
//   - Cache-line padding: prevents false sharing between producer and consumer indices
//   - Non-blocking: TryWrite reports Full instead of overwriting; TryRead reports Empty
//     instead of blocking
//
// # Byte-stream semantics
//
// Unlike a slot-based ring, this buffer has no notion of a "message" — it
// moves raw bytes. TryWrite copies exactly len(p) bytes in; TryRead copies up
// to len(buf) bytes out, stopping early only when the ring runs dry. Callers
// that need message boundaries preserved must read with a buffer sized to
// exactly one message, symmetric with how it was written. See the server
// package for how the broker's ingress/consumer pair satisfies this.
//
// # Usage Example
//
//	r, err := ring.New(64 * 1024) // capacity must be a power of 2
//
//	// Producer goroutine
//	go func() {
//	    for i := 0; i < 100; i++ {
//	        r.TryWrite(payload)
//	    }
//	}()
//
//	// Consumer goroutine
//	buf := make([]byte, len(payload))
//	for i := 0; i < 100; i++ {
//	    if n, err := r.TryRead(buf); err == nil {
//	        process(buf[:n])
//	    }
//	}
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
)

const cacheLineSize = 64

// ErrTooLarge is returned by TryWrite when the payload exceeds the ring's
// per-message cap of Capacity()/4.
var ErrTooLarge = errors.New("ring: message exceeds maximum payload size")

// ErrFull is returned by TryWrite when the ring does not have enough free
// space for the payload. It is transient: the caller should retry.
var ErrFull = errors.New("ring: buffer full")

// ErrEmpty is returned by TryRead when the ring has no unread bytes. It is
// transient: the caller should retry.
var ErrEmpty = errors.New("ring: buffer empty")

// Ring is a single-producer single-consumer (SPSC) byte ring buffer.
// It provides wait-free, O(1) TryWrite and TryRead operations with zero
// allocations on the hot path.
//
// The buffer has a fixed capacity set at creation time and uses a mask
// (capacity-1) for efficient offset calculation via bitwise AND — capacity
// must be a power of two.
//
// # Counter semantics
//
// producerIndex and consumerIndex are absolute, monotonically increasing
// byte counts, not offsets into the backing array — the offset for
// absolute position p is p & mask. Both counters are free to wrap past
// 2^64; all arithmetic on them is unsigned wrapping arithmetic, so the
// distance producerIndex-consumerIndex stays meaningful across a wrap.
//
// # False sharing
//
// producerIndex and consumerIndex are separated by cache-line padding: the
// producer goroutine only ever stores producerIndex and loads
// consumerIndex, and vice versa for the consumer, so without padding the
// two indices would ping-pong between core caches on every operation.
type Ring struct {
	data []byte
	mask uint64

	producerIndex atomic.Uint64
	_             [cacheLineSize - 8]byte

	consumerIndex atomic.Uint64
	_             [cacheLineSize - 8]byte
}

// New creates a new Ring with the given capacity in bytes.
//
// capacity must be a power of two (1, 2, 4, ..., 256<<20, ...). This
// requirement enables index calculation via bitwise AND with the mask
// instead of a modulo, and keeps the maximum-payload check
// (capacity/4) an exact shift.
//
// Returns an error if capacity is zero or not a power of two.
func New(capacity uint64) (*Ring, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring: capacity %d must be a power of two", capacity)
	}

	return &Ring{
		data: make([]byte, capacity),
		mask: capacity - 1,
	}, nil
}

// Capacity returns the fixed capacity of the ring, in bytes.
func (r *Ring) Capacity() uint64 {
	return r.mask + 1
}

// MaxPayload returns the largest single payload TryWrite will accept:
// Capacity()/4.
func (r *Ring) MaxPayload() uint64 {
	return r.Capacity() / 4
}

// TryWrite attempts to copy p into the ring. It is wait-free: it either
// succeeds immediately or returns ErrFull/ErrTooLarge immediately, never
// blocking.
//
// TryWrite must only ever be called from a single producer goroutine;
// concurrent callers will race on producerIndex.
func (r *Ring) TryWrite(p []byte) error {
	size := uint64(len(p))
	if size > r.MaxPayload() {
		return ErrTooLarge
	}

	producerIndex := r.producerIndex.Load()
	consumerIndex := r.consumerIndex.Load()

	capacity := r.mask + 1
	if producerIndex-consumerIndex > capacity-size {
		return ErrFull
	}

	writeOffset := producerIndex & r.mask
	r.copyIn(writeOffset, p)

	r.producerIndex.Store(producerIndex + size)
	return nil
}

// TryRead attempts to copy up to len(buf) bytes out of the ring, returning
// the number of bytes actually copied. It is wait-free: it either succeeds
// immediately (possibly with fewer bytes than requested) or returns
// ErrEmpty immediately, never blocking.
//
// TryRead must only ever be called from a single consumer goroutine;
// concurrent callers will race on consumerIndex.
func (r *Ring) TryRead(buf []byte) (int, error) {
	consumerIndex := r.consumerIndex.Load()
	producerIndex := r.producerIndex.Load()

	if consumerIndex == producerIndex {
		return 0, ErrEmpty
	}

	available := producerIndex - consumerIndex
	n := uint64(len(buf))
	if n > available {
		n = available
	}

	readOffset := consumerIndex & r.mask
	r.copyOut(readOffset, buf[:n])

	r.consumerIndex.Store(consumerIndex + n)
	return int(n), nil
}

// Occupancy returns the number of unread bytes currently in the ring, as
// observed by the caller. It is a snapshot — by the time it returns, a
// concurrent producer or consumer may have already changed it.
func (r *Ring) Occupancy() uint64 {
	return r.producerIndex.Load() - r.consumerIndex.Load()
}

// copyIn writes src into the backing array starting at offset, splitting
// the copy across the wrap boundary when src does not fit before the end
// of the array.
func (r *Ring) copyIn(offset uint64, src []byte) {
	capacity := uint64(len(r.data))
	firstLen := capacity - offset
	if firstLen >= uint64(len(src)) {
		copy(r.data[offset:], src)
		return
	}
	copy(r.data[offset:], src[:firstLen])
	copy(r.data[0:], src[firstLen:])
}

// copyOut reads len(dst) bytes from the backing array starting at offset
// into dst, splitting the copy across the wrap boundary when the read
// range crosses the end of the array.
func (r *Ring) copyOut(offset uint64, dst []byte) {
	capacity := uint64(len(r.data))
	firstLen := capacity - offset
	if firstLen >= uint64(len(dst)) {
		copy(dst, r.data[offset:])
		return
	}
	copy(dst, r.data[offset:])
	copy(dst[firstLen:], r.data[0:])
}
