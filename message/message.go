// Package message implements the broker's application payload layout: a
// 20-byte timestamp/sequence/checksum prefix followed by opaque bytes, with
// a checksum-validated Parse and a freshness-checked Process.
package message

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"
)

// HeaderSize is the fixed length, in bytes, of the timestamp+sequence+
// checksum prefix that precedes every message's opaque payload.
const HeaderSize = 20

// FreshnessWindow is the maximum permitted age between a message's
// timestamp and the receiver's wall clock at parse/process time.
const FreshnessWindow = time.Second

// ErrShortPayload is returned by Parse when data is too short to contain
// the fixed prefix.
var ErrShortPayload = errors.New("message: payload shorter than header size")

// ErrChecksum is returned by Parse when the recomputed checksum does not
// match the checksum carried in the payload.
var ErrChecksum = errors.New("message: checksum mismatch")

// Message is a timestamped, sequenced, checksummed application payload.
type Message struct {
	Timestamp uint64
	Sequence  uint64
	Checksum  uint32
	Payload   []byte
}

// checksum computes the wire checksum over ts, seq and payload: xxHash64
// over their little-endian byte sequences in that order, truncated to the
// low 32 bits. xxHash64 (not xxHash3) is what the example corpus provides
// a Go implementation for; see DESIGN.md for why this substitutes for the
// spec's "xxHash3 low32" recommendation.
func checksum(ts, seq uint64, payload []byte) uint32 {
	var prefix [16]byte
	binary.LittleEndian.PutUint64(prefix[0:8], ts)
	binary.LittleEndian.PutUint64(prefix[8:16], seq)

	d := xxhash.New()
	d.Write(prefix[:])
	d.Write(payload)
	return uint32(d.Sum64())
}

// Encode builds the wire representation of a message: the 20-byte
// timestamp/sequence/checksum prefix followed by payload, ready to hand to
// a Client's Send.
func Encode(ts, seq uint64, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint64(out[0:8], ts)
	binary.LittleEndian.PutUint64(out[8:16], seq)
	binary.LittleEndian.PutUint32(out[16:20], checksum(ts, seq, payload))
	copy(out[HeaderSize:], payload)
	return out
}

// Parse decodes and validates a message from its wire bytes. It returns
// ErrShortPayload if data is too short to contain the fixed prefix, or
// ErrChecksum if the recomputed checksum does not match.
func Parse(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, ErrShortPayload
	}

	ts := binary.LittleEndian.Uint64(data[0:8])
	seq := binary.LittleEndian.Uint64(data[8:16])
	sum := binary.LittleEndian.Uint32(data[16:20])
	payload := data[HeaderSize:]

	if got := checksum(ts, seq, payload); got != sum {
		return nil, ErrChecksum
	}

	return &Message{
		Timestamp: ts,
		Sequence:  seq,
		Checksum:  sum,
		Payload:   payload,
	}, nil
}

// Process reports whether m is still fresh as of now, and performs a
// trivial deterministic reduction over the payload to guarantee the bytes
// are actually touched (mirroring a real decode/handle step without
// pretending to know what the payload means).
//
// Process returns false for a stale message; it does not treat staleness
// as an error, since message.ErrChecksum-style sentinels are reserved for
// malformed wire data, not merely old data.
func (m *Message) Process(now time.Time) bool {
	nowNanos := uint64(now.UnixNano())
	if nowNanos < m.Timestamp {
		// Clock skew put the receive time before the send time; treat as
		// fresh rather than underflow the subtraction below.
		touch(m.Payload)
		return true
	}

	age := time.Duration(nowNanos - m.Timestamp)
	if age > FreshnessWindow {
		return false
	}

	touch(m.Payload)
	return true
}

// touch performs a deterministic, data-dependent pass over payload so the
// compiler cannot prove the bytes are unused and elide the read.
func touch(payload []byte) uint32 {
	var sum uint32
	for i, b := range payload {
		sum += uint32(b) * uint32(i)
	}
	return sum
}
