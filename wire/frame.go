// Package wire implements the broker's network frame header: a fixed
// 8-byte, little-endian, unpadded layout preceding every batch body.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed, packed length of a frame header in bytes.
const HeaderSize = 8

// ErrZeroSize is returned when a header's Size field is zero.
var ErrZeroSize = errors.New("wire: header size must be >= 1")

// ErrZeroBatch is returned when a header's Batch field is zero.
var ErrZeroBatch = errors.New("wire: header batch must be >= 1")

// ErrShortHeader is returned by Decode when fewer than HeaderSize
// bytes are available.
var ErrShortHeader = errors.New("wire: buffer shorter than header size")

// Header is the fixed-layout frame header: size is the length in bytes of
// one payload in the following batch, batch is the number of payloads.
// The body following the header is exactly Size*Batch bytes.
type Header struct {
	Size  uint32
	Batch uint32
}

// BodyLen returns the number of body bytes this header describes.
func (h Header) BodyLen() uint64 {
	return uint64(h.Size) * uint64(h.Batch)
}

// Validate returns an error if Size or Batch is zero — batch bodies of
// zero length are protocol errors per the wire spec.
func (h Header) Validate() error {
	if h.Size == 0 {
		return ErrZeroSize
	}
	if h.Batch == 0 {
		return ErrZeroBatch
	}
	return nil
}

// Encode writes h into a HeaderSize-byte array, little-endian, with no
// padding between fields.
func Encode(h Header) [HeaderSize]byte {
	var out [HeaderSize]byte
	binary.LittleEndian.PutUint32(out[0:4], h.Size)
	binary.LittleEndian.PutUint32(out[4:8], h.Batch)
	return out
}

// Decode reads a Header out of b. b's backing array need not be
// word-aligned — encoding/binary performs unaligned-safe byte-at-a-time
// loads, matching the spec's requirement that the header tolerate
// unaligned recv-buffer placement.
func Decode(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: got %d bytes", ErrShortHeader, len(b))
	}
	return Header{
		Size:  binary.LittleEndian.Uint32(b[0:4]),
		Batch: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}
