package message

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestEncodeParse_RoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01}, 1004)
	wire := Encode(123456789, 42, payload)

	m, err := Parse(wire)
	if err != nil {
		t.Fatal(err)
	}
	if m.Timestamp != 123456789 || m.Sequence != 42 {
		t.Fatalf("unexpected header fields: %+v", m)
	}
	if !bytes.Equal(m.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestParse_ShortPayload(t *testing.T) {
	if _, err := Parse(make([]byte, 19)); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}

func TestParse_TamperedChecksum(t *testing.T) {
	wire := Encode(1, 1, []byte("hello"))
	wire[16] ^= 0x01 // tamper the low checksum byte

	if _, err := Parse(wire); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestParse_TamperedTimestamp(t *testing.T) {
	wire := Encode(1, 1, []byte("hello"))
	wire[0] ^= 0xFF

	if _, err := Parse(wire); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum after tampering timestamp, got %v", err)
	}
}

func TestProcess_FreshMessage(t *testing.T) {
	now := time.Unix(0, 5_000_000_000)
	wire := Encode(uint64(now.UnixNano())-100_000_000, 1, []byte{0xAA, 0xBB})

	m, err := Parse(wire)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Process(now) {
		t.Fatal("expected fresh message to process successfully")
	}
}

func TestProcess_StaleMessage(t *testing.T) {
	now := time.Unix(0, 5_000_000_000)
	wire := Encode(uint64(now.UnixNano())-2_000_000_000, 1, []byte{0xAA, 0xBB})

	m, err := Parse(wire)
	if err != nil {
		t.Fatal(err)
	}
	if m.Process(now) {
		t.Fatal("expected message older than the freshness window to be stale")
	}
}

func TestProcess_ExactlyAtFreshnessBoundary(t *testing.T) {
	now := time.Unix(0, 5_000_000_000)
	wire := Encode(uint64(now.UnixNano())-1_000_000_000, 1, nil)

	m, err := Parse(wire)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Process(now) {
		t.Fatal("age exactly equal to the freshness window should still be fresh (strict >)")
	}
}
