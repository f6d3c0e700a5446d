// Package client implements the broker's batching TCP writer: it
// accumulates fixed-size payloads and flushes one frame header plus batch
// body per threshold, the way spec.md §4.4 describes the original
// BrokerClient.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/agilira/go-timecache"

	"github.com/wlvchandler/go-broker/message"
	"github.com/wlvchandler/go-broker/wire"
)

const (
	defaultBatchSize   = 1024
	defaultBufferChunk = 128 << 10
)

// ErrMixedPayloadSize is returned by Send when called with a payload
// length different from the one already established for the in-flight
// batch. The wire protocol's header carries a single size per batch, so
// mixing sizes within a batch is rejected here rather than left undefined
// — the resolution spec.md §9 recommends for its own open question.
var ErrMixedPayloadSize = errors.New("client: payload size differs from the current batch's size")

// Client is a batching TCP writer: Send stages payloads and flushes a
// frame (header + batch body) once batchSize payloads have accumulated,
// or when Flush is called explicitly.
//
// A Client is owned exclusively by its caller; it has no internal
// goroutines and must not be shared across goroutines without external
// synchronization.
type Client struct {
	conn   net.Conn
	writer *bufio.Writer

	batch            []byte
	batchCount       uint32
	batchPayloadSize uint32

	totalSent uint64
	sequence  uint64

	batchSize uint32
	clock     *timecache.TimeCache
}

// Option configures a Client at construction time.
type Option func(*options)

type options struct {
	batchSize   uint32
	bufferChunk int
}

// WithBatchSize overrides the default batch threshold (1024 payloads).
func WithBatchSize(n uint32) Option {
	return func(o *options) { o.batchSize = n }
}

// WithBufferChunk overrides the default outbound bufio.Writer sizing unit
// (128 KiB); the writer's capacity is 4x this value.
func WithBufferChunk(n int) Option {
	return func(o *options) { o.bufferChunk = n }
}

// Connect dials addr over TCP, enables TCP_NODELAY, and returns a Client
// ready to Send.
func Connect(addr string, opts ...Option) (*Client, error) {
	o := options{batchSize: defaultBatchSize, bufferChunk: defaultBufferChunk}
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect to %s: %w", addr, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("client: set TCP_NODELAY: %w", err)
		}
	}

	return &Client{
		conn:      conn,
		writer:    bufio.NewWriterSize(conn, o.bufferChunk*4),
		batch:     make([]byte, 0, o.bufferChunk*int(o.batchSize)),
		batchSize: o.batchSize,
		clock:     timecache.NewWithResolution(time.Millisecond),
	}, nil
}

// Send appends payload to the current batch. Once batchCount reaches the
// configured batch size, Send emits the frame header and body and resets
// the batch.
//
// All payloads within a batch must be the same length; Send enforces this
// by returning ErrMixedPayloadSize rather than emitting a header whose
// Size field doesn't match every payload that follows it.
func (c *Client) Send(payload []byte) error {
	if c.batchCount == 0 {
		c.batchPayloadSize = uint32(len(payload))
	} else if uint32(len(payload)) != c.batchPayloadSize {
		return ErrMixedPayloadSize
	}

	c.batch = append(c.batch, payload...)
	c.batchCount++
	c.totalSent++

	if c.batchCount == c.batchSize {
		return c.emit()
	}
	return nil
}

// SendMessage is convenience sugar over Send: it stamps payload with the
// client's cached wall clock and an auto-incrementing sequence number via
// message.Encode, then calls Send with the result. It is additive to the
// spec's primitive Send(bytes), not a replacement for it.
func (c *Client) SendMessage(payload []byte) error {
	c.sequence++
	ts := uint64(c.clock.CachedTime().UnixNano())
	return c.Send(message.Encode(ts, c.sequence, payload))
}

// Flush emits whatever is currently staged, even if the batch hasn't
// reached its threshold, deriving Size from the staged payload size. It is
// a no-op if nothing is staged.
func (c *Client) Flush() error {
	if c.batchCount == 0 {
		return nil
	}
	return c.emit()
}

// TotalSent returns the number of payloads handed to Send so far
// (including ones still staged in the current, unflushed batch).
func (c *Client) TotalSent() uint64 {
	return c.totalSent
}

// Close flushes any staged batch and closes the underlying connection.
func (c *Client) Close() error {
	flushErr := c.Flush()
	closeErr := c.conn.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (c *Client) emit() error {
	header := wire.Header{Size: c.batchPayloadSize, Batch: c.batchCount}
	encoded := wire.Encode(header)

	if _, err := c.writer.Write(encoded[:]); err != nil {
		return fmt.Errorf("client: write header: %w", err)
	}
	if _, err := c.writer.Write(c.batch); err != nil {
		return fmt.Errorf("client: write batch body: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("client: flush: %w", err)
	}

	c.batch = c.batch[:0]
	c.batchCount = 0
	c.batchPayloadSize = 0
	return nil
}
