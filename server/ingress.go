package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wlvchandler/go-broker/ring"
	"github.com/wlvchandler/go-broker/wire"
)

// handleIngress reads frames off conn and writes each frame's payloads
// into rb, one TryWrite call per payload, retrying on ring.ErrFull until
// it succeeds or ctx is cancelled. It never drops and never partially
// writes a payload: every received payload reaches the ring in order,
// per spec.md §4.5.
//
// frameSize is updated with each frame's payload size before that frame's
// payloads are written, so the bound consumer can size its reads to
// match — see DESIGN.md for why this hint exists.
func handleIngress(ctx context.Context, conn net.Conn, rb *ring.Ring, frameSize *atomic.Uint32, log *zap.SugaredLogger) error {
	defer conn.Close()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			log.Warnw("failed to set TCP_NODELAY", "err", err, "remote", conn.RemoteAddr())
		}
	}

	var headerBuf [wire.HeaderSize]byte
	var bodyBuf []byte

	for {
		if ctx.Err() != nil {
			return nil
		}

		if _, err := io.ReadFull(conn, headerBuf[:]); err != nil {
			return endOfConnection(ctx, err)
		}

		header, err := wire.Decode(headerBuf[:])
		if err != nil {
			// Unreachable: headerBuf is always exactly HeaderSize bytes.
			return fmt.Errorf("ingress: decode header: %w", err)
		}

		if err := header.Validate(); err != nil {
			log.Warnw("protocol error, closing connection", "err", err, "remote", conn.RemoteAddr())
			return nil
		}

		bodyLen := header.BodyLen()
		if uint64(cap(bodyBuf)) < bodyLen {
			bodyBuf = make([]byte, bodyLen)
		} else {
			bodyBuf = bodyBuf[:bodyLen]
		}

		if _, err := io.ReadFull(conn, bodyBuf); err != nil {
			return endOfConnection(ctx, err)
		}

		frameSize.Store(header.Size)

		offset := uint64(0)
		payloadSize := uint64(header.Size)
		for i := uint32(0); i < header.Batch; i++ {
			payload := bodyBuf[offset : offset+payloadSize]

			for {
				err := rb.TryWrite(payload)
				if err == nil {
					break
				}
				if errors.Is(err, ring.ErrTooLarge) {
					log.Warnw("payload exceeds ring's maximum size, closing connection",
						"size", payloadSize, "max", rb.MaxPayload(), "remote", conn.RemoteAddr())
					return nil
				}
				// ring.ErrFull: backpressure. Yield and retry; TCP's
				// window closes on the sender while we stop reading.
				if ctx.Err() != nil {
					return nil
				}
				runtime.Gosched()
			}

			offset += payloadSize
		}
	}
}

// endOfConnection classifies a read error: a cancelled context or a clean
// EOF/reset both end the connection without being treated as a server
// fault; any other error propagates.
func endOfConnection(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("ingress: %w", err)
}
