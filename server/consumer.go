package server

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"go.uber.org/zap"

	"github.com/wlvchandler/go-broker/config"
	"github.com/wlvchandler/go-broker/message"
	"github.com/wlvchandler/go-broker/ring"
)

// statsInterval is how often the consumer emits a stats line, measured in
// consumed messages, per spec.md §4.6.
const statsInterval = 1_000_000

// Stats holds the consumer's running counters. Only the consumer goroutine
// ever writes them; they are atomics so Server.Stats can be read safely
// from any goroutine, including tests.
type Stats struct {
	Consumed  atomic.Uint64
	Processed atomic.Uint64
	Errors    atomic.Uint64
	Stale     atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats' counters.
type Snapshot struct {
	Consumed, Processed, Errors, Stale uint64
}

// Load takes a snapshot of s. Individual fields may be updated
// concurrently by the consumer goroutine, so the four counters are not
// guaranteed to be mutually consistent to the nanosecond — callers doing
// exact end-to-end counting should wait for the relevant connection to be
// fully drained first.
func (s *Stats) Load() Snapshot {
	return Snapshot{
		Consumed:  s.Consumed.Load(),
		Processed: s.Processed.Load(),
		Errors:    s.Errors.Load(),
		Stale:     s.Stale.Load(),
	}
}

// runConsumer drains rb into a double-buffered scratch space, parsing
// each payload as a message.Message and accounting it into one of three
// counters: processed, stale, or errors. It stops when ctx is cancelled,
// which happens when the server accepts a new connection and supersedes
// this one.
//
// frameSize is read once per TryRead call to size that read to exactly
// one payload — see DESIGN.md's "message-boundary semantics" entry for
// why this is necessary given the Ring's pure byte-stream contract.
// frameSize is owned by the Server, not this connection's goroutines, so
// a consumer started right after a handoff still sizes its reads against
// whatever frame size is actually sitting in the ring, even if this
// connection's ingress hasn't read a header yet.
func runConsumer(ctx context.Context, rb *ring.Ring, frameSize *atomic.Uint32, stats *Stats, cfg config.Config, log *zap.SugaredLogger) error {
	scratchSize := cfg.BufferChunk * cfg.BatchSize
	scratch := [2][]byte{
		make([]byte, scratchSize),
		make([]byte, scratchSize),
	}
	current := 0

	clock := timecache.NewWithResolution(time.Millisecond)
	defer clock.Stop()

	logStats := func() {
		snap := stats.Load()
		log.Infow("consumer stats",
			"consumed", snap.Consumed,
			"processed", snap.Processed,
			"errors", snap.Errors,
			"stale", snap.Stale,
		)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		buf := scratch[current]
		offset := 0

		for iter := 0; iter < cfg.BatchSize; {
			if ctx.Err() != nil {
				return nil
			}

			remaining := len(buf) - offset
			if remaining <= 0 {
				break
			}

			readLen := remaining
			if size := int(frameSize.Load()); size > 0 && size < remaining {
				readLen = size
			} else if size > remaining && offset > 0 {
				// No room left for a whole payload in this buffer; continue
				// in the other one rather than splitting the payload.
				break
			}

			n, err := rb.TryRead(buf[offset : offset+readLen])
			if err != nil {
				if offset > 0 {
					break
				}
				runtime.Gosched()
				continue
			}

			consumed := stats.Consumed.Add(1)

			msg, parseErr := message.Parse(buf[offset : offset+n])
			switch {
			case parseErr != nil:
				stats.Errors.Add(1)
			case !msg.Process(clock.CachedTime()):
				stats.Stale.Add(1)
			default:
				stats.Processed.Add(1)
			}

			if consumed%statsInterval == 0 {
				logStats()
			}

			offset += n
			iter++
		}

		current = 1 - current
	}
}
