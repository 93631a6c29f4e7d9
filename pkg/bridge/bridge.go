// Package bridge implements the per-UUID byte pump shared by the relay
// server's slaves and the relay client's proxy, plus the single
// controller-writer goroutine that serializes frames onto the shared
// control socket (see spec.md §9's "single controller-writer task"
// redesign: this replaces a mutex-guarded socket with a buffered channel
// drained by one goroutine).
package bridge

import (
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Enqueue once the bridge or writer has shut down.
var ErrClosed = errors.New("bridge: closed")

const readBurstSize = 32 * 1024

// Bridge pairs a TCP socket with an outbound queue of payloads waiting to be
// written to it. One Bridge exists per external session (keyed by UUID) on
// both the server (the public TCP socket) and the client (the local TCP
// socket).
type Bridge struct {
	ID   uuid.UUID
	Conn net.Conn

	outbound chan []byte
	closeMu  sync.Mutex
	closed   bool
	done     chan struct{}
}

// New creates a Bridge around conn with an outbound queue of the given
// depth. CLOSE frames for this bridge's ID must be enqueued by the caller on
// the same outbound queue that carries DATA for it (see Enqueue), so close
// never overtakes data already queued.
func New(id uuid.UUID, conn net.Conn, queueDepth int) *Bridge {
	return &Bridge{
		ID:       id,
		Conn:     conn,
		outbound: make(chan []byte, queueDepth),
		done:     make(chan struct{}),
	}
}

// Enqueue queues payload to be written to Conn, in order. It returns
// ErrClosed if the bridge has already been closed.
func (b *Bridge) Enqueue(payload []byte) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.outbound <- payload:
		return nil
	case <-b.done:
		return ErrClosed
	}
}

// Done returns a channel that is closed once the bridge has torn down.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Close stops further Enqueue calls from succeeding and unblocks WriteLoop.
// It does not close Conn itself: WriteLoop closes Conn only after it has
// drained any payload already queued, so CLOSE can never overtake DATA
// enqueued earlier for this bridge (spec.md §5). If WriteLoop is never
// started for this bridge, Conn is left open; every production caller pairs
// WriteLoop with ReadLoop, so this only matters for tests that exercise
// ReadLoop alone. Idempotent.
func (b *Bridge) Close() {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

// WriteLoop drains the outbound queue and writes each payload to Conn in
// full. On Close it flushes whatever is already queued before closing Conn,
// so no payload enqueued before Close is ever dropped. It returns when the
// bridge is closed or a write fails (in which case it closes the bridge
// itself).
func (b *Bridge) WriteLoop(log zerolog.Logger) {
	defer b.Conn.Close()
	for {
		select {
		case payload := <-b.outbound:
			if !b.write(log, payload) {
				return
			}
		case <-b.done:
			b.drain(log)
			return
		}
	}
}

func (b *Bridge) write(log zerolog.Logger, payload []byte) bool {
	if _, err := b.Conn.Write(payload); err != nil {
		log.Warn().Err(err).Str("bridge", b.ID.String()).Msg("bridge write failed")
		b.Close()
		return false
	}
	return true
}

// drain flushes whatever is already sitting in outbound, without blocking
// for new sends. Called once WriteLoop has observed done, so Enqueue can no
// longer add to the queue concurrently with this loop exiting it.
func (b *Bridge) drain(log zerolog.Logger) {
	for {
		select {
		case payload := <-b.outbound:
			if !b.write(log, payload) {
				return
			}
		default:
			return
		}
	}
}

// ReadLoop reads bursts from Conn — the bytes obtained from one Read call,
// i.e. the data available in a single readable event — and invokes onBurst
// with each non-empty burst. On EOF or a read error it closes the bridge and
// calls onClose exactly once. onBurst errors are treated like read errors.
func (b *Bridge) ReadLoop(log zerolog.Logger, onBurst func([]byte) error, onClose func()) {
	buf := make([]byte, readBurstSize)
	for {
		n, err := b.Conn.Read(buf)
		if n > 0 {
			burst := append([]byte(nil), buf[:n]...)
			if berr := onBurst(burst); berr != nil {
				log.Warn().Err(berr).Str("bridge", b.ID.String()).Msg("bridge burst handling failed")
				break
			}
		}
		if err != nil {
			break
		}
	}
	b.Close()
	onClose()
}
