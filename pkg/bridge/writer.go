package bridge

import (
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// Writer is the single writer for a control socket (the connection between
// the relay client and the relay server). Slaves and the master's own
// heartbeat/close logic push frames onto Writer instead of taking a mutex
// around the socket, so a frame is always written to completion before the
// next one starts and no goroutine blocks holding a lock across a network
// write.
type Writer struct {
	conn  net.Conn
	queue chan []byte
	once  sync.Once
	done  chan struct{}
}

// NewWriter creates a Writer for conn with the given queue depth.
func NewWriter(conn net.Conn, queueDepth int) *Writer {
	return &Writer{
		conn:  conn,
		queue: make(chan []byte, queueDepth),
		done:  make(chan struct{}),
	}
}

// Enqueue queues frame to be written whole, in order relative to every other
// Enqueue call on this Writer. Returns ErrClosed once the writer has
// stopped.
func (w *Writer) Enqueue(frame []byte) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.queue <- frame:
		return nil
	case <-w.done:
		return ErrClosed
	}
}

// Close stops accepting new frames and unblocks Run. Run closes the
// underlying connection itself, once it has flushed whatever was already
// queued, so a frame enqueued just before Close is never silently dropped.
// Idempotent.
func (w *Writer) Close() {
	w.once.Do(func() {
		close(w.done)
	})
}

// Done returns a channel closed once the writer has stopped accepting new
// frames. The connection itself may still be mid-flush; see Close.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Run drains the queue, writing each frame to completion, until Close is
// called or a write fails. On Close it flushes whatever is already queued
// before closing the connection.
func (w *Writer) Run(log zerolog.Logger) {
	defer w.conn.Close()
	for {
		select {
		case frame := <-w.queue:
			if !w.write(log, frame) {
				return
			}
		case <-w.done:
			w.drain(log)
			return
		}
	}
}

func (w *Writer) write(log zerolog.Logger, frame []byte) bool {
	if _, err := w.conn.Write(frame); err != nil {
		log.Warn().Err(err).Msg("control socket write failed")
		w.Close()
		return false
	}
	return true
}

func (w *Writer) drain(log zerolog.Logger) {
	for {
		select {
		case frame := <-w.queue:
			if !w.write(log, frame) {
				return
			}
		default:
			return
		}
	}
}
