package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/zsiec/moqtrelay/internal/wire"
)

// QueueCapacity is the recommended bounded-channel capacity from the
// concurrency model: large enough to absorb bursts, small enough that a
// stalled session's queue back-pressures its senders instead of growing
// without bound.
const QueueCapacity = 1024

// ErrUnknownSession reports an Enqueue against a session with no
// registered writer (already closed, or never registered).
var ErrUnknownSession = errors.New("dispatch: no control queue for that session")

type controlQueue struct {
	out    chan []byte
	cancel context.CancelFunc
}

// ControlDispatcher routes outbound control messages to each session's
// bidirectional-stream writer goroutine, one queue per session.
type ControlDispatcher struct {
	log *slog.Logger

	mu     sync.Mutex
	queues map[string]*controlQueue
}

// NewControlDispatcher returns an empty dispatcher.
func NewControlDispatcher() *ControlDispatcher {
	return &ControlDispatcher{
		log:    slog.With("component", "control-dispatch"),
		queues: make(map[string]*controlQueue),
	}
}

// Register starts sessionID's writer goroutine, draining frames onto w
// until ctx is cancelled or Unregister is called. Registering an already
// registered session replaces its queue, closing the previous one.
func (d *ControlDispatcher) Register(ctx context.Context, sessionID string, w io.Writer) {
	ctx, cancel := context.WithCancel(ctx)
	q := &controlQueue{out: make(chan []byte, QueueCapacity), cancel: cancel}

	d.mu.Lock()
	if old, exists := d.queues[sessionID]; exists {
		old.cancel()
	}
	d.queues[sessionID] = q
	d.mu.Unlock()

	go d.writeLoop(ctx, sessionID, w, q)
}

func (d *ControlDispatcher) writeLoop(ctx context.Context, sessionID string, w io.Writer, q *controlQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-q.out:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				d.log.Debug("control write failed", "session", sessionID, "error", err)
				return
			}
		}
	}
}

// Enqueue frames msgType/payload and queues it for sessionID's writer. It
// blocks if the session's queue is full, which is the data plane's
// back-pressure path: a slow control stream stalls its own senders rather
// than letting the queue grow unbounded.
func (d *ControlDispatcher) Enqueue(ctx context.Context, sessionID string, msgType uint64, payload []byte) error {
	d.mu.Lock()
	q, ok := d.queues[sessionID]
	d.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	frame := wire.EncodeControlFrame(msgType, payload)
	select {
	case q.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unregister stops sessionID's writer goroutine and forgets its queue.
func (d *ControlDispatcher) Unregister(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[sessionID]; ok {
		q.cancel()
		delete(d.queues, sessionID)
	}
}
