package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/moqtrelay/internal/dispatch"
	"github.com/zsiec/moqtrelay/internal/objcache"
	"github.com/zsiec/moqtrelay/internal/relation"
	"github.com/zsiec/moqtrelay/internal/session"
	"github.com/zsiec/moqtrelay/internal/transport"
	"github.com/zsiec/moqtrelay/internal/wire"
)

// Config holds the process-wide settings a Relay needs that are not
// discovered from the protocol itself.
type Config struct {
	// SupportedVersions lists the MoQT versions this relay will negotiate,
	// most preferred first. Defaults to []uint64{wire.Version}.
	SupportedVersions []uint64
}

// Relay owns the singleton actors from the concurrency model (relation
// manager, object cache, control dispatcher, signal dispatcher) and the
// registry of live sessions built on top of them.
type Relay struct {
	log     *slog.Logger
	cfg     Config
	manager *relation.Manager
	cache   *objcache.Cache
	control *dispatch.ControlDispatcher
	signals *dispatch.SignalDispatcher

	nextID atomic.Uint64

	mu    sync.RWMutex
	conns map[string]*Conn
}

// New builds a Relay with fresh relation manager, object cache, and
// dispatchers. Close stops the singleton actors.
func New(cfg Config) *Relay {
	if len(cfg.SupportedVersions) == 0 {
		cfg.SupportedVersions = []uint64{wire.Version}
	}
	return &Relay{
		log:     slog.With("component", "relay"),
		cfg:     cfg,
		manager: relation.New(),
		cache:   objcache.New(),
		control: dispatch.NewControlDispatcher(),
		signals: dispatch.NewSignalDispatcher(),
		conns:   make(map[string]*Conn),
	}
}

// Close stops the relay's singleton actors. It does not close live
// sessions; callers should cancel their contexts first.
func (r *Relay) Close() {
	r.manager.Stop()
	r.cache.Stop()
}

// nextSessionID returns a process-unique session id for logging and for
// relation/cache keying. It is a sequential counter tagged with the
// transport kind, so it is predictable, and it carries no client input,
// unlike the teacher's "moq-<streamKey>-<remoteAddr>" scheme, since a MoQT
// relay session is not scoped to a single stream key.
func (r *Relay) nextSessionID(transportKind session.Transport) string {
	return fmt.Sprintf("sess-%s-%d", transportKind, r.nextID.Add(1))
}

// HandleSession runs one accepted transport session end to end: the SETUP
// handshake, the control loop, and the data-stream accept loops. It blocks
// until the session ends and always removes the session's relation state
// and control-dispatcher queue before returning; object cache entries are
// not removed.
func (r *Relay) HandleSession(ctx context.Context, ts transport.Session, transportKind session.Transport) error {
	id := r.nextSessionID(transportKind)
	c := newConn(r, id, ts, transportKind)

	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, id)
		r.mu.Unlock()
		c.teardown()
	}()

	return c.run(ctx)
}

// connByID looks up a live connection by session id, used when a handler
// needs to enqueue a control message or signal to a peer session.
func (r *Relay) connByID(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}
