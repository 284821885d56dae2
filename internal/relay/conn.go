package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/moqtrelay/internal/dispatch"
	"github.com/zsiec/moqtrelay/internal/relation"
	"github.com/zsiec/moqtrelay/internal/session"
	"github.com/zsiec/moqtrelay/internal/transport"
	"github.com/zsiec/moqtrelay/internal/wire"
)

// Conn is the per-session state a relay runs: the SETUP handshake, the
// control loop, and the accept loops that spawn data-stream receivers and
// forwarders. It is the sole owner of its transport.Session and its
// session.Session.
type Conn struct {
	relay *Relay
	id    string
	log   *slog.Logger

	kind session.Transport
	ts   transport.Session
	sess *session.Session

	control transport.Stream
	reader  *controlReader

	wg sync.WaitGroup

	mu           sync.Mutex
	uniStreams   map[uint64]func() // streamID -> cancel, for teardown
	forwarderSeq uint64
}

func newConn(r *Relay, id string, ts transport.Session, kind session.Transport) *Conn {
	return &Conn{
		relay:      r,
		id:         id,
		log:        slog.With("session", id),
		kind:       kind,
		ts:         ts,
		sess:       session.New(id, kind),
		uniStreams: make(map[uint64]func()),
	}
}

// run performs the handshake and then supervises this session's workers
// until ctx is cancelled, the transport errors, or a handler demands
// closure.
func (c *Conn) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.handshake(ctx); err != nil {
		c.log.Debug("setup failed", "error", err)
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.controlLoop(ctx) })
	g.Go(func() error { return c.acceptUniStreams(ctx) })
	g.Go(func() error { return c.acceptDatagrams(ctx) })

	err := g.Wait()
	c.wg.Wait()
	return err
}

// handshake reads CLIENT_SETUP on the session's control stream, negotiates
// it, and replies with SERVER_SETUP and MAX_REQUEST_ID before registering
// the session with the relation manager under its negotiated role.
func (c *Conn) handshake(ctx context.Context) error {
	bidi, err := c.ts.AcceptStream(ctx)
	if err != nil {
		return fmt.Errorf("accept control stream: %w", err)
	}
	c.control = bidi
	c.reader = newControlReader(bidi)

	msgType, payload, err := c.reader.Next(ctx)
	if err != nil {
		return fmt.Errorf("read CLIENT_SETUP: %w", err)
	}
	if msgType != wire.MsgClientSetup {
		c.closeWithError(transport.ErrCodeProtocolViolation, "first message must be CLIENT_SETUP")
		return fmt.Errorf("expected CLIENT_SETUP (0x%x), got 0x%x", wire.MsgClientSetup, msgType)
	}

	cs, err := wire.ParseClientSetup(payload)
	if err != nil {
		c.closeWithError(transport.ErrCodeProtocolViolation, "malformed CLIENT_SETUP")
		return err
	}
	for _, p := range cs.UnknownParams {
		c.log.Debug("ignoring unknown CLIENT_SETUP parameter", "key", p.Key)
	}

	ss, err := c.sess.NegotiateSetup(cs, c.relay.cfg.SupportedVersions)
	if err != nil {
		reason := "setup negotiation failed"
		if errors.Is(err, session.ErrPathOnWebTransport) || errors.Is(err, session.ErrVersionMismatch) {
			c.closeWithError(transport.ErrCodeProtocolViolation, reason)
		} else {
			c.closeWithError(transport.ErrCodeSetupFailed, reason)
		}
		return err
	}

	c.relay.control.Register(ctx, c.id, c.control)
	if err := c.relay.control.Enqueue(ctx, c.id, wire.MsgServerSetup, wire.SerializeServerSetup(ss)); err != nil {
		return fmt.Errorf("send SERVER_SETUP: %w", err)
	}
	if err := c.relay.control.Enqueue(ctx, c.id, wire.MsgMaxRequestID, wire.SerializeMaxRequestID(ss.MaxRequestID)); err != nil {
		return fmt.Errorf("send MAX_REQUEST_ID: %w", err)
	}

	role := c.sess.Role()
	if role == wire.RolePublisher || role == wire.RolePubSub {
		if err := c.relay.manager.SetupPublisher(c.id, ss.MaxRequestID); err != nil {
			return fmt.Errorf("register publisher: %w", err)
		}
	}
	if role == wire.RoleSubscriber || role == wire.RolePubSub {
		if err := c.relay.manager.SetupSubscriber(c.id, ss.MaxRequestID); err != nil {
			return fmt.Errorf("register subscriber: %w", err)
		}
	}
	c.log.Info("session set up", "role", role, "version", ss.SelectedVersion)
	return nil
}

// controlLoop reads and dispatches control messages until the stream ends
// or a handler fails the session.
func (c *Conn) controlLoop(ctx context.Context) error {
	for {
		msgType, payload, err := c.reader.Next(ctx)
		if err != nil {
			return err
		}
		result := c.dispatchControl(ctx, msgType, payload)
		switch result.Kind {
		case session.ResultSuccess, session.ResultSuccessWithoutResponse:
			// Handlers enqueue their own replies through the control
			// dispatcher; Response is unused on the happy path.
		case session.ResultFailure:
			c.closeWithError(terminationToSessionError(result.Code), result.Reason)
			return fmt.Errorf("control message 0x%x: %s", msgType, result.Reason)
		case session.ResultFragment:
			// controlReader only returns whole frames; a handler would only
			// reach this by parsing a nested sub-message itself, which none
			// currently do.
		}
	}
}

func terminationToSessionError(code session.TerminationCode) transport.SessionErrorCode {
	switch code {
	case session.TerminationProtocolViolation:
		return transport.ErrCodeProtocolViolation
	case session.TerminationInternalError:
		return transport.ErrCodeInternal
	default:
		return transport.SessionErrorCode(code)
	}
}

func (c *Conn) closeWithError(code transport.SessionErrorCode, reason string) {
	_ = c.ts.CloseWithError(code, reason)
	c.sess.Close()
}

// acceptUniStreams loops accepting inbound unidirectional streams and
// spawns one data-stream receiver per stream.
func (c *Conn) acceptUniStreams(ctx context.Context) error {
	for {
		rs, err := c.ts.AcceptUniStream(ctx)
		if err != nil {
			return err
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.receiveSubgroupStream(ctx, rs)
		}()
	}
}

// acceptDatagrams loops receiving datagrams; each is handled inline by a
// short-lived goroutine per the spec's "one per-datagram receiver task (no
// loop)" model.
func (c *Conn) acceptDatagrams(ctx context.Context) error {
	for {
		b, err := c.ts.ReceiveDatagram(ctx)
		if err != nil {
			return err
		}
		c.wg.Add(1)
		go func(b []byte) {
			defer c.wg.Done()
			c.receiveDatagram(b)
		}(b)
	}
}

// openForwarder opens a new uni-stream and runs one data-stream forwarder
// for (downstreamKey, gs), as requested by a receiver's fan-out step or a
// SUBSCRIBE handler activating content that already exists upstream.
func (c *Conn) openForwarder(ctx context.Context, downstreamKey relation.Key, header wire.SubgroupHeader, gs relation.GroupSubgroup, upstreamKey relation.Key) {
	ws, err := c.ts.OpenUniStreamSync(ctx)
	if err != nil {
		c.log.Debug("open forwarder stream failed", "error", err)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.forwardSubgroupStream(ctx, ws, downstreamKey, header, gs, upstreamKey)
	}()
}

func (c *Conn) signalKey(streamID uint64) dispatch.StreamKey {
	return dispatch.StreamKey{SessionID: c.id, StreamID: streamID}
}

// teardown releases every resource this session owns: its relation-manager
// records, its control dispatcher queue, and the session state machine.
func (c *Conn) teardown() {
	c.relay.manager.DeleteClient(c.id)
	c.relay.control.Unregister(c.id)
	c.sess.Close()
}
