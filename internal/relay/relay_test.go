package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/moqtrelay/internal/relation"
	"github.com/zsiec/moqtrelay/internal/session"
	"github.com/zsiec/moqtrelay/internal/transport"
	"github.com/zsiec/moqtrelay/internal/wire"
)

// stubSession implements transport.Session with every method either a
// no-op or blocking on ctx, for tests that only exercise one code path
// and never touch the rest of the interface.
type stubSession struct{}

func (stubSession) AcceptStream(ctx context.Context) (transport.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (stubSession) AcceptUniStream(ctx context.Context) (transport.RecvStream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (stubSession) OpenStreamSync(ctx context.Context) (transport.Stream, error) {
	return nil, errors.New("stubSession: OpenStreamSync not supported")
}
func (stubSession) OpenUniStreamSync(ctx context.Context) (transport.SendStream, error) {
	return nil, errors.New("stubSession: OpenUniStreamSync not supported")
}
func (stubSession) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (stubSession) SendDatagram(b []byte) error                                     { return nil }
func (stubSession) CloseWithError(code transport.SessionErrorCode, msg string) error { return nil }
func (stubSession) Context() context.Context                                        { return context.Background() }
func (stubSession) RemoteAddr() net.Addr                                             { return nil }

var _ transport.Session = stubSession{}

// pipeStream is a bidirectional transport.Stream backed by a pair of
// io.Pipes, so a test can drive both ends without a real transport.
type pipeStream struct {
	r  *io.PipeReader
	w  *io.PipeWriter
	id transport.StreamID
}

func newBidiPipe(id transport.StreamID) (server, client *pipeStream) {
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	server = &pipeStream{r: c2sR, w: s2cW, id: id}
	client = &pipeStream{r: s2cR, w: c2sW, id: id}
	return server, client
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeStream) Close() error                { return p.w.Close() }
func (p *pipeStream) CancelWrite(transport.StreamErrorCode) {
	p.w.CloseWithError(errors.New("stream canceled"))
}
func (p *pipeStream) CancelRead(transport.StreamErrorCode) {
	p.r.CloseWithError(errors.New("stream canceled"))
}
func (p *pipeStream) SetWriteDeadline(time.Time) error { return nil }
func (p *pipeStream) SetReadDeadline(time.Time) error  { return nil }
func (p *pipeStream) StreamID() transport.StreamID     { return p.id }

// handshakeSession hands its control stream to the first AcceptStream call
// and blocks on every call after that, matching a real session's one
// control stream per connection.
type handshakeSession struct {
	stubSession
	ctrl *pipeStream

	mu       sync.Mutex
	accepted bool
}

func (h *handshakeSession) AcceptStream(ctx context.Context) (transport.Stream, error) {
	h.mu.Lock()
	if !h.accepted {
		h.accepted = true
		h.mu.Unlock()
		return h.ctrl, nil
	}
	h.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConnHandshakeHappyPath(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	server, client := newBidiPipe(1)
	ts := &handshakeSession{ctrl: server}
	c := newConn(r, "sess-1", ts, session.TransportWebTransport)

	done := make(chan error, 1)
	go func() { done <- c.handshake(context.Background()) }()

	csPayload := wire.SerializeClientSetup(wire.ClientSetup{
		Versions:     []uint64{wire.Version},
		HasRole:      true,
		Role:         wire.RolePubSub,
		MaxRequestID: 50,
	})
	if _, err := client.Write(wire.EncodeControlFrame(wire.MsgClientSetup, csPayload)); err != nil {
		t.Fatalf("write CLIENT_SETUP: %v", err)
	}

	cr := newControlReader(client)

	msgType, payload, err := cr.Next(context.Background())
	if err != nil {
		t.Fatalf("read SERVER_SETUP: %v", err)
	}
	if msgType != wire.MsgServerSetup {
		t.Fatalf("msgType = %#x, want SERVER_SETUP", msgType)
	}
	ss, err := wire.ParseServerSetup(payload)
	if err != nil {
		t.Fatalf("parse SERVER_SETUP: %v", err)
	}
	if ss.SelectedVersion != wire.Version {
		t.Fatalf("selected version = %#x, want %#x", ss.SelectedVersion, wire.Version)
	}

	msgType, payload, err = cr.Next(context.Background())
	if err != nil {
		t.Fatalf("read MAX_REQUEST_ID: %v", err)
	}
	if msgType != wire.MsgMaxRequestID {
		t.Fatalf("msgType = %#x, want MAX_REQUEST_ID", msgType)
	}
	mr, err := wire.ParseMaxRequestID(payload)
	if err != nil {
		t.Fatalf("parse MAX_REQUEST_ID: %v", err)
	}
	if mr.RequestID != session.RelayMaxRequestID {
		t.Fatalf("max request id = %d, want %d", mr.RequestID, session.RelayMaxRequestID)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handshake: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}

	if got := c.sess.Status(); got != session.StatusSetUp {
		t.Fatalf("status = %v, want set-up", got)
	}
	if got := c.sess.Role(); got != wire.RolePubSub {
		t.Fatalf("role = %v, want PubSub", got)
	}
}

// registerPipedControl registers a session id against a control dispatcher
// writer backed by an io.Pipe, so a test can read replies with an ordinary
// controlReader instead of guessing at timing.
func registerPipedControl(t *testing.T, r *Relay, sessionID string) *controlReader {
	t.Helper()
	pr, pw := io.Pipe()
	r.control.Register(context.Background(), sessionID, pw)
	t.Cleanup(func() { r.control.Unregister(sessionID) })
	return newControlReader(pr)
}

func newTestConn(r *Relay, id string) *Conn {
	return newConn(r, id, stubSession{}, session.TransportWebTransport)
}

// TestHandleSubscribeFanOut covers the one-publisher-two-subscribers
// scenario: the first SUBSCRIBE allocates a new upstream subscription and
// forwards it to the publisher; the second reuses the same upstream edge
// and is answered directly once that edge is active.
func TestHandleSubscribeFanOut(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	ns := []string{"live", "demo"}

	pub := newTestConn(r, "pub-1")
	sub1 := newTestConn(r, "sub-1")
	sub2 := newTestConn(r, "sub-2")

	if err := r.manager.SetupPublisher(pub.id, session.RelayMaxRequestID); err != nil {
		t.Fatalf("SetupPublisher: %v", err)
	}
	if err := r.manager.SetupSubscriber(sub1.id, session.RelayMaxRequestID); err != nil {
		t.Fatalf("SetupSubscriber sub1: %v", err)
	}
	if err := r.manager.SetupSubscriber(sub2.id, session.RelayMaxRequestID); err != nil {
		t.Fatalf("SetupSubscriber sub2: %v", err)
	}
	if err := r.manager.SetUpstreamAnnouncedNamespace(pub.id, ns); err != nil {
		t.Fatalf("SetUpstreamAnnouncedNamespace: %v", err)
	}

	pubReader := registerPipedControl(t, r, pub.id)
	sub1Reader := registerPipedControl(t, r, sub1.id)
	sub2Reader := registerPipedControl(t, r, sub2.id)

	sub1Payload := wire.SerializeSubscribe(wire.Subscribe{
		RequestID:  1,
		Namespace:  ns,
		TrackName:  "video",
		GroupOrder: wire.GroupOrderAscending,
		FilterType: wire.FilterLatestGroup,
	})

	resultCh := make(chan session.MessageProcessResult, 1)
	go func() { resultCh <- sub1.handleSubscribe(context.Background(), sub1Payload) }()

	msgType, payload, err := pubReader.Next(context.Background())
	if err != nil {
		t.Fatalf("read forwarded SUBSCRIBE: %v", err)
	}
	if msgType != wire.MsgSubscribe {
		t.Fatalf("msgType = %#x, want SUBSCRIBE", msgType)
	}
	upSub, err := wire.ParseSubscribe(payload)
	if err != nil {
		t.Fatalf("parse forwarded SUBSCRIBE: %v", err)
	}
	if upSub.TrackName != "video" {
		t.Fatalf("forwarded track name = %q, want video", upSub.TrackName)
	}

	if result := <-resultCh; result.Kind == session.ResultFailure {
		t.Fatalf("sub1 handleSubscribe failed: %s", result.Reason)
	}

	okPayload := wire.SerializeSubscribeOK(wire.SubscribeOK{RequestID: upSub.RequestID, GroupOrder: wire.GroupOrderAscending})
	if result := pub.handleSubscribeOK(context.Background(), okPayload); result.Kind == session.ResultFailure {
		t.Fatalf("handleSubscribeOK failed: %s", result.Reason)
	}

	msgType, payload, err = sub1Reader.Next(context.Background())
	if err != nil {
		t.Fatalf("read sub1 SUBSCRIBE_OK: %v", err)
	}
	if msgType != wire.MsgSubscribeOK {
		t.Fatalf("msgType = %#x, want SUBSCRIBE_OK", msgType)
	}
	sok, err := wire.ParseSubscribeOK(payload)
	if err != nil {
		t.Fatalf("parse SUBSCRIBE_OK: %v", err)
	}
	if sok.RequestID != 1 {
		t.Fatalf("sub1 request id = %d, want 1", sok.RequestID)
	}

	// sub2 subscribes to the same track once the upstream edge is Active;
	// it must be answered immediately, with no second SUBSCRIBE forwarded
	// upstream.
	sub2Payload := wire.SerializeSubscribe(wire.Subscribe{
		RequestID:  1,
		Namespace:  ns,
		TrackName:  "video",
		GroupOrder: wire.GroupOrderAscending,
		FilterType: wire.FilterLatestGroup,
	})
	if result := sub2.handleSubscribe(context.Background(), sub2Payload); result.Kind == session.ResultFailure {
		t.Fatalf("sub2 handleSubscribe failed: %s", result.Reason)
	}

	msgType, payload, err = sub2Reader.Next(context.Background())
	if err != nil {
		t.Fatalf("read sub2 SUBSCRIBE_OK: %v", err)
	}
	if msgType != wire.MsgSubscribeOK {
		t.Fatalf("msgType = %#x, want SUBSCRIBE_OK", msgType)
	}

	upKey, ok := r.manager.FindAnyUpstreamSubscription(ns, "video")
	if !ok {
		t.Fatal("expected an upstream subscription to exist")
	}
	related := r.manager.GetRelatedSubscribers(upKey)
	if len(related) != 2 {
		t.Fatalf("related subscribers = %d, want 2 (one upstream subscription shared by both)", len(related))
	}
}

// TestHandleSubscribeForwardsParams verifies that a SUBSCRIBE's parameters
// — in particular ParamAuthorizationInfo, the opaque bearer token spec.md's
// Non-goals explicitly scope the relay in to carry — survive the relay's
// subscribe_id/track_alias rewrite when forwarded upstream.
func TestHandleSubscribeForwardsParams(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	ns := []string{"live", "demo"}

	pub := newTestConn(r, "pub-1")
	sub := newTestConn(r, "sub-1")

	if err := r.manager.SetupPublisher(pub.id, session.RelayMaxRequestID); err != nil {
		t.Fatalf("SetupPublisher: %v", err)
	}
	if err := r.manager.SetupSubscriber(sub.id, session.RelayMaxRequestID); err != nil {
		t.Fatalf("SetupSubscriber: %v", err)
	}
	if err := r.manager.SetUpstreamAnnouncedNamespace(pub.id, ns); err != nil {
		t.Fatalf("SetUpstreamAnnouncedNamespace: %v", err)
	}

	pubReader := registerPipedControl(t, r, pub.id)
	registerPipedControl(t, r, sub.id)

	token := []byte("bearer-token")
	subPayload := wire.SerializeSubscribe(wire.Subscribe{
		RequestID:  1,
		Namespace:  ns,
		TrackName:  "video",
		GroupOrder: wire.GroupOrderAscending,
		FilterType: wire.FilterLatestGroup,
		Params: []wire.Param{
			{Key: wire.ParamAuthorizationInfo, Value: append([]byte(nil), token...)},
		},
	})

	resultCh := make(chan session.MessageProcessResult, 1)
	go func() { resultCh <- sub.handleSubscribe(context.Background(), subPayload) }()

	_, payload, err := pubReader.Next(context.Background())
	if err != nil {
		t.Fatalf("read forwarded SUBSCRIBE: %v", err)
	}
	if result := <-resultCh; result.Kind == session.ResultFailure {
		t.Fatalf("handleSubscribe failed: %s", result.Reason)
	}

	upSub, err := wire.ParseSubscribe(payload)
	if err != nil {
		t.Fatalf("parse forwarded SUBSCRIBE: %v", err)
	}
	if len(upSub.Params) != 1 || upSub.Params[0].Key != wire.ParamAuthorizationInfo {
		t.Fatalf("forwarded Params = %+v, want one ParamAuthorizationInfo entry", upSub.Params)
	}
	if string(upSub.Params[0].Value) != string(token) {
		t.Fatalf("forwarded auth token = %q, want %q", upSub.Params[0].Value, token)
	}
}

// fakeRecvStream is a transport.RecvStream backed by a fixed byte slice,
// for feeding a whole subgroup stream to receiveSubgroupStream at once.
type fakeRecvStream struct {
	r  *bytes.Reader
	id transport.StreamID
}

func (s *fakeRecvStream) Read(p []byte) (int, error)           { return s.r.Read(p) }
func (s *fakeRecvStream) CancelRead(transport.StreamErrorCode) {}
func (s *fakeRecvStream) SetReadDeadline(time.Time) error      { return nil }
func (s *fakeRecvStream) StreamID() transport.StreamID         { return s.id }

// fakeSendStream is a transport.SendStream that buffers every write in
// memory, for asserting on a forwarder's output.
type fakeSendStream struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	id       transport.StreamID
	closed   bool
	canceled bool
}

func (s *fakeSendStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}
func (s *fakeSendStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
func (s *fakeSendStream) CancelWrite(transport.StreamErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
}
func (s *fakeSendStream) SetWriteDeadline(time.Time) error { return nil }
func (s *fakeSendStream) StreamID() transport.StreamID     { return s.id }
func (s *fakeSendStream) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// downSession is a stubSession that hands out an in-memory fakeSendStream
// for every OpenUniStreamSync call, so a test can inspect what a forwarder
// wrote without a real transport.
type downSession struct {
	stubSession
	mu      sync.Mutex
	nextID  uint64
	streams []*fakeSendStream
}

func (d *downSession) OpenUniStreamSync(ctx context.Context) (transport.SendStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeSendStream{id: transport.StreamID(d.nextID)}
	d.nextID++
	d.streams = append(d.streams, s)
	return s, nil
}

// TestReceiveAndForwardEndOfGroup covers the receiver/forwarder hand-off
// for a single subgroup: the receiver caches both objects and, once the
// forwarder catches up, the forwarder relays them under the downstream's
// own track alias and stops cleanly at end-of-group.
func TestReceiveAndForwardEndOfGroup(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	ns := []string{"live", "demo"}
	downAlias := uint64(42)

	pub := newTestConn(r, "pub-1")
	down := &downSession{}
	sub := newConn(r, "sub-1", down, session.TransportWebTransport)
	r.mu.Lock()
	r.conns[sub.id] = sub
	r.mu.Unlock()

	if err := r.manager.SetupPublisher(pub.id, session.RelayMaxRequestID); err != nil {
		t.Fatalf("SetupPublisher: %v", err)
	}
	if err := r.manager.SetupSubscriber(sub.id, session.RelayMaxRequestID); err != nil {
		t.Fatalf("SetupSubscriber: %v", err)
	}

	upKey, upAlias, err := r.manager.SetUpstreamSubscription(pub.id, ns, "video", 0, wire.GroupOrderAscending, relation.Range{Filter: relation.FilterLatestGroup})
	if err != nil {
		t.Fatalf("SetUpstreamSubscription: %v", err)
	}
	downKey := relation.Key{SessionID: sub.id, SubscribeID: 7}
	if err := r.manager.SetDownstreamSubscription(sub.id, downKey.SubscribeID, downAlias, ns, "video", 0, wire.GroupOrderAscending, relation.Range{Filter: relation.FilterLatestGroup}); err != nil {
		t.Fatalf("SetDownstreamSubscription: %v", err)
	}
	if err := r.manager.SetPubSubRelation(upKey, downKey); err != nil {
		t.Fatalf("SetPubSubRelation: %v", err)
	}
	r.manager.ActivateUpstreamSubscription(upKey)
	r.manager.ActivateDownstreamSubscription(downKey)

	header := wire.SubgroupHeader{
		Mode:              wire.SubgroupIDExplicit,
		TrackAlias:        upAlias,
		GroupID:           5,
		SubgroupID:        0,
		PublisherPriority: 1,
	}
	obj1 := wire.SubgroupObject{ObjectIDDelta: 0, Status: wire.ObjectStatusNormal, Payload: []byte("a")}
	obj2 := wire.SubgroupObject{ObjectIDDelta: 1, Status: wire.ObjectStatusEndOfGroup}

	var buf bytes.Buffer
	buf.Write(wire.EncodeSubgroupHeader(header))
	buf.Write(wire.EncodeSubgroupObject(obj1, false))
	buf.Write(wire.EncodeSubgroupObject(obj2, false))

	rs := &fakeRecvStream{r: bytes.NewReader(buf.Bytes()), id: transport.StreamID(11)}
	pub.receiveSubgroupStream(context.Background(), rs)

	waitDone := make(chan struct{})
	go func() { sub.wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not finish")
	}

	down.mu.Lock()
	if len(down.streams) != 1 {
		down.mu.Unlock()
		t.Fatalf("opened %d forwarder streams, want 1", len(down.streams))
	}
	out := down.streams[0]
	down.mu.Unlock()

	if !out.closed {
		t.Fatal("forwarder stream was not closed at end-of-group")
	}
	if out.canceled {
		t.Fatal("forwarder stream was canceled instead of closed")
	}

	outHeader, n, ok, err := wire.DecodeSubgroupHeader(out.bytes())
	if err != nil || !ok {
		t.Fatalf("decode forwarded header: ok=%v err=%v", ok, err)
	}
	if outHeader.TrackAlias != downAlias {
		t.Fatalf("forwarded track alias = %d, want %d", outHeader.TrackAlias, downAlias)
	}
	if outHeader.GroupID != header.GroupID {
		t.Fatalf("forwarded group id = %d, want %d", outHeader.GroupID, header.GroupID)
	}

	rest := out.bytes()[n:]
	o1, n1, ok, err := wire.DecodeSubgroupObject(rest, false)
	if err != nil || !ok {
		t.Fatalf("decode forwarded object 1: ok=%v err=%v", ok, err)
	}
	if string(o1.Payload) != "a" {
		t.Fatalf("forwarded object 1 payload = %q, want %q", o1.Payload, "a")
	}
	o2, _, ok, err := wire.DecodeSubgroupObject(rest[n1:], false)
	if err != nil || !ok {
		t.Fatalf("decode forwarded object 2: ok=%v err=%v", ok, err)
	}
	if o2.Status != wire.ObjectStatusEndOfGroup {
		t.Fatalf("forwarded object 2 status = %d, want end-of-group", o2.Status)
	}
}
