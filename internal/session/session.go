package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/moqtrelay/internal/wire"
)

// Status is a session's position in the Connected -> SetUp -> Closed
// lifecycle. No handler may process anything but CLIENT_SETUP before
// SetUp, and nothing at all once Closed.
type Status int

const (
	StatusConnected Status = iota
	StatusSetUp
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusSetUp:
		return "set-up"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport distinguishes the underlying stream multiplexer, since the
// PATH setup parameter is only legal over raw QUIC: WebTransport already
// carries the equivalent information in the HTTP/3 CONNECT request.
type Transport int

const (
	TransportQUIC Transport = iota
	TransportWebTransport
)

// ErrPathOnWebTransport reports a CLIENT_SETUP that set PATH over a
// WebTransport-underlay session, a protocol violation.
var ErrPathOnWebTransport = errors.New("session: PATH setup parameter is not valid over WebTransport")

// ErrVersionMismatch reports a CLIENT_SETUP with no version this relay
// recognises.
var ErrVersionMismatch = errors.New("session: no common version")

// ErrNotSetUp reports a message received before CLIENT_SETUP completed.
var ErrNotSetUp = errors.New("session: received message before SETUP")

// ErrAlreadySetUp reports a second CLIENT_SETUP on an already set-up session.
var ErrAlreadySetUp = errors.New("session: CLIENT_SETUP received twice")

// ErrRoleRequired reports a CLIENT_SETUP with no Role parameter. The relay
// has no default role to fall back to: it must know whether to treat the
// peer as a publisher, a subscriber, or both before routing anything.
var ErrRoleRequired = errors.New("session: Role setup parameter is required")

// RelayMaxRequestID is the request-id quota this relay grants every peer
// at setup time; it may be raised later with MAX_REQUEST_ID.
const RelayMaxRequestID uint64 = 1 << 16

// Session is the per-connection state a relay session supervisor owns. ID
// and Log are fixed at construction; everything else guarded by mu is
// mutated only by the owning supervisor goroutine and read by others
// (forwarders reading MaxRequestID, for instance) through the accessor
// methods.
type Session struct {
	ID        string
	Transport Transport
	Log       *slog.Logger

	mu               sync.RWMutex
	status           Status
	role             wire.Role
	negotiatedVer    uint64
	ourMaxRequestID  uint64
	peerMaxRequestID uint64
	path             string

	closed atomic.Bool
}

// New creates a session in StatusConnected.
func New(id string, transport Transport) *Session {
	return &Session{
		ID:        id,
		Transport: transport,
		Log:       slog.With("session", id),
	}
}

// Status returns the session's current lifecycle status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Role returns the negotiated role. Valid only once Status() == StatusSetUp.
func (s *Session) Role() wire.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// NegotiatedVersion returns the agreed protocol version.
func (s *Session) NegotiatedVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.negotiatedVer
}

// PeerMaxRequestID returns the highest subscribe/request id this session
// may originate, per the peer's most recent MAX_REQUEST_ID (or the value
// set at handshake time).
func (s *Session) PeerMaxRequestID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerMaxRequestID
}

// SetPeerMaxRequestID updates the quota in response to a MAX_REQUEST_ID
// message from the peer. The value only ever increases.
func (s *Session) SetPeerMaxRequestID(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v > s.peerMaxRequestID {
		s.peerMaxRequestID = v
	}
}

// Path returns the PATH setup parameter, if the client set one.
func (s *Session) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// NegotiateSetup validates a decoded CLIENT_SETUP against this session's
// transport kind and the versions this relay supports, transitions the
// session to StatusSetUp on success, and returns the SERVER_SETUP payload
// to send back.
func (s *Session) NegotiateSetup(cs wire.ClientSetup, supportedVersions []uint64) (wire.ServerSetup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusSetUp {
		return wire.ServerSetup{}, ErrAlreadySetUp
	}
	if s.status == StatusClosed {
		return wire.ServerSetup{}, ErrNotSetUp
	}

	var chosen uint64
	found := false
	for _, v := range supportedVersions {
		if cs.SupportsVersion(v) {
			chosen = v
			found = true
			break
		}
	}
	if !found {
		return wire.ServerSetup{}, fmt.Errorf("%w (client offered %v)", ErrVersionMismatch, cs.Versions)
	}

	if s.Transport == TransportWebTransport && cs.HasPath {
		return wire.ServerSetup{}, ErrPathOnWebTransport
	}

	if !cs.HasRole {
		return wire.ServerSetup{}, ErrRoleRequired
	}

	s.negotiatedVer = chosen
	s.role = cs.Role
	if cs.HasPath {
		s.path = cs.Path
	}
	s.ourMaxRequestID = RelayMaxRequestID
	s.peerMaxRequestID = cs.MaxRequestID
	s.status = StatusSetUp

	return wire.ServerSetup{SelectedVersion: chosen, MaxRequestID: s.ourMaxRequestID}, nil
}

// RequireSetUp returns ErrNotSetUp unless the session has completed
// CLIENT_SETUP/SERVER_SETUP negotiation.
func (s *Session) RequireSetUp() error {
	if s.Status() != StatusSetUp {
		return ErrNotSetUp
	}
	return nil
}

// Close transitions the session to StatusClosed. Idempotent.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.mu.Lock()
	s.status = StatusClosed
	s.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}
