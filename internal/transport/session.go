package transport

import (
	"context"
	"io"
	"net"
	"time"

	wt "github.com/quic-go/webtransport-go"
)

// SessionErrorCode, StreamErrorCode, and StreamID are aliases, not new
// types: a *wt.Session and its streams satisfy the interfaces below
// without any wrapping.
type (
	SessionErrorCode = wt.SessionErrorCode
	StreamErrorCode  = wt.StreamErrorCode
	StreamID         = wt.StreamID
)

// SendStream is the write half of a bidirectional stream or a uni-stream
// opened locally.
type SendStream interface {
	io.Writer
	io.Closer
	CancelWrite(StreamErrorCode)
	SetWriteDeadline(t time.Time) error
	StreamID() StreamID
}

// RecvStream is the read half of a bidirectional stream or a uni-stream
// accepted from the peer.
type RecvStream interface {
	io.Reader
	CancelRead(StreamErrorCode)
	SetReadDeadline(t time.Time) error
	StreamID() StreamID
}

// Stream is a bidirectional stream, used only for the MoQT control channel.
type Stream interface {
	SendStream
	RecvStream
}

// Session is the subset of a WebTransport session the relay depends on:
// stream accept/open, datagrams, and session-level close.
type Session interface {
	AcceptStream(ctx context.Context) (Stream, error)
	AcceptUniStream(ctx context.Context) (RecvStream, error)
	OpenStreamSync(ctx context.Context) (Stream, error)
	OpenUniStreamSync(ctx context.Context) (SendStream, error)
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	SendDatagram(b []byte) error
	CloseWithError(code SessionErrorCode, msg string) error
	Context() context.Context
	RemoteAddr() net.Addr
}

// compile-time assertions that the concrete library satisfies Session/Stream.
var (
	_ Session = (*wt.Session)(nil)
	_ Stream  = (wt.Stream)(nil)
)

// WebTransport session close codes sent to a peer via CloseWithError.
const (
	ErrCodeProtocolViolation SessionErrorCode = 1
	ErrCodeInternal          SessionErrorCode = 2
	ErrCodeSetupFailed       SessionErrorCode = 3
	ErrCodeGoAway            SessionErrorCode = 4
)

// Stream reset codes sent via CancelWrite/CancelRead.
const (
	ErrCodeStreamCanceled StreamErrorCode = 1
	ErrCodeStreamReset    StreamErrorCode = 2
)
