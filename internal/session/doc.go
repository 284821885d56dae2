// Package session tracks per-connection MoQ Transport state: the
// Connected -> SetUp -> Closed lifecycle, the negotiated version and role,
// and the CLIENT_SETUP/SERVER_SETUP handshake itself. It also defines the
// MessageProcessResult type control-message handlers return, and the
// termination codes a session supervisor maps a Failure result to when it
// closes the underlying transport session.
//
// This package holds no transport or relation-manager code; it is pure
// state plus the handshake logic that sits in front of both.
package session
