// Package transport defines the thin session/stream interfaces the relay
// depends on, isolating the rest of the module from the concrete
// WebTransport library the way the teacher repo's own internal/webtransport
// package isolated its distribution server. Error-code and stream-id types
// are aliased straight from webtransport-go rather than redeclared, so the
// concrete session type satisfies these interfaces with no adapter layer.
package transport
