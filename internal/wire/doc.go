// Package wire implements the MoQ Transport wire-protocol codec: the QUIC
// varint and length-prefixed byte-string primitives, the control-message
// framing and per-type payloads (SETUP, ANNOUNCE family, SUBSCRIBE family,
// SUBSCRIBE_ANNOUNCES family), and the data-stream framing for subgroup
// streams and datagram objects.
//
// Every decoder in this package is restartable: a short buffer reports
// "not enough data yet" without consuming any bytes, so a caller accumulating
// a stream can simply retry the same call once more bytes have arrived. This
// package contains no session, relation, or forwarding logic; those live in
// [github.com/zsiec/moqtrelay/internal/relay] and its sibling packages.
package wire
