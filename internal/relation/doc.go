// Package relation implements the pub/sub relation manager: the
// authoritative directory of announced namespaces, subscribed-namespace
// prefixes, per-session subscription records, and the many-to-many
// relation linking an upstream subscription to the downstream
// subscriptions it feeds.
//
// The manager runs as a single goroutine processing a command channel, so
// every operation completes before the next begins and the state inside
// never needs its own lock. Callers invoke it through the exported methods,
// which enqueue a closure and block for its result; this is the same
// "do one thing at a time, serialize everything else through a channel"
// shape as a classic Go worker loop, just applied to reads as well as
// writes so composite operations (like looking up a relation and then its
// downstream track alias) always see a consistent snapshot.
package relation
