// Package relay wires the relation manager, object cache, and dispatch
// primitives into the per-session supervisor that a MoQT relay runs for
// each accepted transport session: the SETUP handshake, the control-message
// handler table, and the data-stream receiver/forwarder worker lifecycles.
//
// A Relay is the process-wide registry of the singleton actors from
// internal/relation, internal/objcache, and internal/dispatch, plus the set
// of live sessions; a Conn is the per-session state built on top of it,
// mirroring the way the teacher repo's distribution.Server owns the shared
// relay/pipeline registry while each MoQSession owns one connection's
// control loop and subscriptions.
package relay
