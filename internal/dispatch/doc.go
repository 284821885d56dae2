// Package dispatch implements the two small fan-out primitives control
// handlers and data-stream workers share across goroutines: a per-session
// outbound control-message queue feeding that session's bidirectional
// stream writer, and a per-(session, stream) signal channel one worker
// uses to tell a sibling worker to terminate (the end-of-group
// coordination the relay fabric depends on).
package dispatch
