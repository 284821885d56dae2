// Package objcache implements the per-upstream-subscription object cache:
// an append-only, monotone-cache-id store of subgroup stream headers and
// objects (plus the datagram-path analogue), indexed for both
// first-object lookup (new forwarders joining) and next-object iteration
// (forwarders already caught up polling for more).
//
// Like the relation manager, the cache is owned by a single goroutine
// reached through a command channel, so appends, evictions, and reads
// never race each other.
package objcache
