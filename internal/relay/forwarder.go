package relay

import (
	"context"
	"errors"
	"time"

	"github.com/zsiec/moqtrelay/internal/dispatch"
	"github.com/zsiec/moqtrelay/internal/objcache"
	"github.com/zsiec/moqtrelay/internal/relation"
	"github.com/zsiec/moqtrelay/internal/transport"
	"github.com/zsiec/moqtrelay/internal/wire"
)

// forwarderPollInterval is how long a forwarder sleeps between cache
// polls when it has caught up to the live edge.
const forwarderPollInterval = 10 * time.Millisecond

// errTerminated marks a forwarder's wait loop ending because a sibling
// told it to stop, distinct from a transport or cache error.
var errTerminated = errors.New("relay: forwarder terminated by signal")

// forwardSubgroupStream runs one outbound unidirectional subgroup stream
// end to end: write a header synthesised for downstreamKey's track alias,
// resolve where in upstreamKey's (gs) cache to start, and relay objects
// until end-of-group, a termination signal, or an error.
func (c *Conn) forwardSubgroupStream(ctx context.Context, ws transport.SendStream, downstreamKey relation.Key, header wire.SubgroupHeader, gs relation.GroupSubgroup, upstreamKey relation.Key) {
	streamID := uint64(ws.StreamID())
	sigKey := c.signalKey(streamID)
	sigCh := c.relay.signals.Register(sigKey)
	defer c.relay.signals.Unregister(sigKey)

	if err := c.relay.manager.SetDownstreamStreamID(downstreamKey, gs, streamID); err != nil {
		c.finishForwarder(ws, err)
		return
	}

	pref, err := c.relay.manager.GetUpstreamForwardingPreference(upstreamKey)
	if err != nil {
		c.finishForwarder(ws, err)
		return
	}
	if pref != relation.PreferenceSubgroup {
		ws.CancelWrite(transport.ErrCodeStreamReset)
		c.closeWithError(transport.ErrCodeProtocolViolation, "forwarder started for a non-subgroup upstream subscription")
		return
	}
	if err := c.relay.manager.SetDownstreamForwardingPreference(downstreamKey, relation.PreferenceSubgroup); err != nil {
		ws.CancelWrite(transport.ErrCodeStreamReset)
		c.closeWithError(transport.ErrCodeProtocolViolation, "downstream forwarding preference mismatch")
		return
	}

	downAlias, err := c.relay.manager.GetDownstreamTrackAlias(downstreamKey)
	if err != nil {
		c.finishForwarder(ws, err)
		return
	}

	outHeader := header
	outHeader.TrackAlias = downAlias
	if _, err := ws.Write(wire.EncodeSubgroupHeader(outHeader)); err != nil {
		c.log.Debug("forwarder header write failed", "error", err)
		ws.CancelWrite(transport.ErrCodeStreamReset)
		return
	}

	cacheID, obj, err := c.resolveStartObject(ctx, sigCh, downstreamKey, upstreamKey, gs, header.GroupID)
	if err != nil {
		c.finishForwarder(ws, err)
		return
	}

	for {
		if _, err := ws.Write(wire.EncodeSubgroupObject(obj, header.HasExtensions)); err != nil {
			c.log.Debug("forwarder write failed", "error", err)
			ws.CancelWrite(transport.ErrCodeStreamReset)
			return
		}
		if isEndOfGroup(obj) {
			c.signalSiblingForwarders(downstreamKey, header.GroupID, gs.SubgroupID, obj.Status)
			ws.Close()
			return
		}

		cacheID, obj, err = c.nextForwardObject(ctx, sigCh, upstreamKey, gs, cacheID)
		if err != nil {
			c.finishForwarder(ws, err)
			return
		}
	}
}

// resolveStartObject implements §4.8 step 5: the first forwarder ever
// opened for a downstream subscription picks its start object from the
// subscription's filter and records actual_object_start; every later
// subgroup forwarder for that subscription either resumes at the same
// object id (same group) or starts at its own subgroup's first object.
func (c *Conn) resolveStartObject(ctx context.Context, sigCh <-chan dispatch.Signal, downstreamKey, upstreamKey relation.Key, gs relation.GroupSubgroup, groupID uint64) (uint64, wire.SubgroupObject, error) {
	coord, has, err := c.relay.manager.GetDownstreamActualObjectStart(downstreamKey)
	if err != nil {
		return 0, wire.SubgroupObject{}, err
	}

	if has {
		if groupID == coord.Group {
			return c.waitForAbsoluteObject(ctx, sigCh, upstreamKey, gs, coord.Object)
		}
		cacheID, _, obj, err := c.waitForFirstObject(ctx, sigCh, upstreamKey, gs)
		return cacheID, obj, err
	}

	filter, err := c.relay.manager.GetDownstreamFilterType(downstreamKey)
	if err != nil {
		return 0, wire.SubgroupObject{}, err
	}
	rng, err := c.relay.manager.GetDownstreamRequestedRange(downstreamKey)
	if err != nil {
		return 0, wire.SubgroupObject{}, err
	}

	var cacheID, startObj uint64
	var obj wire.SubgroupObject
	if (filter == relation.FilterAbsoluteStart || filter == relation.FilterAbsoluteRange) && groupID == rng.Start.Group {
		startObj = rng.Start.Object
		cacheID, obj, err = c.waitForAbsoluteObject(ctx, sigCh, upstreamKey, gs, startObj)
	} else {
		cacheID, startObj, obj, err = c.waitForFirstObject(ctx, sigCh, upstreamKey, gs)
	}
	if err != nil {
		return 0, wire.SubgroupObject{}, err
	}
	if err := c.relay.manager.SetDownstreamActualObjectStart(downstreamKey, relation.ObjectCoord{Group: groupID, Object: startObj}); err != nil {
		return 0, wire.SubgroupObject{}, err
	}
	return cacheID, obj, nil
}

func (c *Conn) waitForAbsoluteObject(ctx context.Context, sigCh <-chan dispatch.Signal, key relation.Key, gs relation.GroupSubgroup, objectID uint64) (uint64, wire.SubgroupObject, error) {
	for {
		cacheID, obj, ok, err := c.relay.cache.GetAbsoluteSubgroupStreamObject(key, gs, objectID)
		if err != nil {
			return 0, wire.SubgroupObject{}, err
		}
		if ok {
			return cacheID, obj, nil
		}
		if err := c.pollWait(ctx, sigCh); err != nil {
			return 0, wire.SubgroupObject{}, err
		}
	}
}

func (c *Conn) waitForFirstObject(ctx context.Context, sigCh <-chan dispatch.Signal, key relation.Key, gs relation.GroupSubgroup) (uint64, uint64, wire.SubgroupObject, error) {
	for {
		cacheID, objectID, obj, ok, err := c.relay.cache.GetFirstSubgroupStreamObject(key, gs)
		if err != nil {
			return 0, 0, wire.SubgroupObject{}, err
		}
		if ok {
			return cacheID, objectID, obj, nil
		}
		if err := c.pollWait(ctx, sigCh); err != nil {
			return 0, 0, wire.SubgroupObject{}, err
		}
	}
}

func (c *Conn) nextForwardObject(ctx context.Context, sigCh <-chan dispatch.Signal, key relation.Key, gs relation.GroupSubgroup, lastCacheID uint64) (uint64, wire.SubgroupObject, error) {
	for {
		cacheID, _, obj, ok, err := c.relay.cache.GetNextSubgroupStreamObject(key, gs, lastCacheID)
		if err != nil {
			return 0, wire.SubgroupObject{}, err
		}
		if ok {
			return cacheID, obj, nil
		}
		if err := c.pollWait(ctx, sigCh); err != nil {
			return 0, wire.SubgroupObject{}, err
		}
	}
}

// pollWait blocks until the next cache poll is due, a termination signal
// arrives, or ctx ends, matching the "short fixed sleep" polling contract
// from the concurrency model (§5) rather than a per-key notify condition.
func (c *Conn) pollWait(ctx context.Context, sigCh <-chan dispatch.Signal) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sigCh:
		return errTerminated
	case <-time.After(forwarderPollInterval):
		return nil
	}
}

// signalSiblingForwarders tells every other forwarder streaming the same
// downstream subscription's group to terminate, once this one reaches
// end-of-group, per §4.8 step 6.
func (c *Conn) signalSiblingForwarders(downstreamKey relation.Key, groupID, excludeSubgroupID, status uint64) {
	ids, err := c.relay.manager.GetDownstreamSubgroupIDsForGroup(downstreamKey, groupID)
	if err != nil {
		return
	}
	for _, sgID := range ids {
		if sgID == excludeSubgroupID {
			continue
		}
		gs := relation.GroupSubgroup{GroupID: groupID, SubgroupID: sgID}
		streamID, ok, err := c.relay.manager.GetDownstreamStreamIDForSubgroup(downstreamKey, gs)
		if err != nil || !ok {
			continue
		}
		c.relay.signals.Signal(dispatch.StreamKey{SessionID: downstreamKey.SessionID, StreamID: streamID}, dispatch.Signal{Reason: dispatch.SignalEndOfGroup, Status: status})
	}
}

// finishForwarder classifies an error from resolveStartObject or the
// forwarding loop per §4.8's error table: a vanished cache entry or
// subscription is benign (the publisher or downstream unsubscribed mid-
// flight); a termination signal closes the stream with RESET_STREAM;
// anything else is InternalError and tears down this session.
func (c *Conn) finishForwarder(ws transport.SendStream, err error) {
	switch {
	case errors.Is(err, errTerminated):
		ws.CancelWrite(transport.ErrCodeStreamReset)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		ws.CancelWrite(transport.ErrCodeStreamCanceled)
	case errors.Is(err, objcache.ErrNoSuchCache), errors.Is(err, relation.ErrNoSuchSubscription):
		c.log.Debug("forwarder subscription or cache entry gone", "error", err)
		ws.CancelWrite(transport.ErrCodeStreamCanceled)
	default:
		ws.CancelWrite(transport.ErrCodeStreamCanceled)
		c.closeWithError(transport.ErrCodeInternal, "forwarder internal error")
	}
}
