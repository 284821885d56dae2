package relay

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/zsiec/moqtrelay/internal/dispatch"
	"github.com/zsiec/moqtrelay/internal/relation"
	"github.com/zsiec/moqtrelay/internal/transport"
	"github.com/zsiec/moqtrelay/internal/wire"
)

// quiesceDelay is how long a receiver waits after its own subgroup sees
// end-of-group before terminating sibling subgroup receivers of the same
// group, giving them room to flush objects already in flight.
const quiesceDelay = 50 * time.Millisecond

// streamBuf accumulates bytes from a data stream and decodes subgroup
// headers and objects from it, growing the buffer across short reads the
// same way controlReader does for control frames.
type streamBuf struct {
	r   io.Reader
	buf []byte
}

func (s *streamBuf) header(ctx context.Context) (wire.SubgroupHeader, error) {
	for {
		if ctx.Err() != nil {
			return wire.SubgroupHeader{}, ctx.Err()
		}
		h, n, ok, err := wire.DecodeSubgroupHeader(s.buf)
		if err != nil {
			return wire.SubgroupHeader{}, err
		}
		if ok {
			s.buf = append([]byte(nil), s.buf[n:]...)
			return h, nil
		}
		if err := s.grow(); err != nil {
			return wire.SubgroupHeader{}, err
		}
	}
}

func (s *streamBuf) object(ctx context.Context, hasExt bool) (wire.SubgroupObject, error) {
	for {
		if ctx.Err() != nil {
			return wire.SubgroupObject{}, ctx.Err()
		}
		o, n, ok, err := wire.DecodeSubgroupObject(s.buf, hasExt)
		if err != nil {
			return wire.SubgroupObject{}, err
		}
		if ok {
			s.buf = append([]byte(nil), s.buf[n:]...)
			return o, nil
		}
		if err := s.grow(); err != nil {
			return wire.SubgroupObject{}, err
		}
	}
}

func (s *streamBuf) grow() error {
	chunk := make([]byte, 4096)
	n, err := s.r.Read(chunk)
	if n > 0 {
		s.buf = append(s.buf, chunk[:n]...)
	}
	return err
}

// receiveSubgroupStream runs one inbound unidirectional subgroup stream
// end to end: decode its header, resolve the upstream subscription it
// belongs to, fan out "open forwarder" requests to every related
// downstream, and relay objects into the cache until the group or track
// ends or this relay decides to give the group up.
func (c *Conn) receiveSubgroupStream(ctx context.Context, rs transport.RecvStream) {
	defer rs.CancelRead(transport.ErrCodeStreamCanceled)

	sb := &streamBuf{r: rs}
	header, err := sb.header(ctx)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			c.log.Debug("subgroup header read failed", "error", err)
		}
		return
	}

	upKey, ok := c.relay.manager.FindUpstreamSubscriptionByAlias(c.id, header.TrackAlias)
	if !ok {
		c.log.Debug("subgroup stream for unknown track alias", "session", c.id, "alias", header.TrackAlias)
		return
	}
	if err := c.relay.manager.SetUpstreamForwardingPreference(upKey, relation.PreferenceSubgroup); err != nil {
		c.log.Debug("forwarding preference mismatch", "key", upKey, "error", err)
		return
	}

	firstObj, err := sb.object(ctx, header.HasExtensions)
	if err != nil {
		c.log.Debug("subgroup first object read failed", "error", err)
		return
	}
	objectID := firstObj.ObjectIDDelta
	gs := relation.GroupSubgroup{GroupID: header.GroupID, SubgroupID: header.ResolvedSubgroupID(objectID)}
	streamID := uint64(rs.StreamID())
	if err := c.relay.manager.SetUpstreamStreamID(upKey, gs, streamID); err != nil {
		c.log.Debug("register upstream stream id failed", "error", err)
		return
	}

	c.relay.cache.CreateSubgroupStreamCache(upKey, gs, header)

	sigKey := c.signalKey(streamID)
	sigCh := c.relay.signals.Register(sigKey)
	defer c.relay.signals.Unregister(sigKey)

	for _, downKey := range c.relay.manager.GetRelatedSubscribers(upKey) {
		if downConn, ok := c.relay.connByID(downKey.SessionID); ok {
			downConn.openForwarder(ctx, downKey, header, gs, upKey)
		}
	}

	if _, err := c.relay.cache.SetSubgroupStreamObject(upKey, gs, objectID, firstObj, 0); err != nil {
		c.log.Debug("cache first object failed", "error", err)
		return
	}

	rangeEndGroup, hasRangeEnd := subgroupRangeEnd(c.relay.manager, upKey)
	endOfGroup := isEndOfGroup(firstObj)

	for !endOfGroup && !(hasRangeEnd && header.GroupID > rangeEndGroup) {
		select {
		case <-sigCh:
			c.log.Debug("subgroup receiver terminated by signal", "key", upKey, "gs", gs)
			return
		default:
		}

		obj, err := sb.object(ctx, header.HasExtensions)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug("subgroup object read failed", "error", err)
			}
			return
		}
		objectID += obj.ObjectIDDelta
		if _, err := c.relay.cache.SetSubgroupStreamObject(upKey, gs, objectID, obj, 0); err != nil {
			c.log.Debug("cache object failed", "error", err)
			return
		}
		endOfGroup = isEndOfGroup(obj)
	}

	if !endOfGroup {
		return
	}
	select {
	case <-time.After(quiesceDelay):
	case <-ctx.Done():
		return
	}
	c.terminateSiblingReceivers(upKey, header.GroupID, gs.SubgroupID)
}

func isEndOfGroup(obj wire.SubgroupObject) bool {
	return obj.Status == wire.ObjectStatusEndOfGroup || obj.Status == wire.ObjectStatusEndOfTrack
}

func subgroupRangeEnd(m *relation.Manager, key relation.Key) (uint64, bool) {
	filter, err := m.GetUpstreamFilterType(key)
	if err != nil || filter != relation.FilterAbsoluteRange {
		return 0, false
	}
	rng, err := m.GetUpstreamRequestedRange(key)
	if err != nil {
		return 0, false
	}
	return rng.EndGroup, true
}

// terminateSiblingReceivers signals every other subgroup receiver of the
// same upstream group to stop, per §4.7 step 8: once one subgroup sees
// end-of-group, the relay is permitted to close the group's remaining
// streams early rather than waiting for each to FIN on its own.
func (c *Conn) terminateSiblingReceivers(upKey relation.Key, groupID, excludeSubgroupID uint64) {
	ids, err := c.relay.manager.GetUpstreamSubgroupIDsForGroup(upKey, groupID)
	if err != nil {
		return
	}
	for _, sgID := range ids {
		if sgID == excludeSubgroupID {
			continue
		}
		gs := relation.GroupSubgroup{GroupID: groupID, SubgroupID: sgID}
		streamID, ok, err := c.relay.manager.GetUpstreamStreamIDForSubgroup(upKey, gs)
		if err != nil || !ok {
			continue
		}
		c.relay.signals.Signal(dispatch.StreamKey{SessionID: upKey.SessionID, StreamID: streamID}, dispatch.Signal{Reason: dispatch.SignalTerminate})
	}
}

// receiveDatagram handles one inbound datagram end to end. Unlike the
// subgroup path, a datagram is forwarded synchronously by the same task
// that received it: there is no stream to open, and the transport
// provides no ordering to preserve across a separate worker.
func (c *Conn) receiveDatagram(b []byte) {
	d, err := wire.DecodeDatagramObject(b)
	if err != nil {
		c.log.Debug("malformed datagram", "error", err)
		return
	}
	if err := d.Validate(); err != nil {
		c.log.Debug("invalid datagram", "error", err)
		return
	}

	upKey, ok := c.relay.manager.FindUpstreamSubscriptionByAlias(c.id, d.TrackAlias)
	if !ok {
		c.log.Debug("datagram for unknown track alias", "session", c.id, "alias", d.TrackAlias)
		return
	}
	if err := c.relay.manager.SetUpstreamForwardingPreference(upKey, relation.PreferenceDatagram); err != nil {
		c.log.Debug("forwarding preference mismatch", "key", upKey, "error", err)
		return
	}

	c.relay.cache.CreateDatagramCache(upKey, d.GroupID)
	if _, err := c.relay.cache.SetDatagramObject(upKey, d.GroupID, d.ObjectID, d, 0); err != nil {
		c.log.Debug("cache datagram failed", "error", err)
		return
	}

	for _, downKey := range c.relay.manager.GetRelatedSubscribers(upKey) {
		downConn, ok := c.relay.connByID(downKey.SessionID)
		if !ok {
			continue
		}
		if err := c.relay.manager.SetDownstreamForwardingPreference(downKey, relation.PreferenceDatagram); err != nil {
			downConn.log.Debug("downstream forwarding preference mismatch", "key", downKey, "error", err)
			continue
		}
		alias, err := c.relay.manager.GetDownstreamTrackAlias(downKey)
		if err != nil {
			continue
		}
		out := d
		out.TrackAlias = alias
		if err := downConn.ts.SendDatagram(wire.EncodeDatagramObject(out)); err != nil {
			downConn.log.Debug("forward datagram failed", "error", err)
		}
	}
}
