package relay

import (
	"context"
	"fmt"

	"github.com/zsiec/moqtrelay/internal/relation"
	"github.com/zsiec/moqtrelay/internal/session"
	"github.com/zsiec/moqtrelay/internal/wire"
)

// dispatchControl validates session timing and routes one decoded control
// message to its handler. Every handler mutates the relation manager first,
// then enqueues whatever outbound messages follow from that mutation.
func (c *Conn) dispatchControl(ctx context.Context, msgType uint64, payload []byte) session.MessageProcessResult {
	if err := c.sess.RequireSetUp(); err != nil {
		return session.Failure(session.TerminationProtocolViolation, "message received before SETUP")
	}

	switch msgType {
	case wire.MsgAnnounce:
		return c.handleAnnounce(ctx, payload)
	case wire.MsgUnannounce:
		return c.handleUnannounce(ctx, payload)
	case wire.MsgSubscribeAnnounces:
		return c.handleSubscribeAnnounces(ctx, payload)
	case wire.MsgUnsubscribeAnnounces:
		return c.handleUnsubscribeAnnounces(ctx, payload)
	case wire.MsgSubscribe:
		return c.handleSubscribe(ctx, payload)
	case wire.MsgSubscribeOK:
		return c.handleSubscribeOK(ctx, payload)
	case wire.MsgSubscribeError:
		return c.handleSubscribeError(ctx, payload)
	case wire.MsgUnsubscribe:
		return c.handleUnsubscribe(ctx, payload)
	case wire.MsgMaxRequestID:
		return c.handleMaxRequestID(ctx, payload)
	default:
		c.log.Debug("ignoring unrecognised control message", "type", fmt.Sprintf("0x%x", msgType))
		return session.SuccessNoResponse()
	}
}

func (c *Conn) handleAnnounce(ctx context.Context, payload []byte) session.MessageProcessResult {
	a, err := wire.ParseAnnounce(payload)
	if err != nil {
		return session.Failure(session.TerminationGenericError, "malformed ANNOUNCE")
	}
	if err := c.relay.manager.SetUpstreamAnnouncedNamespace(c.id, a.Namespace); err != nil {
		return session.Failure(session.TerminationGenericError, err.Error())
	}
	if err := c.relay.control.Enqueue(ctx, c.id, wire.MsgAnnounceOK, wire.SerializeAnnounceOK(wire.AnnounceOK{Namespace: a.Namespace})); err != nil {
		return session.Failure(session.TerminationInternalError, "failed to send ANNOUNCE_OK")
	}
	c.fanOutAnnounce(ctx, a.Namespace)
	return session.SuccessNoResponse()
}

// fanOutAnnounce emits ns to every session whose SUBSCRIBE_ANNOUNCES prefix
// matches it, per the "notify currently-subscribed prefixes" half of the
// ANNOUNCE path; the other half runs at SUBSCRIBE_ANNOUNCES time, below.
func (c *Conn) fanOutAnnounce(ctx context.Context, ns []string) {
	for _, sessionID := range c.relay.manager.SessionsSubscribedToNamespace(ns) {
		payload := wire.SerializeAnnounce(wire.Announce{Namespace: ns})
		if err := c.relay.control.Enqueue(ctx, sessionID, wire.MsgAnnounce, payload); err != nil {
			c.log.Debug("ANNOUNCE fan-out failed", "to", sessionID, "error", err)
		}
	}
}

func (c *Conn) handleUnannounce(ctx context.Context, payload []byte) session.MessageProcessResult {
	u, err := wire.ParseUnannounce(payload)
	if err != nil {
		return session.Failure(session.TerminationGenericError, "malformed UNANNOUNCE")
	}
	c.relay.manager.UnannounceUpstream(c.id, u.Namespace)
	return session.SuccessNoResponse()
}

func (c *Conn) handleSubscribeAnnounces(ctx context.Context, payload []byte) session.MessageProcessResult {
	sa, err := wire.ParseSubscribeAnnounces(payload)
	if err != nil {
		return session.Failure(session.TerminationGenericError, "malformed SUBSCRIBE_ANNOUNCES")
	}

	if err := c.relay.manager.SetDownstreamSubscribedNamespacePrefix(c.id, sa.NamespacePrefix); err != nil {
		errPayload := wire.SerializeSubscribeAnnouncesError(wire.SubscribeAnnouncesError{
			NamespacePrefix: sa.NamespacePrefix,
			ErrorCode:       wire.ErrCodeNamespacePrefixOverlap,
			ReasonPhrase:    err.Error(),
		})
		if err := c.relay.control.Enqueue(ctx, c.id, wire.MsgSubscribeAnnouncesError, errPayload); err != nil {
			return session.Failure(session.TerminationInternalError, "failed to send SUBSCRIBE_ANNOUNCES_ERROR")
		}
		return session.SuccessNoResponse()
	}

	okPayload := wire.SerializeSubscribeAnnouncesOK(wire.SubscribeAnnouncesOK{NamespacePrefix: sa.NamespacePrefix})
	if err := c.relay.control.Enqueue(ctx, c.id, wire.MsgSubscribeAnnouncesOK, okPayload); err != nil {
		return session.Failure(session.TerminationInternalError, "failed to send SUBSCRIBE_ANNOUNCES_OK")
	}

	for _, ns := range c.relay.manager.GetUpstreamNamespacesMatchingPrefix(sa.NamespacePrefix) {
		announce := wire.SerializeAnnounce(wire.Announce{Namespace: ns})
		if err := c.relay.control.Enqueue(ctx, c.id, wire.MsgAnnounce, announce); err != nil {
			return session.Failure(session.TerminationInternalError, "failed to send ANNOUNCE")
		}
	}
	return session.SuccessNoResponse()
}

func (c *Conn) handleUnsubscribeAnnounces(ctx context.Context, payload []byte) session.MessageProcessResult {
	u, err := wire.ParseUnsubscribeAnnounces(payload)
	if err != nil {
		return session.Failure(session.TerminationGenericError, "malformed UNSUBSCRIBE_ANNOUNCES")
	}
	c.relay.manager.UnsubscribeAnnouncesDownstream(c.id, u.NamespacePrefix)
	return session.SuccessNoResponse()
}

// handleSubscribe implements the reuse-or-create upstream subscription
// logic: a second SUBSCRIBE for a namespace/track already fed by an
// upstream subscription just joins that edge; the first one allocates a
// new upstream subscribe_id+track_alias and forwards SUBSCRIBE to the
// publisher.
func (c *Conn) handleSubscribe(ctx context.Context, payload []byte) session.MessageProcessResult {
	s, err := wire.ParseSubscribe(payload)
	if err != nil {
		return session.Failure(session.TerminationGenericError, "malformed SUBSCRIBE")
	}
	if err := s.Validate(); err != nil {
		return c.sendSubscribeError(ctx, s.RequestID, 0, err.Error())
	}
	for _, p := range s.Params {
		if p.Key != wire.ParamAuthorizationInfo {
			c.log.Debug("ignoring unrecognised SUBSCRIBE parameter", "key", p.Key)
		}
	}

	rng := buildRange(s)
	downKey := relation.Key{SessionID: c.id, SubscribeID: s.RequestID}
	if err := c.relay.manager.SetDownstreamSubscription(c.id, s.RequestID, s.TrackAlias, s.Namespace, s.TrackName, s.Priority, s.GroupOrder, rng); err != nil {
		return c.sendSubscribeError(ctx, s.RequestID, 0, err.Error())
	}

	if upKey, ok := c.relay.manager.FindAnyUpstreamSubscription(s.Namespace, s.TrackName); ok {
		if err := c.relay.manager.SetPubSubRelation(upKey, downKey); err != nil {
			return c.sendSubscribeError(ctx, s.RequestID, 0, err.Error())
		}
		up, err := c.relay.manager.GetUpstreamSubscription(upKey)
		if err != nil {
			return session.Failure(session.TerminationInternalError, "upstream subscription vanished mid-handler")
		}
		if up.Status == relation.Active {
			c.relay.manager.ActivateDownstreamSubscription(downKey)
			return c.sendSubscribeOK(ctx, s.RequestID, s.GroupOrder)
		}
		return session.SuccessNoResponse()
	}

	pubSessionID, ok := c.relay.manager.FindPublisherForNamespace(s.Namespace)
	if !ok {
		return c.sendSubscribeError(ctx, s.RequestID, 0, "no publisher has announced that namespace")
	}
	upKey, upAlias, err := c.relay.manager.SetUpstreamSubscription(pubSessionID, s.Namespace, s.TrackName, s.Priority, s.GroupOrder, rng)
	if err != nil {
		return c.sendSubscribeError(ctx, s.RequestID, 0, err.Error())
	}
	if err := c.relay.manager.SetPubSubRelation(upKey, downKey); err != nil {
		return session.Failure(session.TerminationInternalError, "failed to join new upstream subscription")
	}

	upstream := wire.Subscribe{
		RequestID:  upKey.SubscribeID,
		TrackAlias: upAlias,
		Namespace:  s.Namespace,
		TrackName:  s.TrackName,
		Priority:   s.Priority,
		GroupOrder: s.GroupOrder,
		FilterType: s.FilterType,
		StartGroup: s.StartGroup,
		StartObj:   s.StartObj,
		EndGroup:   s.EndGroup,
		Params:     s.Params,
	}
	if err := c.relay.control.Enqueue(ctx, pubSessionID, wire.MsgSubscribe, wire.SerializeSubscribe(upstream)); err != nil {
		return session.Failure(session.TerminationInternalError, "failed to forward SUBSCRIBE upstream")
	}
	return session.SuccessNoResponse()
}

func (c *Conn) sendSubscribeError(ctx context.Context, requestID, errorCode uint64, reason string) session.MessageProcessResult {
	payload := wire.SerializeSubscribeError(wire.SubscribeError{RequestID: requestID, ErrorCode: errorCode, ReasonPhrase: reason})
	if err := c.relay.control.Enqueue(ctx, c.id, wire.MsgSubscribeError, payload); err != nil {
		return session.Failure(session.TerminationInternalError, "failed to send SUBSCRIBE_ERROR")
	}
	return session.SuccessNoResponse()
}

// sendSubscribeOK replies without claiming any existing content, since
// that would require consulting the object cache from the control path;
// a subscriber joining an Active upstream instead discovers the current
// group/object from the first object its forwarder delivers.
func (c *Conn) sendSubscribeOK(ctx context.Context, requestID uint64, groupOrder byte) session.MessageProcessResult {
	payload := wire.SerializeSubscribeOK(wire.SubscribeOK{RequestID: requestID, GroupOrder: groupOrder})
	if err := c.relay.control.Enqueue(ctx, c.id, wire.MsgSubscribeOK, payload); err != nil {
		return session.Failure(session.TerminationInternalError, "failed to send SUBSCRIBE_OK")
	}
	return session.SuccessNoResponse()
}

// handleSubscribeOK runs on the publisher's Conn: it activates the
// upstream edge and fans the reply out, with the downstream's own
// subscribe id substituted, to every downstream still Requesting.
func (c *Conn) handleSubscribeOK(ctx context.Context, payload []byte) session.MessageProcessResult {
	sok, err := wire.ParseSubscribeOK(payload)
	if err != nil {
		return session.Failure(session.TerminationGenericError, "malformed SUBSCRIBE_OK")
	}
	upKey := relation.Key{SessionID: c.id, SubscribeID: sok.RequestID}
	c.relay.manager.ActivateUpstreamSubscription(upKey)

	for _, downKey := range c.relay.manager.GetRequestingDownstreamIDs(upKey) {
		reply := wire.SerializeSubscribeOK(wire.SubscribeOK{
			RequestID:     downKey.SubscribeID,
			Expires:       sok.Expires,
			GroupOrder:    sok.GroupOrder,
			ContentExists: sok.ContentExists,
			LargestGroup:  sok.LargestGroup,
			LargestObj:    sok.LargestObj,
		})
		if err := c.relay.control.Enqueue(ctx, downKey.SessionID, wire.MsgSubscribeOK, reply); err != nil {
			c.log.Debug("forward SUBSCRIBE_OK failed", "downstream", downKey.SessionID, "error", err)
			continue
		}
		c.relay.manager.ActivateDownstreamSubscription(downKey)
	}
	return session.SuccessNoResponse()
}

// handleSubscribeError runs on the publisher's Conn: a rejected upstream
// subscription takes every Requesting downstream down with it.
func (c *Conn) handleSubscribeError(ctx context.Context, payload []byte) session.MessageProcessResult {
	se, err := wire.ParseSubscribeError(payload)
	if err != nil {
		return session.Failure(session.TerminationGenericError, "malformed SUBSCRIBE_ERROR")
	}
	upKey := relation.Key{SessionID: c.id, SubscribeID: se.RequestID}
	for _, downKey := range c.relay.manager.GetRequestingDownstreamIDs(upKey) {
		reply := wire.SerializeSubscribeError(wire.SubscribeError{
			RequestID:    downKey.SubscribeID,
			ErrorCode:    se.ErrorCode,
			ReasonPhrase: se.ReasonPhrase,
		})
		if err := c.relay.control.Enqueue(ctx, downKey.SessionID, wire.MsgSubscribeError, reply); err != nil {
			c.log.Debug("forward SUBSCRIBE_ERROR failed", "downstream", downKey.SessionID, "error", err)
		}
		c.relay.manager.UnsubscribeDownstream(downKey)
	}
	c.relay.manager.UnsubscribeUpstream(upKey)
	return session.SuccessNoResponse()
}

// handleUnsubscribe only removes this session's own downstream
// subscription and its relation edge. It deliberately does not cascade an
// UNSUBSCRIBE upstream even when this was the last downstream relying on
// that upstream subscription: the upstream subscription simply becomes an
// unrelated edge-less subscription until the publisher session closes or
// the relay is restarted, trading a small amount of wasted upstream
// bandwidth for not needing a reference count on every upstream edge set.
func (c *Conn) handleUnsubscribe(ctx context.Context, payload []byte) session.MessageProcessResult {
	u, err := wire.ParseUnsubscribe(payload)
	if err != nil {
		return session.Failure(session.TerminationGenericError, "malformed UNSUBSCRIBE")
	}
	c.relay.manager.UnsubscribeDownstream(relation.Key{SessionID: c.id, SubscribeID: u.RequestID})
	return session.SuccessNoResponse()
}

func (c *Conn) handleMaxRequestID(ctx context.Context, payload []byte) session.MessageProcessResult {
	m, err := wire.ParseMaxRequestID(payload)
	if err != nil {
		return session.Failure(session.TerminationGenericError, "malformed MAX_REQUEST_ID")
	}
	c.sess.SetPeerMaxRequestID(m.RequestID)
	return session.SuccessNoResponse()
}

// buildRange translates a decoded SUBSCRIBE's filter fields into the
// relation manager's Range shape.
func buildRange(s wire.Subscribe) relation.Range {
	switch s.FilterType {
	case wire.FilterAbsoluteStart:
		return relation.Range{
			Filter: relation.FilterAbsoluteStart,
			Start:  relation.ObjectCoord{Group: s.StartGroup, Object: s.StartObj},
		}
	case wire.FilterAbsoluteRange:
		return relation.Range{
			Filter:   relation.FilterAbsoluteRange,
			Start:    relation.ObjectCoord{Group: s.StartGroup, Object: s.StartObj},
			EndGroup: s.EndGroup,
		}
	case wire.FilterLatestObject:
		return relation.Range{Filter: relation.FilterLatestObject}
	default:
		return relation.Range{Filter: relation.FilterLatestGroup}
	}
}
