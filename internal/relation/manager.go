package relation

import (
	"errors"
	"log/slog"
)

// Errors returned by manager operations. Callers translate these into the
// appropriate SUBSCRIBE_ERROR/ANNOUNCE_ERROR/SUBSCRIBE_ANNOUNCES_ERROR
// control message, or a protocol violation close, as the caller's own
// context dictates.
var (
	ErrSessionExists       = errors.New("relation: session already has a record for this role")
	ErrNoSuchSession       = errors.New("relation: no record for this session")
	ErrDuplicateNamespace  = errors.New("relation: namespace already announced on this session")
	ErrOverlappingPrefix   = errors.New("relation: subscribed namespace prefix overlaps an existing one")
	ErrSubscribeIDTooHigh  = errors.New("relation: subscribe id is not below the session's max")
	ErrDuplicateSubscribeID = errors.New("relation: subscribe id already in use on this session")
	ErrNoSuchSubscription  = errors.New("relation: no subscription with that key")
	ErrPreferenceMismatch  = errors.New("relation: forwarding preference already set to a different value")
	ErrNoSuchRelation      = errors.New("relation: no relation edge for that key")
)

// Manager is the pub/sub relation manager actor. Zero value is not usable;
// construct with New.
type Manager struct {
	log  *slog.Logger
	cmds chan func()

	publishers  map[string]*PeerRecord
	subscribers map[string]*PeerRecord

	upstream   map[Key]*Subscription
	downstream map[Key]*Subscription

	// relations maps an upstream key to the set of downstream keys it feeds.
	relations map[Key]map[Key]struct{}
	// reverse maps a downstream key back to its upstream key.
	reverse map[Key]Key
}

// New starts the manager's command-processing goroutine and returns a
// handle. Stop must be called to release the goroutine.
func New() *Manager {
	m := &Manager{
		log:         slog.With("component", "relation"),
		cmds:        make(chan func(), 256),
		publishers:  make(map[string]*PeerRecord),
		subscribers: make(map[string]*PeerRecord),
		upstream:    make(map[Key]*Subscription),
		downstream:  make(map[Key]*Subscription),
		relations:   make(map[Key]map[Key]struct{}),
		reverse:     make(map[Key]Key),
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	for cmd := range m.cmds {
		cmd()
	}
}

// Stop closes the command channel, ending the manager's goroutine once any
// queued commands drain.
func (m *Manager) Stop() {
	close(m.cmds)
}

// call enqueues f and blocks until it has run, giving every exported method
// the "processed to completion before the next begins" guarantee the data
// model requires without the method bodies needing their own locking.
func (m *Manager) call(f func()) {
	done := make(chan struct{})
	m.cmds <- func() {
		f()
		close(done)
	}
	<-done
}

// SetupPublisher creates the publisher-side peer record for sessionID.
func (m *Manager) SetupPublisher(sessionID string, maxSubscribeID uint64) error {
	var err error
	m.call(func() {
		if _, exists := m.publishers[sessionID]; exists {
			err = ErrSessionExists
			return
		}
		m.publishers[sessionID] = &PeerRecord{SessionID: sessionID, MaxSubscribeID: maxSubscribeID}
	})
	return err
}

// SetupSubscriber creates the subscriber-side peer record for sessionID.
func (m *Manager) SetupSubscriber(sessionID string, maxSubscribeID uint64) error {
	var err error
	m.call(func() {
		if _, exists := m.subscribers[sessionID]; exists {
			err = ErrSessionExists
			return
		}
		m.subscribers[sessionID] = &PeerRecord{SessionID: sessionID, MaxSubscribeID: maxSubscribeID}
	})
	return err
}

// SetUpstreamAnnouncedNamespace records that sessionID has announced ns.
func (m *Manager) SetUpstreamAnnouncedNamespace(sessionID string, ns []string) error {
	var err error
	m.call(func() {
		pub, ok := m.publishers[sessionID]
		if !ok {
			err = ErrNoSuchSession
			return
		}
		for _, existing := range pub.Namespaces {
			if namespaceEqual(existing, ns) {
				err = ErrDuplicateNamespace
				return
			}
		}
		pub.Namespaces = append(pub.Namespaces, ns)
	})
	return err
}

// GetUpstreamNamespacesMatchingPrefix returns every announced namespace,
// from any publisher, that begins with prefix.
func (m *Manager) GetUpstreamNamespacesMatchingPrefix(prefix []string) [][]string {
	var out [][]string
	m.call(func() {
		for _, pub := range m.publishers {
			for _, ns := range pub.Namespaces {
				if namespaceHasPrefix(ns, prefix) {
					out = append(out, ns)
				}
			}
		}
	})
	return out
}

// SetDownstreamSubscribedNamespacePrefix records that sessionID wants to be
// notified of announcements under prefix.
func (m *Manager) SetDownstreamSubscribedNamespacePrefix(sessionID string, prefix []string) error {
	var err error
	m.call(func() {
		sub, ok := m.subscribers[sessionID]
		if !ok {
			err = ErrNoSuchSession
			return
		}
		for _, existing := range sub.Namespaces {
			if namespaceHasPrefix(existing, prefix) || namespaceHasPrefix(prefix, existing) {
				err = ErrOverlappingPrefix
				return
			}
		}
		sub.Namespaces = append(sub.Namespaces, prefix)
	})
	return err
}

// SessionsSubscribedToNamespace returns the id of every subscriber session
// holding a subscribed prefix that ns falls under — used to fan out an
// ANNOUNCE.
func (m *Manager) SessionsSubscribedToNamespace(ns []string) []string {
	var sessionIDs []string
	m.call(func() {
		for sid, sub := range m.subscribers {
			for _, prefix := range sub.Namespaces {
				if namespaceHasPrefix(ns, prefix) {
					sessionIDs = append(sessionIDs, sid)
					break
				}
			}
		}
	})
	return sessionIDs
}

// SetUpstreamSubscription allocates the next subscribe id and track alias
// on sessionID and creates a Requesting upstream subscription record.
func (m *Manager) SetUpstreamSubscription(sessionID string, ns []string, name string, priority, groupOrder byte, rng Range) (Key, uint64, error) {
	var key Key
	var trackAlias uint64
	var err error
	m.call(func() {
		pub, ok := m.publishers[sessionID]
		if !ok {
			err = ErrNoSuchSession
			return
		}
		subID := pub.nextSubscribeID
		pub.nextSubscribeID++
		alias := pub.nextTrackAlias
		pub.nextTrackAlias++

		key = Key{SessionID: sessionID, SubscribeID: subID}
		trackAlias = alias
		m.upstream[key] = &Subscription{
			Key:         key,
			Direction:   Upstream,
			TrackAlias:  alias,
			Namespace:   ns,
			TrackName:   name,
			Priority:    priority,
			GroupOrder:  groupOrder,
			Range:       rng,
			Status:      Requesting,
			streamIDs:   make(map[GroupSubgroup]uint64),
		}
	})
	return key, trackAlias, err
}

// SetDownstreamSubscription stores a Requesting downstream subscription,
// validating that subscribeID is unique and within sessionID's max.
func (m *Manager) SetDownstreamSubscription(sessionID string, subscribeID, trackAlias uint64, ns []string, name string, priority, groupOrder byte, rng Range) error {
	var err error
	m.call(func() {
		sub, ok := m.subscribers[sessionID]
		if !ok {
			err = ErrNoSuchSession
			return
		}
		if subscribeID >= sub.MaxSubscribeID {
			err = ErrSubscribeIDTooHigh
			return
		}
		key := Key{SessionID: sessionID, SubscribeID: subscribeID}
		if _, exists := m.downstream[key]; exists {
			err = ErrDuplicateSubscribeID
			return
		}
		m.downstream[key] = &Subscription{
			Key:        key,
			Direction:  Downstream,
			TrackAlias: trackAlias,
			Namespace:  ns,
			TrackName:  name,
			Priority:   priority,
			GroupOrder: groupOrder,
			Range:      rng,
			Status:     Requesting,
			streamIDs:  make(map[GroupSubgroup]uint64),
		}
	})
	return err
}

// SetPubSubRelation joins an upstream subscription to a downstream one.
func (m *Manager) SetPubSubRelation(up, down Key) error {
	var err error
	m.call(func() {
		if _, ok := m.upstream[up]; !ok {
			err = ErrNoSuchSubscription
			return
		}
		if _, ok := m.downstream[down]; !ok {
			err = ErrNoSuchSubscription
			return
		}
		if m.relations[up] == nil {
			m.relations[up] = make(map[Key]struct{})
		}
		m.relations[up][down] = struct{}{}
		m.reverse[down] = up
	})
	return err
}

// ActivateUpstreamSubscription transitions an upstream subscription from
// Requesting to Active, returning whether the transition occurred (false
// if it was already Active or does not exist).
func (m *Manager) ActivateUpstreamSubscription(key Key) bool {
	var transitioned bool
	m.call(func() {
		sub, ok := m.upstream[key]
		if !ok || sub.Status == Active {
			return
		}
		sub.Status = Active
		transitioned = true
	})
	return transitioned
}

// ActivateDownstreamSubscription is the downstream analogue of
// ActivateUpstreamSubscription.
func (m *Manager) ActivateDownstreamSubscription(key Key) bool {
	var transitioned bool
	m.call(func() {
		sub, ok := m.downstream[key]
		if !ok || sub.Status == Active {
			return
		}
		sub.Status = Active
		transitioned = true
	})
	return transitioned
}

// GetRequestingDownstreamIDs returns the downstream keys related to up that
// are still Requesting, used to fan out a SUBSCRIBE_OK once upstream's own
// subscription goes Active.
func (m *Manager) GetRequestingDownstreamIDs(up Key) []Key {
	var out []Key
	m.call(func() {
		for down := range m.relations[up] {
			if sub, ok := m.downstream[down]; ok && sub.Status == Requesting {
				out = append(out, down)
			}
		}
	})
	return out
}

// GetRelatedSubscribers returns every downstream key related to up,
// regardless of status; used by data-stream receivers deciding who to
// forward to.
func (m *Manager) GetRelatedSubscribers(up Key) []Key {
	var out []Key
	m.call(func() {
		for down := range m.relations[up] {
			out = append(out, down)
		}
	})
	return out
}

// GetRelatedPublisher returns the upstream key feeding down, used by
// forwarders to find the cache their data comes from.
func (m *Manager) GetRelatedPublisher(down Key) (Key, error) {
	var up Key
	var err error
	m.call(func() {
		u, ok := m.reverse[down]
		if !ok {
			err = ErrNoSuchRelation
			return
		}
		up = u
	})
	return up, err
}

// SetUpstreamForwardingPreference sets an upstream subscription's
// forwarding preference. It is a one-shot operation: a second call with a
// different value is a protocol violation, matching the data model's
// "immutable once set" invariant; a second call with the same value is a
// no-op.
func (m *Manager) SetUpstreamForwardingPreference(key Key, pref ForwardingPreference) error {
	return m.setForwardingPreference(m.upstreamSub, key, pref)
}

// SetDownstreamForwardingPreference is the downstream analogue.
func (m *Manager) SetDownstreamForwardingPreference(key Key, pref ForwardingPreference) error {
	return m.setForwardingPreference(m.downstreamSub, key, pref)
}

func (m *Manager) setForwardingPreference(lookup func(Key) (*Subscription, bool), key Key, pref ForwardingPreference) error {
	var err error
	m.call(func() {
		sub, ok := lookup(key)
		if !ok {
			err = ErrNoSuchSubscription
			return
		}
		if sub.Preference == PreferenceUnset {
			sub.Preference = pref
			return
		}
		if sub.Preference != pref {
			err = ErrPreferenceMismatch
		}
	})
	return err
}

// GetUpstreamForwardingPreference and GetDownstreamForwardingPreference
// return a subscription's forwarding preference, PreferenceUnset if no
// data stream has arrived for it yet.
func (m *Manager) GetUpstreamForwardingPreference(key Key) (ForwardingPreference, error) {
	return m.getForwardingPreference(m.upstreamSub, key)
}

func (m *Manager) GetDownstreamForwardingPreference(key Key) (ForwardingPreference, error) {
	return m.getForwardingPreference(m.downstreamSub, key)
}

func (m *Manager) getForwardingPreference(lookup func(Key) (*Subscription, bool), key Key) (ForwardingPreference, error) {
	var pref ForwardingPreference
	var err error
	m.call(func() {
		sub, ok := lookup(key)
		if !ok {
			err = ErrNoSuchSubscription
			return
		}
		pref = sub.Preference
	})
	return pref, err
}

func (m *Manager) upstreamSub(key Key) (*Subscription, bool)   { sub, ok := m.upstream[key]; return sub, ok }
func (m *Manager) downstreamSub(key Key) (*Subscription, bool) { sub, ok := m.downstream[key]; return sub, ok }

// GetUpstreamFilterType and GetDownstreamFilterType return a subscription's
// requested filter type.
func (m *Manager) GetUpstreamFilterType(key Key) (FilterType, error) {
	return m.getFilterType(m.upstreamSub, key)
}

func (m *Manager) GetDownstreamFilterType(key Key) (FilterType, error) {
	return m.getFilterType(m.downstreamSub, key)
}

func (m *Manager) getFilterType(lookup func(Key) (*Subscription, bool), key Key) (FilterType, error) {
	var ft FilterType
	var err error
	m.call(func() {
		sub, ok := lookup(key)
		if !ok {
			err = ErrNoSuchSubscription
			return
		}
		ft = sub.Range.Filter
	})
	return ft, err
}

// GetUpstreamRequestedRange and GetDownstreamRequestedRange return a
// subscription's requested object range.
func (m *Manager) GetUpstreamRequestedRange(key Key) (Range, error) {
	return m.getRange(m.upstreamSub, key)
}

func (m *Manager) GetDownstreamRequestedRange(key Key) (Range, error) {
	return m.getRange(m.downstreamSub, key)
}

func (m *Manager) getRange(lookup func(Key) (*Subscription, bool), key Key) (Range, error) {
	var r Range
	var err error
	m.call(func() {
		sub, ok := lookup(key)
		if !ok {
			err = ErrNoSuchSubscription
			return
		}
		r = sub.Range
	})
	return r, err
}

// GetDownstreamTrackAlias returns the track alias a downstream
// subscription's consumer chose, used to rewrite objects forwarded to it.
func (m *Manager) GetDownstreamTrackAlias(key Key) (uint64, error) {
	var alias uint64
	var err error
	m.call(func() {
		sub, ok := m.downstream[key]
		if !ok {
			err = ErrNoSuchSubscription
			return
		}
		alias = sub.TrackAlias
	})
	return alias, err
}

// SetDownstreamActualObjectStart and GetDownstreamActualObjectStart record
// and retrieve where a downstream subscription actually began forwarding,
// so later subgroup forwarders for the same subscription can align.
func (m *Manager) SetDownstreamActualObjectStart(key Key, coord ObjectCoord) error {
	var err error
	m.call(func() {
		sub, ok := m.downstream[key]
		if !ok {
			err = ErrNoSuchSubscription
			return
		}
		sub.HasActualStart = true
		sub.ActualStart = coord
	})
	return err
}

func (m *Manager) GetDownstreamActualObjectStart(key Key) (ObjectCoord, bool, error) {
	var coord ObjectCoord
	var has bool
	var err error
	m.call(func() {
		sub, ok := m.downstream[key]
		if !ok {
			err = ErrNoSuchSubscription
			return
		}
		coord, has = sub.ActualStart, sub.HasActualStart
	})
	return coord, has, err
}

// SetUpstreamStreamID and SetDownstreamStreamID register which QUIC stream
// id carries a (group, subgroup) for a subscription.
func (m *Manager) SetUpstreamStreamID(key Key, gs GroupSubgroup, streamID uint64) error {
	return m.setStreamID(m.upstreamSub, key, gs, streamID)
}

func (m *Manager) SetDownstreamStreamID(key Key, gs GroupSubgroup, streamID uint64) error {
	return m.setStreamID(m.downstreamSub, key, gs, streamID)
}

func (m *Manager) setStreamID(lookup func(Key) (*Subscription, bool), key Key, gs GroupSubgroup, streamID uint64) error {
	var err error
	m.call(func() {
		sub, ok := lookup(key)
		if !ok {
			err = ErrNoSuchSubscription
			return
		}
		sub.streamIDs[gs] = streamID
	})
	return err
}

// The Get{Upstream,Downstream}StreamIDForSubgroup and
// Get{Upstream,Downstream}SubgroupIDsForGroup lookups support end-of-group
// coordination: a receiver that just saw end-of-group for (g, sg) looks up
// the other live subgroups of g to signal their streams closed.
func (m *Manager) GetUpstreamStreamIDForSubgroup(key Key, gs GroupSubgroup) (uint64, bool, error) {
	return m.getStreamID(m.upstreamSub, key, gs)
}

func (m *Manager) GetDownstreamStreamIDForSubgroup(key Key, gs GroupSubgroup) (uint64, bool, error) {
	return m.getStreamID(m.downstreamSub, key, gs)
}

func (m *Manager) getStreamID(lookup func(Key) (*Subscription, bool), key Key, gs GroupSubgroup) (uint64, bool, error) {
	var streamID uint64
	var found bool
	var err error
	m.call(func() {
		sub, ok := lookup(key)
		if !ok {
			err = ErrNoSuchSubscription
			return
		}
		streamID, found = sub.streamIDs[gs]
	})
	return streamID, found, err
}

func (m *Manager) GetUpstreamSubgroupIDsForGroup(key Key, groupID uint64) ([]uint64, error) {
	return m.getSubgroupIDsForGroup(m.upstreamSub, key, groupID)
}

func (m *Manager) GetDownstreamSubgroupIDsForGroup(key Key, groupID uint64) ([]uint64, error) {
	return m.getSubgroupIDsForGroup(m.downstreamSub, key, groupID)
}

func (m *Manager) getSubgroupIDsForGroup(lookup func(Key) (*Subscription, bool), key Key, groupID uint64) ([]uint64, error) {
	var ids []uint64
	var err error
	m.call(func() {
		sub, ok := lookup(key)
		if !ok {
			err = ErrNoSuchSubscription
			return
		}
		for gs := range sub.streamIDs {
			if gs.GroupID == groupID {
				ids = append(ids, gs.SubgroupID)
			}
		}
	})
	return ids, err
}

// DeleteClient removes sessionID's publisher and subscriber records, every
// subscription it owns on either side, and every relation edge touching
// those subscriptions. Idempotent.
func (m *Manager) DeleteClient(sessionID string) {
	m.call(func() {
		delete(m.publishers, sessionID)
		delete(m.subscribers, sessionID)

		for key := range m.upstream {
			if key.SessionID == sessionID {
				delete(m.upstream, key)
				for down := range m.relations[key] {
					delete(m.reverse, down)
				}
				delete(m.relations, key)
			}
		}
		for key := range m.downstream {
			if key.SessionID == sessionID {
				delete(m.downstream, key)
				if up, ok := m.reverse[key]; ok {
					delete(m.relations[up], key)
					delete(m.reverse, key)
				}
			}
		}
	})
}

// FindUpstreamSubscription returns the key of an existing upstream
// subscription for (ns, name) on sessionID, letting a SUBSCRIBE handler
// reuse an in-flight upstream request instead of sending a duplicate.
func (m *Manager) FindUpstreamSubscription(sessionID string, ns []string, name string) (Key, bool) {
	var key Key
	var found bool
	m.call(func() {
		for k, sub := range m.upstream {
			if k.SessionID == sessionID && sub.TrackName == name && namespaceEqual(sub.Namespace, ns) {
				key, found = k, true
				return
			}
		}
	})
	return key, found
}

// FindUpstreamSubscriptionByAlias resolves an upstream subscription by the
// session that owns it and the track alias it handed that session in
// SUBSCRIBE, the only identifier a data-stream receiver has available
// (subgroup and datagram headers carry track_alias, not subscribe_id).
func (m *Manager) FindUpstreamSubscriptionByAlias(sessionID string, trackAlias uint64) (Key, bool) {
	var key Key
	var found bool
	m.call(func() {
		for k, sub := range m.upstream {
			if k.SessionID == sessionID && sub.TrackAlias == trackAlias {
				key, found = k, true
				return
			}
		}
	})
	return key, found
}

// FindAnyUpstreamSubscription returns the key of any existing upstream
// subscription for (ns, name), regardless of which publisher session holds
// it, so a SUBSCRIBE handler can fan a second downstream subscriber onto
// an upstream subscription already in flight.
func (m *Manager) FindAnyUpstreamSubscription(ns []string, name string) (Key, bool) {
	var key Key
	var found bool
	m.call(func() {
		for k, sub := range m.upstream {
			if sub.TrackName == name && namespaceEqual(sub.Namespace, ns) {
				key, found = k, true
				return
			}
		}
	})
	return key, found
}

// FindPublisherForNamespace returns the session id of whichever publisher
// announced ns, used to route a new upstream SUBSCRIBE.
func (m *Manager) FindPublisherForNamespace(ns []string) (string, bool) {
	var sessionID string
	var found bool
	m.call(func() {
		for sid, pub := range m.publishers {
			for _, existing := range pub.Namespaces {
				if namespaceEqual(existing, ns) {
					sessionID, found = sid, true
					return
				}
			}
		}
	})
	return sessionID, found
}

// GetUpstreamSubscription and GetDownstreamSubscription return a copy of a
// subscription's fields, used by handlers composing outbound control
// messages from a subscription's stored state.
func (m *Manager) GetUpstreamSubscription(key Key) (Subscription, error) {
	return m.getSubscription(m.upstreamSub, key)
}

func (m *Manager) GetDownstreamSubscription(key Key) (Subscription, error) {
	return m.getSubscription(m.downstreamSub, key)
}

func (m *Manager) getSubscription(lookup func(Key) (*Subscription, bool), key Key) (Subscription, error) {
	var out Subscription
	var err error
	m.call(func() {
		sub, ok := lookup(key)
		if !ok {
			err = ErrNoSuchSubscription
			return
		}
		out = *sub
	})
	return out, err
}

// UnsubscribeUpstream and UnsubscribeDownstream remove a subscription and
// any relation edge touching it, for an explicit UNSUBSCRIBE rather than a
// whole-session teardown.
func (m *Manager) UnsubscribeUpstream(key Key) {
	m.call(func() {
		delete(m.upstream, key)
		for down := range m.relations[key] {
			delete(m.reverse, down)
		}
		delete(m.relations, key)
	})
}

func (m *Manager) UnsubscribeDownstream(key Key) {
	m.call(func() {
		delete(m.downstream, key)
		if up, ok := m.reverse[key]; ok {
			delete(m.relations[up], key)
			delete(m.reverse, key)
		}
	})
}

// UnannounceUpstream removes ns from sessionID's announced namespaces.
func (m *Manager) UnannounceUpstream(sessionID string, ns []string) {
	m.call(func() {
		pub, ok := m.publishers[sessionID]
		if !ok {
			return
		}
		for i, existing := range pub.Namespaces {
			if namespaceEqual(existing, ns) {
				pub.Namespaces = append(pub.Namespaces[:i], pub.Namespaces[i+1:]...)
				return
			}
		}
	})
}

// UnsubscribeAnnouncesDownstream removes a subscribed prefix.
func (m *Manager) UnsubscribeAnnouncesDownstream(sessionID string, prefix []string) {
	m.call(func() {
		sub, ok := m.subscribers[sessionID]
		if !ok {
			return
		}
		for i, existing := range sub.Namespaces {
			if namespaceEqual(existing, prefix) {
				sub.Namespaces = append(sub.Namespaces[:i], sub.Namespaces[i+1:]...)
				return
			}
		}
	})
}

func namespaceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func namespaceHasPrefix(ns, prefix []string) bool {
	if len(prefix) > len(ns) {
		return false
	}
	for i := range prefix {
		if ns[i] != prefix[i] {
			return false
		}
	}
	return true
}
