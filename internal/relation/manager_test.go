package relation

import (
	"errors"
	"testing"
)

func TestSetupPublisherRejectsDuplicate(t *testing.T) {
	t.Parallel()
	m := New()
	defer m.Stop()

	if err := m.SetupPublisher("pub1", 100); err != nil {
		t.Fatalf("first SetupPublisher: %v", err)
	}
	if err := m.SetupPublisher("pub1", 100); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("err = %v, want ErrSessionExists", err)
	}
}

func TestAnnounceAndPrefixMatch(t *testing.T) {
	t.Parallel()
	m := New()
	defer m.Stop()

	if err := m.SetupPublisher("pub1", 100); err != nil {
		t.Fatalf("SetupPublisher: %v", err)
	}
	ns := []string{"live", "cam1"}
	if err := m.SetUpstreamAnnouncedNamespace("pub1", ns); err != nil {
		t.Fatalf("SetUpstreamAnnouncedNamespace: %v", err)
	}
	if err := m.SetUpstreamAnnouncedNamespace("pub1", ns); !errors.Is(err, ErrDuplicateNamespace) {
		t.Fatalf("err = %v, want ErrDuplicateNamespace", err)
	}

	matches := m.GetUpstreamNamespacesMatchingPrefix([]string{"live"})
	if len(matches) != 1 || !namespaceEqual(matches[0], ns) {
		t.Fatalf("matches = %v, want [%v]", matches, ns)
	}
	if len(m.GetUpstreamNamespacesMatchingPrefix([]string{"vod"})) != 0 {
		t.Fatal("expected no matches for an unrelated prefix")
	}
}

func TestOverlappingSubscribedPrefixRejected(t *testing.T) {
	t.Parallel()
	m := New()
	defer m.Stop()

	if err := m.SetupSubscriber("sub1", 100); err != nil {
		t.Fatalf("SetupSubscriber: %v", err)
	}
	if err := m.SetDownstreamSubscribedNamespacePrefix("sub1", []string{"live"}); err != nil {
		t.Fatalf("first prefix: %v", err)
	}
	if err := m.SetDownstreamSubscribedNamespacePrefix("sub1", []string{"live", "cam1"}); !errors.Is(err, ErrOverlappingPrefix) {
		t.Fatalf("err = %v, want ErrOverlappingPrefix", err)
	}
}

func TestSubscriptionLifecycleAndRelation(t *testing.T) {
	t.Parallel()
	m := New()
	defer m.Stop()

	if err := m.SetupPublisher("pub1", 100); err != nil {
		t.Fatalf("SetupPublisher: %v", err)
	}
	if err := m.SetupSubscriber("sub1", 100); err != nil {
		t.Fatalf("SetupSubscriber: %v", err)
	}

	ns := []string{"live", "cam1"}
	upKey, alias, err := m.SetUpstreamSubscription("pub1", ns, "video", 128, 1, Range{Filter: FilterLatestGroup})
	if err != nil {
		t.Fatalf("SetUpstreamSubscription: %v", err)
	}
	if alias != 0 {
		t.Fatalf("first track alias = %d, want 0", alias)
	}

	downKey := Key{SessionID: "sub1", SubscribeID: 0}
	if err := m.SetDownstreamSubscription("sub1", 0, 55, ns, "video", 128, 1, Range{Filter: FilterLatestGroup}); err != nil {
		t.Fatalf("SetDownstreamSubscription: %v", err)
	}
	if err := m.SetDownstreamSubscription("sub1", 0, 55, ns, "video", 128, 1, Range{Filter: FilterLatestGroup}); !errors.Is(err, ErrDuplicateSubscribeID) {
		t.Fatalf("err = %v, want ErrDuplicateSubscribeID", err)
	}
	if err := m.SetDownstreamSubscription("sub1", 100, 56, ns, "video", 128, 1, Range{Filter: FilterLatestGroup}); !errors.Is(err, ErrSubscribeIDTooHigh) {
		t.Fatalf("err = %v, want ErrSubscribeIDTooHigh", err)
	}

	if err := m.SetPubSubRelation(upKey, downKey); err != nil {
		t.Fatalf("SetPubSubRelation: %v", err)
	}

	requesting := m.GetRequestingDownstreamIDs(upKey)
	if len(requesting) != 1 || requesting[0] != downKey {
		t.Fatalf("requesting = %v, want [%v]", requesting, downKey)
	}

	if !m.ActivateUpstreamSubscription(upKey) {
		t.Fatal("expected first activation to transition")
	}
	if m.ActivateUpstreamSubscription(upKey) {
		t.Fatal("expected second activation to be a no-op")
	}

	related := m.GetRelatedSubscribers(upKey)
	if len(related) != 1 || related[0] != downKey {
		t.Fatalf("related = %v, want [%v]", related, downKey)
	}

	gotUp, err := m.GetRelatedPublisher(downKey)
	if err != nil || gotUp != upKey {
		t.Fatalf("GetRelatedPublisher: got %v, err %v, want %v", gotUp, err, upKey)
	}

	gotAlias, err := m.GetDownstreamTrackAlias(downKey)
	if err != nil || gotAlias != 55 {
		t.Fatalf("GetDownstreamTrackAlias: got %d, err %v", gotAlias, err)
	}
}

func TestForwardingPreferenceIsOneShot(t *testing.T) {
	t.Parallel()
	m := New()
	defer m.Stop()

	if err := m.SetupPublisher("pub1", 100); err != nil {
		t.Fatalf("SetupPublisher: %v", err)
	}
	upKey, _, err := m.SetUpstreamSubscription("pub1", []string{"live"}, "video", 0, 1, Range{Filter: FilterLatestGroup})
	if err != nil {
		t.Fatalf("SetUpstreamSubscription: %v", err)
	}

	if err := m.SetUpstreamForwardingPreference(upKey, PreferenceSubgroup); err != nil {
		t.Fatalf("first preference set: %v", err)
	}
	if err := m.SetUpstreamForwardingPreference(upKey, PreferenceSubgroup); err != nil {
		t.Fatalf("repeating the same preference should be a no-op: %v", err)
	}
	if err := m.SetUpstreamForwardingPreference(upKey, PreferenceDatagram); !errors.Is(err, ErrPreferenceMismatch) {
		t.Fatalf("err = %v, want ErrPreferenceMismatch", err)
	}
}

func TestStreamIDIndexAndGroupLookup(t *testing.T) {
	t.Parallel()
	m := New()
	defer m.Stop()

	if err := m.SetupPublisher("pub1", 100); err != nil {
		t.Fatalf("SetupPublisher: %v", err)
	}
	upKey, _, err := m.SetUpstreamSubscription("pub1", []string{"live"}, "video", 0, 1, Range{Filter: FilterLatestGroup})
	if err != nil {
		t.Fatalf("SetUpstreamSubscription: %v", err)
	}

	if err := m.SetUpstreamStreamID(upKey, GroupSubgroup{GroupID: 7, SubgroupID: 0}, 11); err != nil {
		t.Fatalf("SetUpstreamStreamID: %v", err)
	}
	if err := m.SetUpstreamStreamID(upKey, GroupSubgroup{GroupID: 7, SubgroupID: 1}, 12); err != nil {
		t.Fatalf("SetUpstreamStreamID: %v", err)
	}

	streamID, found, err := m.GetUpstreamStreamIDForSubgroup(upKey, GroupSubgroup{GroupID: 7, SubgroupID: 0})
	if err != nil || !found || streamID != 11 {
		t.Fatalf("GetUpstreamStreamIDForSubgroup: id=%d found=%v err=%v", streamID, found, err)
	}

	ids, err := m.GetUpstreamSubgroupIDsForGroup(upKey, 7)
	if err != nil || len(ids) != 2 {
		t.Fatalf("GetUpstreamSubgroupIDsForGroup: ids=%v err=%v", ids, err)
	}
}

func TestDeleteClientRemovesRelations(t *testing.T) {
	t.Parallel()
	m := New()
	defer m.Stop()

	if err := m.SetupPublisher("pub1", 100); err != nil {
		t.Fatalf("SetupPublisher: %v", err)
	}
	if err := m.SetupSubscriber("sub1", 100); err != nil {
		t.Fatalf("SetupSubscriber: %v", err)
	}
	upKey, _, err := m.SetUpstreamSubscription("pub1", []string{"live"}, "video", 0, 1, Range{Filter: FilterLatestGroup})
	if err != nil {
		t.Fatalf("SetUpstreamSubscription: %v", err)
	}
	if err := m.SetDownstreamSubscription("sub1", 0, 1, []string{"live"}, "video", 0, 1, Range{Filter: FilterLatestGroup}); err != nil {
		t.Fatalf("SetDownstreamSubscription: %v", err)
	}
	downKey := Key{SessionID: "sub1", SubscribeID: 0}
	if err := m.SetPubSubRelation(upKey, downKey); err != nil {
		t.Fatalf("SetPubSubRelation: %v", err)
	}

	m.DeleteClient("sub1")
	if _, err := m.GetRelatedPublisher(downKey); !errors.Is(err, ErrNoSuchRelation) {
		t.Fatalf("err = %v, want ErrNoSuchRelation after deleting downstream session", err)
	}
	if related := m.GetRelatedSubscribers(upKey); len(related) != 0 {
		t.Fatalf("related = %v, want none after downstream session deleted", related)
	}

	m.DeleteClient("pub1")
	if err := m.SetUpstreamAnnouncedNamespace("pub1", []string{"x"}); !errors.Is(err, ErrNoSuchSession) {
		t.Fatalf("err = %v, want ErrNoSuchSession after deleting publisher session", err)
	}

	// DeleteClient is idempotent.
	m.DeleteClient("pub1")
	m.DeleteClient("sub1")
}

func TestFindUpstreamSubscriptionAndPublisher(t *testing.T) {
	t.Parallel()
	m := New()
	defer m.Stop()

	if err := m.SetupPublisher("pub1", 100); err != nil {
		t.Fatalf("SetupPublisher: %v", err)
	}
	ns := []string{"live", "cam1"}
	if err := m.SetUpstreamAnnouncedNamespace("pub1", ns); err != nil {
		t.Fatalf("SetUpstreamAnnouncedNamespace: %v", err)
	}
	if _, found := m.FindUpstreamSubscription("pub1", ns, "video"); found {
		t.Fatal("expected no upstream subscription before one is created")
	}
	if sid, found := m.FindPublisherForNamespace(ns); !found || sid != "pub1" {
		t.Fatalf("FindPublisherForNamespace: sid=%q found=%v, want pub1/true", sid, found)
	}

	upKey, _, err := m.SetUpstreamSubscription("pub1", ns, "video", 0, 1, Range{Filter: FilterLatestGroup})
	if err != nil {
		t.Fatalf("SetUpstreamSubscription: %v", err)
	}
	found, ok := m.FindUpstreamSubscription("pub1", ns, "video")
	if !ok || found != upKey {
		t.Fatalf("FindUpstreamSubscription: got %v ok=%v, want %v/true", found, ok, upKey)
	}

	sub, err := m.GetUpstreamSubscription(upKey)
	if err != nil || sub.TrackName != "video" {
		t.Fatalf("GetUpstreamSubscription: %+v, err %v", sub, err)
	}

	m.UnannounceUpstream("pub1", ns)
	if _, found := m.FindPublisherForNamespace(ns); found {
		t.Fatal("expected namespace to be gone after UnannounceUpstream")
	}

	m.UnsubscribeUpstream(upKey)
	if _, err := m.GetUpstreamSubscription(upKey); !errors.Is(err, ErrNoSuchSubscription) {
		t.Fatalf("err = %v, want ErrNoSuchSubscription after UnsubscribeUpstream", err)
	}
}
