package objcache

import (
	"errors"
	"log/slog"
	"time"

	"github.com/zsiec/moqtrelay/internal/relation"
	"github.com/zsiec/moqtrelay/internal/wire"
)

// ErrNoSuchCache reports a lookup against a (key, group, subgroup) or
// (key, group) that has never had create_subgroup_stream_cache (or an
// implicit datagram-path equivalent) called for it.
var ErrNoSuchCache = errors.New("objcache: no cache for that key")

// DefaultRetention is the default object lifetime used when a caller does
// not specify one; it bounds memory use while giving a newly-started
// forwarder a window to catch up to the live edge.
const DefaultRetention = 10 * time.Second

// subgroupEntry holds one (group, subgroup)'s header and ordered objects.
type subgroupEntry struct {
	header     wire.SubgroupHeader
	haveHeader bool
	objects    []storedSubgroupObject
	nextCacheID uint64
}

type storedSubgroupObject struct {
	cacheID  uint64
	objectID uint64
	object   wire.SubgroupObject
	storedAt time.Time
	expires  time.Time
}

// datagramEntry holds one group's datagram-path objects.
type datagramEntry struct {
	objects     []storedDatagramObject
	nextCacheID uint64
}

type storedDatagramObject struct {
	cacheID  uint64
	objectID uint64
	object   wire.DatagramObject
	storedAt time.Time
	expires  time.Time
}

type subgroupKey struct {
	key relation.Key
	gs  relation.GroupSubgroup
}

type datagramKey struct {
	key     relation.Key
	groupID uint64
}

// Cache is the object cache actor.
type Cache struct {
	log  *slog.Logger
	cmds chan func()

	subgroups map[subgroupKey]*subgroupEntry
	datagrams map[datagramKey]*datagramEntry
}

// New starts the cache's command-processing goroutine.
func New() *Cache {
	c := &Cache{
		log:       slog.With("component", "objcache"),
		cmds:      make(chan func(), 256),
		subgroups: make(map[subgroupKey]*subgroupEntry),
		datagrams: make(map[datagramKey]*datagramEntry),
	}
	go c.run()
	return c
}

func (c *Cache) run() {
	for cmd := range c.cmds {
		cmd()
	}
}

// Stop closes the command channel.
func (c *Cache) Stop() {
	close(c.cmds)
}

func (c *Cache) call(f func()) {
	done := make(chan struct{})
	c.cmds <- func() {
		f()
		close(done)
	}
	<-done
}

// CreateSubgroupStreamCache creates the cache entry for (key, group,
// subgroup) if one does not already exist; idempotent.
func (c *Cache) CreateSubgroupStreamCache(key relation.Key, gs relation.GroupSubgroup, header wire.SubgroupHeader) {
	c.call(func() {
		sk := subgroupKey{key: key, gs: gs}
		if _, exists := c.subgroups[sk]; exists {
			return
		}
		c.subgroups[sk] = &subgroupEntry{header: header, haveHeader: true}
	})
}

// SetSubgroupStreamObject appends an object to (key, group, subgroup)'s
// cache, assigning it a new monotone cache id, and evicts objects older
// than retention (DefaultRetention if retention is zero).
func (c *Cache) SetSubgroupStreamObject(key relation.Key, gs relation.GroupSubgroup, objectID uint64, obj wire.SubgroupObject, retention time.Duration) (uint64, error) {
	if retention == 0 {
		retention = DefaultRetention
	}
	var cacheID uint64
	var err error
	c.call(func() {
		sk := subgroupKey{key: key, gs: gs}
		entry, ok := c.subgroups[sk]
		if !ok {
			err = ErrNoSuchCache
			return
		}
		now := timeNow()
		cacheID = entry.nextCacheID
		entry.nextCacheID++
		entry.objects = append(entry.objects, storedSubgroupObject{
			cacheID:  cacheID,
			objectID: objectID,
			object:   obj,
			storedAt: now,
			expires:  now.Add(retention),
		})
		entry.objects = evictExpiredSubgroup(entry.objects, now)
	})
	return cacheID, err
}

func evictExpiredSubgroup(objs []storedSubgroupObject, now time.Time) []storedSubgroupObject {
	cut := 0
	for cut < len(objs)-1 && objs[cut].expires.Before(now) {
		cut++
	}
	if cut == 0 {
		return objs
	}
	return append([]storedSubgroupObject(nil), objs[cut:]...)
}

// GetSubgroupStreamHeader returns the header stored for (key, group, subgroup).
func (c *Cache) GetSubgroupStreamHeader(key relation.Key, gs relation.GroupSubgroup) (wire.SubgroupHeader, error) {
	var h wire.SubgroupHeader
	var err error
	c.call(func() {
		entry, ok := c.subgroups[subgroupKey{key: key, gs: gs}]
		if !ok || !entry.haveHeader {
			err = ErrNoSuchCache
			return
		}
		h = entry.header
	})
	return h, err
}

// GetFirstSubgroupStreamObject returns the earliest retained object in
// (key, group, subgroup)'s cache, or ok=false if none is retained.
func (c *Cache) GetFirstSubgroupStreamObject(key relation.Key, gs relation.GroupSubgroup) (cacheID uint64, objectID uint64, obj wire.SubgroupObject, ok bool, err error) {
	c.call(func() {
		entry, exists := c.subgroups[subgroupKey{key: key, gs: gs}]
		if !exists {
			err = ErrNoSuchCache
			return
		}
		if len(entry.objects) == 0 {
			return
		}
		first := entry.objects[0]
		cacheID, objectID, obj, ok = first.cacheID, first.objectID, first.object, true
	})
	return
}

// GetAbsoluteSubgroupStreamObject returns the object stored with exactly
// objectID, or ok=false if not (no longer, or not yet) cached.
func (c *Cache) GetAbsoluteSubgroupStreamObject(key relation.Key, gs relation.GroupSubgroup, objectID uint64) (cacheID uint64, obj wire.SubgroupObject, ok bool, err error) {
	c.call(func() {
		entry, exists := c.subgroups[subgroupKey{key: key, gs: gs}]
		if !exists {
			err = ErrNoSuchCache
			return
		}
		for _, o := range entry.objects {
			if o.objectID == objectID {
				cacheID, obj, ok = o.cacheID, o.object, true
				return
			}
		}
	})
	return
}

// GetNextSubgroupStreamObject returns the object with cache id strictly
// greater than prevCacheID, or ok=false if the caller is caught up.
func (c *Cache) GetNextSubgroupStreamObject(key relation.Key, gs relation.GroupSubgroup, prevCacheID uint64) (cacheID uint64, objectID uint64, obj wire.SubgroupObject, ok bool, err error) {
	c.call(func() {
		entry, exists := c.subgroups[subgroupKey{key: key, gs: gs}]
		if !exists {
			err = ErrNoSuchCache
			return
		}
		for _, o := range entry.objects {
			if o.cacheID > prevCacheID {
				cacheID, objectID, obj, ok = o.cacheID, o.objectID, o.object, true
				return
			}
		}
	})
	return
}

// CreateDatagramCache creates the datagram-path cache entry for (key,
// group) if one does not already exist; idempotent.
func (c *Cache) CreateDatagramCache(key relation.Key, groupID uint64) {
	c.call(func() {
		dk := datagramKey{key: key, groupID: groupID}
		if _, exists := c.datagrams[dk]; exists {
			return
		}
		c.datagrams[dk] = &datagramEntry{}
	})
}

// SetDatagramObject is the datagram-path analogue of
// SetSubgroupStreamObject.
func (c *Cache) SetDatagramObject(key relation.Key, groupID, objectID uint64, obj wire.DatagramObject, retention time.Duration) (uint64, error) {
	if retention == 0 {
		retention = DefaultRetention
	}
	var cacheID uint64
	var err error
	c.call(func() {
		dk := datagramKey{key: key, groupID: groupID}
		entry, ok := c.datagrams[dk]
		if !ok {
			err = ErrNoSuchCache
			return
		}
		now := timeNow()
		cacheID = entry.nextCacheID
		entry.nextCacheID++
		entry.objects = append(entry.objects, storedDatagramObject{
			cacheID:  cacheID,
			objectID: objectID,
			object:   obj,
			storedAt: now,
			expires:  now.Add(retention),
		})
		entry.objects = evictExpiredDatagram(entry.objects, now)
	})
	return cacheID, err
}

func evictExpiredDatagram(objs []storedDatagramObject, now time.Time) []storedDatagramObject {
	cut := 0
	for cut < len(objs)-1 && objs[cut].expires.Before(now) {
		cut++
	}
	if cut == 0 {
		return objs
	}
	return append([]storedDatagramObject(nil), objs[cut:]...)
}

// GetFirstDatagramObject is the datagram-path analogue of
// GetFirstSubgroupStreamObject.
func (c *Cache) GetFirstDatagramObject(key relation.Key, groupID uint64) (cacheID uint64, objectID uint64, obj wire.DatagramObject, ok bool, err error) {
	c.call(func() {
		entry, exists := c.datagrams[datagramKey{key: key, groupID: groupID}]
		if !exists {
			err = ErrNoSuchCache
			return
		}
		if len(entry.objects) == 0 {
			return
		}
		first := entry.objects[0]
		cacheID, objectID, obj, ok = first.cacheID, first.objectID, first.object, true
	})
	return
}

// GetAbsoluteDatagramObject is the datagram-path analogue of
// GetAbsoluteSubgroupStreamObject.
func (c *Cache) GetAbsoluteDatagramObject(key relation.Key, groupID, objectID uint64) (cacheID uint64, obj wire.DatagramObject, ok bool, err error) {
	c.call(func() {
		entry, exists := c.datagrams[datagramKey{key: key, groupID: groupID}]
		if !exists {
			err = ErrNoSuchCache
			return
		}
		for _, o := range entry.objects {
			if o.objectID == objectID {
				cacheID, obj, ok = o.cacheID, o.object, true
				return
			}
		}
	})
	return
}

// GetNextDatagramObject is the datagram-path analogue of
// GetNextSubgroupStreamObject.
func (c *Cache) GetNextDatagramObject(key relation.Key, groupID uint64, prevCacheID uint64) (cacheID uint64, objectID uint64, obj wire.DatagramObject, ok bool, err error) {
	c.call(func() {
		entry, exists := c.datagrams[datagramKey{key: key, groupID: groupID}]
		if !exists {
			err = ErrNoSuchCache
			return
		}
		for _, o := range entry.objects {
			if o.cacheID > prevCacheID {
				cacheID, objectID, obj, ok = o.cacheID, o.objectID, o.object, true
				return
			}
		}
	})
	return
}

// timeNow is a var so tests can stub eviction timing rather than sleeping.
var timeNow = time.Now
