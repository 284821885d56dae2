package wire

// Object status codes. A status is only meaningful when the object's
// payload is empty; a non-empty payload always carries ObjectStatusNormal
// implicitly and never encodes a status field on the wire.
const (
	ObjectStatusNormal            uint64 = 0
	ObjectStatusObjectDoesNotExist uint64 = 1
	ObjectStatusEndOfGroup         uint64 = 3
	ObjectStatusEndOfTrack         uint64 = 4
)

func validObjectStatus(s uint64) bool {
	switch s {
	case ObjectStatusNormal, ObjectStatusObjectDoesNotExist, ObjectStatusEndOfGroup, ObjectStatusEndOfTrack:
		return true
	default:
		return false
	}
}

// SubgroupIDMode selects how a subgroup stream header's subgroup id is
// represented: as an explicit field, or implicitly derived from context.
type SubgroupIDMode byte

const (
	SubgroupIDExplicit         SubgroupIDMode = 0
	SubgroupIDImplicitZero     SubgroupIDMode = 1
	SubgroupIDImplicitFirstObj SubgroupIDMode = 2
)

// subgroup stream header type discriminant, packed from three independent
// flags: SubgroupIDMode (2 bits), HasExtensions (1 bit), EndOfGroupStream
// (1 bit). EndOfGroupStream carries no extra wire bytes; it just tells the
// relay this stream is allowed to close the group early once it FINs,
// matching the in-band end-of-group behaviour described for subgroup
// streams. Only 12 of the 16 flag combinations are assigned (0x10..0x1b);
// 0x1c and 0x1d are reserved.
const subgroupHeaderBase uint64 = 0x10

func subgroupHeaderType(mode SubgroupIDMode, hasExt, endOfGroup bool) uint64 {
	t := subgroupHeaderBase + uint64(mode)*4
	if hasExt {
		t += 2
	}
	if endOfGroup {
		t++
	}
	return t
}

func decodeSubgroupHeaderType(t uint64) (mode SubgroupIDMode, hasExt, endOfGroup bool, ok bool) {
	if t < subgroupHeaderBase || t > subgroupHeaderBase+11 {
		return 0, false, false, false
	}
	offset := t - subgroupHeaderBase
	mode = SubgroupIDMode(offset / 4)
	rem := offset % 4
	hasExt = rem >= 2
	endOfGroup = rem%2 == 1
	return mode, hasExt, endOfGroup, true
}

// ExtHeader is one extension header key/value pair, order-preserving and
// opaque to this package per the data model's rule that relays forward
// unknown extensions unchanged.
type ExtHeader struct {
	Key   uint64
	Value []byte
}

func decodeExtHeaders(c *Cursor) ([]ExtHeader, bool) {
	start := c.Pos()
	n, ok := c.Varint()
	if !ok {
		c.Seek(start)
		return nil, false
	}
	exts := make([]ExtHeader, 0, n)
	for i := uint64(0); i < n; i++ {
		key, ok := c.Varint()
		if !ok {
			c.Seek(start)
			return nil, false
		}
		if key%2 == 1 {
			val, ok := c.Bytes()
			if !ok {
				c.Seek(start)
				return nil, false
			}
			exts = append(exts, ExtHeader{Key: key, Value: append([]byte(nil), val...)})
		} else {
			valStart := c.Pos()
			if _, ok := c.Varint(); !ok {
				c.Seek(start)
				return nil, false
			}
			exts = append(exts, ExtHeader{Key: key, Value: append([]byte(nil), c.data[valStart:c.Pos()]...)})
		}
	}
	return exts, true
}

func encodeExtHeaders(buf []byte, exts []ExtHeader) []byte {
	buf = AppendVarint(buf, uint64(len(exts)))
	for _, e := range exts {
		buf = AppendVarint(buf, e.Key)
		if e.Key%2 == 1 {
			buf = AppendBytes(buf, e.Value)
		} else {
			buf = append(buf, e.Value...)
		}
	}
	return buf
}

// SubgroupHeader is the header record that opens a unidirectional subgroup
// data stream.
type SubgroupHeader struct {
	Mode              SubgroupIDMode
	HasExtensions     bool
	EndOfGroupStream  bool
	TrackAlias        uint64
	GroupID           uint64
	SubgroupID        uint64 // meaningful only when Mode == SubgroupIDExplicit
	PublisherPriority byte
}

// ResolvedSubgroupID returns the header's subgroup id, resolving the
// implicit modes against the id of the first object on the stream.
func (h SubgroupHeader) ResolvedSubgroupID(firstObjectID uint64) uint64 {
	switch h.Mode {
	case SubgroupIDImplicitZero:
		return 0
	case SubgroupIDImplicitFirstObj:
		return firstObjectID
	default:
		return h.SubgroupID
	}
}

// DecodeSubgroupHeader decodes a subgroup stream header from the front of
// buf. As with the control codec, ok is false on a short buffer and buf is
// left untouched so the caller can retry after more bytes arrive.
func DecodeSubgroupHeader(buf []byte) (SubgroupHeader, int, bool, error) {
	c := NewCursor(buf)
	var h SubgroupHeader

	headerType, ok := c.Varint()
	if !ok {
		return h, 0, false, nil
	}
	mode, hasExt, eog, ok := decodeSubgroupHeaderType(headerType)
	if !ok {
		return h, 0, false, ErrUnknownHeaderType
	}
	h.Mode, h.HasExtensions, h.EndOfGroupStream = mode, hasExt, eog

	trackAlias, ok := c.Varint()
	if !ok {
		return h, 0, false, nil
	}
	h.TrackAlias = trackAlias

	groupID, ok := c.Varint()
	if !ok {
		return h, 0, false, nil
	}
	h.GroupID = groupID

	if mode == SubgroupIDExplicit {
		sgID, ok := c.Varint()
		if !ok {
			return h, 0, false, nil
		}
		h.SubgroupID = sgID
	}

	priority, ok := c.Byte()
	if !ok {
		return h, 0, false, nil
	}
	h.PublisherPriority = priority

	return h, c.Pos(), true, nil
}

// EncodeSubgroupHeader serializes a subgroup stream header.
func EncodeSubgroupHeader(h SubgroupHeader) []byte {
	t := subgroupHeaderType(h.Mode, h.HasExtensions, h.EndOfGroupStream)
	buf := AppendVarint(nil, t)
	buf = AppendVarint(buf, h.TrackAlias)
	buf = AppendVarint(buf, h.GroupID)
	if h.Mode == SubgroupIDExplicit {
		buf = AppendVarint(buf, h.SubgroupID)
	}
	return append(buf, h.PublisherPriority)
}

// SubgroupObject is one object within a subgroup stream, as framed after
// the stream's header. ObjectIDDelta is relative to the previous object on
// the stream (absolute for the first object).
type SubgroupObject struct {
	ObjectIDDelta uint64
	Extensions    []ExtHeader
	Status        uint64 // meaningful only when len(Payload) == 0
	Payload       []byte
}

// Validate enforces the status/payload exclusivity invariant.
func (o SubgroupObject) Validate() error {
	if len(o.Payload) == 0 {
		if !validObjectStatus(o.Status) {
			return ErrUnknownObjectStatus
		}
	} else if o.Status != ObjectStatusNormal {
		return ErrStatusWithPayload
	}
	return nil
}

// DecodeSubgroupObject decodes one object from a subgroup stream. hasExt
// must match the owning header's HasExtensions flag.
func DecodeSubgroupObject(buf []byte, hasExt bool) (SubgroupObject, int, bool, error) {
	c := NewCursor(buf)
	var o SubgroupObject

	delta, ok := c.Varint()
	if !ok {
		return o, 0, false, nil
	}
	o.ObjectIDDelta = delta

	if hasExt {
		exts, ok := decodeExtHeaders(c)
		if !ok {
			return o, 0, false, nil
		}
		o.Extensions = exts
	}

	length, ok := c.Varint()
	if !ok {
		return o, 0, false, nil
	}

	if length == 0 {
		status, ok := c.Varint()
		if !ok {
			return o, 0, false, nil
		}
		if !validObjectStatus(status) {
			return o, 0, false, ErrUnknownObjectStatus
		}
		o.Status = status
		return o, c.Pos(), true, nil
	}

	payload, ok := c.Fixed(int(length))
	if !ok {
		return o, 0, false, nil
	}
	o.Status = ObjectStatusNormal
	o.Payload = append([]byte(nil), payload...)
	return o, c.Pos(), true, nil
}

// EncodeSubgroupObject serializes one subgroup object. hasExt must match
// the owning header's HasExtensions flag.
func EncodeSubgroupObject(o SubgroupObject, hasExt bool) []byte {
	buf := AppendVarint(nil, o.ObjectIDDelta)
	if hasExt {
		buf = encodeExtHeaders(buf, o.Extensions)
	}
	if len(o.Payload) == 0 {
		buf = AppendVarint(buf, 0)
		buf = AppendVarint(buf, o.Status)
		return buf
	}
	buf = AppendVarint(buf, uint64(len(o.Payload)))
	return append(buf, o.Payload...)
}

// Datagram object type discriminants. Types 0x00-0x07 carry an explicit
// object id and pack three flags: HasExtensions (bit 0), IsStatus (bit 1),
// EndOfGroup (bit 2). Types 0x20/0x21 are the "single object, implicit id
// zero, no extensions" shorthand used for a datagram that starts a group,
// distinguished only by IsStatus; these never set EndOfGroup since a
// lone-datagram group start cannot simultaneously end its group.
const (
	datagramBase       uint64 = 0x00
	datagramImplicitPayload uint64 = 0x20
	datagramImplicitStatus  uint64 = 0x21
)

func datagramType(hasExt, isStatus, endOfGroup, implicitID bool) uint64 {
	if implicitID {
		if isStatus {
			return datagramImplicitStatus
		}
		return datagramImplicitPayload
	}
	t := datagramBase
	if hasExt {
		t += 1
	}
	if isStatus {
		t += 2
	}
	if endOfGroup {
		t += 4
	}
	return t
}

func decodeDatagramType(t uint64) (hasExt, isStatus, endOfGroup, implicitID bool, ok bool) {
	switch t {
	case datagramImplicitPayload:
		return false, false, false, true, true
	case datagramImplicitStatus:
		return false, true, false, true, true
	}
	if t > 0x07 {
		return false, false, false, false, false
	}
	hasExt = t&0x01 != 0
	isStatus = t&0x02 != 0
	endOfGroup = t&0x04 != 0
	return hasExt, isStatus, endOfGroup, false, true
}

// DatagramObject is a single MoQ object carried as one QUIC datagram.
type DatagramObject struct {
	TrackAlias uint64
	GroupID    uint64
	ObjectID   uint64 // 0 when the implicit-id variant was used
	Extensions []ExtHeader
	EndOfGroup bool
	Status     uint64 // meaningful only when len(Payload) == 0
	Payload    []byte
}

// Validate enforces the status/payload exclusivity invariant.
func (d DatagramObject) Validate() error {
	if len(d.Payload) == 0 {
		if !validObjectStatus(d.Status) {
			return ErrUnknownObjectStatus
		}
	} else if d.Status != ObjectStatusNormal {
		return ErrStatusWithPayload
	}
	return nil
}

// DecodeDatagramObject decodes a complete datagram payload. Unlike the
// stream decoders, a datagram always arrives whole, so there is no
// short-buffer retry path: a malformed datagram is simply dropped by the
// caller.
func DecodeDatagramObject(buf []byte) (DatagramObject, error) {
	c := NewCursor(buf)
	var d DatagramObject

	t, ok := c.Varint()
	if !ok {
		return d, newParseErr("DATAGRAM", "type", errShort)
	}
	hasExt, isStatus, endOfGroup, implicitID, ok := decodeDatagramType(t)
	if !ok {
		return d, ErrUnknownDatagramType
	}
	d.EndOfGroup = endOfGroup

	trackAlias, ok := c.Varint()
	if !ok {
		return d, newParseErr("DATAGRAM", "track_alias", errShort)
	}
	d.TrackAlias = trackAlias

	groupID, ok := c.Varint()
	if !ok {
		return d, newParseErr("DATAGRAM", "group_id", errShort)
	}
	d.GroupID = groupID

	if !implicitID {
		objID, ok := c.Varint()
		if !ok {
			return d, newParseErr("DATAGRAM", "object_id", errShort)
		}
		d.ObjectID = objID
	}

	if hasExt {
		exts, ok := decodeExtHeaders(c)
		if !ok {
			return d, newParseErr("DATAGRAM", "extensions", errShort)
		}
		d.Extensions = exts
	}

	if isStatus {
		status, ok := c.Varint()
		if !ok {
			return d, newParseErr("DATAGRAM", "status", errShort)
		}
		if !validObjectStatus(status) {
			return d, ErrUnknownObjectStatus
		}
		d.Status = status
		return d, nil
	}

	d.Status = ObjectStatusNormal
	d.Payload = append([]byte(nil), c.Remaining()...)
	return d, nil
}

// EncodeDatagramObject serializes a datagram object. The implicit-id
// variant is chosen automatically whenever ObjectID == 0 and there are no
// extensions and no end-of-group flag, matching the shorthand's definition.
func EncodeDatagramObject(d DatagramObject) []byte {
	implicitID := d.ObjectID == 0 && len(d.Extensions) == 0 && !d.EndOfGroup
	isStatus := len(d.Payload) == 0
	t := datagramType(len(d.Extensions) > 0, isStatus, d.EndOfGroup, implicitID)

	buf := AppendVarint(nil, t)
	buf = AppendVarint(buf, d.TrackAlias)
	buf = AppendVarint(buf, d.GroupID)
	if !implicitID {
		buf = AppendVarint(buf, d.ObjectID)
	}
	if len(d.Extensions) > 0 {
		buf = encodeExtHeaders(buf, d.Extensions)
	}
	if isStatus {
		buf = AppendVarint(buf, d.Status)
		return buf
	}
	return append(buf, d.Payload...)
}
