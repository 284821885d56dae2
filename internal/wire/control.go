package wire

import "fmt"

// Control message type IDs. Numbering follows draft-ietf-moq-transport's
// allocation ranges; SETUP lives in its own 0x40/0x41 range because it is
// negotiated before a version is agreed, everything else groups by family
// (SUBSCRIBE 0x03-0x05/0x0a, ANNOUNCE 0x06-0x09, SUBSCRIBE_ANNOUNCES
// 0x11-0x14).
const (
	MsgSubscribe             uint64 = 0x03
	MsgSubscribeOK           uint64 = 0x04
	MsgSubscribeError        uint64 = 0x05
	MsgAnnounce              uint64 = 0x06
	MsgAnnounceOK            uint64 = 0x07
	MsgAnnounceError         uint64 = 0x08
	MsgUnannounce            uint64 = 0x09
	MsgUnsubscribe           uint64 = 0x0a
	MsgGoAway                uint64 = 0x10
	MsgSubscribeAnnounces       uint64 = 0x11
	MsgSubscribeAnnouncesOK     uint64 = 0x12
	MsgSubscribeAnnouncesError  uint64 = 0x13
	MsgUnsubscribeAnnounces     uint64 = 0x14
	MsgMaxRequestID          uint64 = 0x15
	MsgClientSetup           uint64 = 0x40
	MsgServerSetup           uint64 = 0x41
)

// Version is the MoQ Transport version this relay negotiates: draft-15
// uses 0xff000000 + the draft number.
const Version uint64 = 0xff00000f

// Role is the CLIENT_SETUP ROLE parameter value.
type Role byte

const (
	RolePublisher  Role = 1
	RoleSubscriber Role = 2
	RolePubSub     Role = 3
)

// Setup parameter keys.
const (
	ParamRole         uint64 = 0x00 // even -> varint value
	ParamPath         uint64 = 0x01 // odd  -> byte string value, QUIC-only
	ParamMaxRequestID uint64 = 0x02 // even -> varint value
)

// ParamAuthorizationInfo is a version-specific SUBSCRIBE/ANNOUNCE parameter
// key carrying an opaque bearer token as a byte string.
const ParamAuthorizationInfo uint64 = 0x03 // odd -> byte string value

// Subscribe filter types.
const (
	FilterLatestGroup   uint64 = 0x01
	FilterLatestObject  uint64 = 0x02
	FilterAbsoluteStart uint64 = 0x03
	FilterAbsoluteRange uint64 = 0x04
)

// Group order values.
const (
	GroupOrderAscending  byte = 0x01
	GroupOrderDescending byte = 0x02
)

// SUBSCRIBE_ANNOUNCES error codes.
const (
	ErrCodeNamespacePrefixOverlap uint64 = 1
)

// Param is a generic, order-preserving control-message parameter: key
// parity selects whether Value holds the raw wire bytes of a varint (even
// key) or the raw content bytes of a length-prefixed string (odd key).
// Parameters this package does not interpret are preserved verbatim so a
// caller can choose to log-and-drop or, for extension use, re-encode them.
type Param struct {
	Key   uint64
	Value []byte
}

// Uint64 decodes Value as a varint, for even-keyed parameters.
func (p Param) Uint64() (uint64, bool) {
	c := NewCursor(p.Value)
	v, ok := c.Varint()
	if !ok || !c.Done() {
		return 0, false
	}
	return v, true
}

func decodeParams(c *Cursor) ([]Param, bool) {
	start := c.Pos()
	count, ok := c.Varint()
	if !ok {
		c.Seek(start)
		return nil, false
	}
	var params []Param
	for i := uint64(0); i < count; i++ {
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
			params = append(params, Param{Key: key, Value: append([]byte(nil), val...)})
		} else {
			valStart := c.Pos()
			if _, ok := c.Varint(); !ok {
				c.Seek(start)
				return nil, false
			}
			raw := append([]byte(nil), c.data[valStart:c.Pos()]...)
			params = append(params, Param{Key: key, Value: raw})
		}
	}
	return params, true
}

func encodeParams(buf []byte, params []Param) []byte {
	buf = AppendVarint(buf, uint64(len(params)))
	for _, p := range params {
		buf = AppendVarint(buf, p.Key)
		if p.Key%2 == 1 {
			buf = AppendBytes(buf, p.Value)
		} else {
			buf = append(buf, p.Value...)
		}
	}
	return buf
}

func paramUint64(key uint64, v uint64) Param {
	return Param{Key: key, Value: AppendVarint(nil, v)}
}

func paramBytes(key uint64, v []byte) Param {
	return Param{Key: key, Value: append([]byte(nil), v...)}
}

// DecodeControlFrame attempts to decode one control message frame —
// [varint type][varint payload_length][payload] — from the front of buf.
// On success it returns the message type, the payload slice (aliasing buf),
// and the number of bytes consumed. If buf does not yet hold a complete
// frame, ok is false and buf is untouched; the caller should retry once
// more bytes have arrived.
func DecodeControlFrame(buf []byte) (msgType uint64, payload []byte, n int, ok bool) {
	c := NewCursor(buf)
	t, ok := c.Varint()
	if !ok {
		return 0, nil, 0, false
	}
	length, ok := c.Varint()
	if !ok {
		return 0, nil, 0, false
	}
	body, ok := c.Fixed(int(length))
	if !ok {
		return 0, nil, 0, false
	}
	return t, body, c.Pos(), true
}

// EncodeControlFrame serializes a control message frame.
func EncodeControlFrame(msgType uint64, payload []byte) []byte {
	buf := AppendVarint(nil, msgType)
	buf = AppendVarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// ClientSetup is the first message sent by a MoQ client.
type ClientSetup struct {
	Versions     []uint64
	Role         Role
	HasRole      bool
	Path         string
	HasPath      bool
	MaxRequestID uint64

	// UnknownParams holds every parameter key this package does not
	// interpret, verbatim and in wire order, so a caller can satisfy the
	// "unknown setup parameters are ignored with a log" requirement.
	UnknownParams []Param
}

// SupportsVersion reports whether v is among the client's offered versions.
func (cs ClientSetup) SupportsVersion(v uint64) bool {
	for _, offered := range cs.Versions {
		if offered == v {
			return true
		}
	}
	return false
}

// ParseClientSetup decodes a CLIENT_SETUP payload.
func ParseClientSetup(data []byte) (ClientSetup, error) {
	c := NewCursor(data)
	var cs ClientSetup

	numVersions, ok := c.Varint()
	if !ok {
		return cs, newParseErr("CLIENT_SETUP", "num_versions", errShort)
	}
	cs.Versions = make([]uint64, numVersions)
	for i := range cs.Versions {
		v, ok := c.Varint()
		if !ok {
			return cs, newParseErr("CLIENT_SETUP", "version", errShort)
		}
		cs.Versions[i] = v
	}
	if len(cs.Versions) == 0 {
		return cs, ErrEmptyVersionList
	}

	params, ok := decodeParams(c)
	if !ok {
		return cs, newParseErr("CLIENT_SETUP", "params", errShort)
	}
	for _, p := range params {
		switch p.Key {
		case ParamRole:
			v, ok := p.Uint64()
			if !ok {
				return cs, newParseErr("CLIENT_SETUP", "role", errShort)
			}
			cs.Role = Role(v)
			cs.HasRole = true
		case ParamPath:
			cs.Path = string(p.Value)
			cs.HasPath = true
		case ParamMaxRequestID:
			v, ok := p.Uint64()
			if !ok {
				return cs, newParseErr("CLIENT_SETUP", "max_request_id", errShort)
			}
			cs.MaxRequestID = v
		default:
			cs.UnknownParams = append(cs.UnknownParams, p)
		}
	}
	return cs, nil
}

// SerializeClientSetup encodes a CLIENT_SETUP payload.
func SerializeClientSetup(cs ClientSetup) []byte {
	var buf []byte
	buf = AppendVarint(buf, uint64(len(cs.Versions)))
	for _, v := range cs.Versions {
		buf = AppendVarint(buf, v)
	}
	var params []Param
	if cs.HasRole {
		params = append(params, paramUint64(ParamRole, uint64(cs.Role)))
	}
	if cs.HasPath {
		params = append(params, paramBytes(ParamPath, []byte(cs.Path)))
	}
	if cs.MaxRequestID != 0 {
		params = append(params, paramUint64(ParamMaxRequestID, cs.MaxRequestID))
	}
	return encodeParams(buf, params)
}

// ServerSetup is the relay's response to a CLIENT_SETUP.
type ServerSetup struct {
	SelectedVersion uint64
	MaxRequestID    uint64
}

// ParseServerSetup decodes a SERVER_SETUP payload.
func ParseServerSetup(data []byte) (ServerSetup, error) {
	c := NewCursor(data)
	var ss ServerSetup
	var ok bool
	ss.SelectedVersion, ok = c.Varint()
	if !ok {
		return ss, newParseErr("SERVER_SETUP", "selected_version", errShort)
	}
	params, ok := decodeParams(c)
	if !ok {
		return ss, newParseErr("SERVER_SETUP", "params", errShort)
	}
	for _, p := range params {
		if p.Key == ParamMaxRequestID {
			v, ok := p.Uint64()
			if !ok {
				return ss, newParseErr("SERVER_SETUP", "max_request_id", errShort)
			}
			ss.MaxRequestID = v
		}
	}
	return ss, nil
}

// SerializeServerSetup encodes a SERVER_SETUP payload.
func SerializeServerSetup(ss ServerSetup) []byte {
	var buf []byte
	buf = AppendVarint(buf, ss.SelectedVersion)
	return encodeParams(buf, []Param{paramUint64(ParamMaxRequestID, ss.MaxRequestID)})
}

// Announce advertises that a publisher has content available under a
// track namespace.
type Announce struct {
	Namespace []string
	Params    []Param
}

func ParseAnnounce(data []byte) (Announce, error) {
	c := NewCursor(data)
	var a Announce
	ns, ok := c.NamespaceTuple()
	if !ok {
		return a, newParseErr("ANNOUNCE", "namespace", errShort)
	}
	a.Namespace = ns
	params, ok := decodeParams(c)
	if !ok {
		return a, newParseErr("ANNOUNCE", "params", errShort)
	}
	a.Params = params
	return a, nil
}

func SerializeAnnounce(a Announce) []byte {
	buf := AppendNamespaceTuple(nil, a.Namespace)
	return encodeParams(buf, a.Params)
}

// AnnounceOK confirms an ANNOUNCE.
type AnnounceOK struct {
	Namespace []string
}

func ParseAnnounceOK(data []byte) (AnnounceOK, error) {
	c := NewCursor(data)
	ns, ok := c.NamespaceTuple()
	if !ok {
		return AnnounceOK{}, newParseErr("ANNOUNCE_OK", "namespace", errShort)
	}
	return AnnounceOK{Namespace: ns}, nil
}

func SerializeAnnounceOK(a AnnounceOK) []byte {
	return AppendNamespaceTuple(nil, a.Namespace)
}

// AnnounceError rejects an ANNOUNCE.
type AnnounceError struct {
	Namespace    []string
	ErrorCode    uint64
	ReasonPhrase string
}

func ParseAnnounceError(data []byte) (AnnounceError, error) {
	c := NewCursor(data)
	var ae AnnounceError
	ns, ok := c.NamespaceTuple()
	if !ok {
		return ae, newParseErr("ANNOUNCE_ERROR", "namespace", errShort)
	}
	ae.Namespace = ns
	code, ok := c.Varint()
	if !ok {
		return ae, newParseErr("ANNOUNCE_ERROR", "error_code", errShort)
	}
	ae.ErrorCode = code
	reason, ok := c.Bytes()
	if !ok {
		return ae, newParseErr("ANNOUNCE_ERROR", "reason", errShort)
	}
	ae.ReasonPhrase = string(reason)
	return ae, nil
}

func SerializeAnnounceError(ae AnnounceError) []byte {
	buf := AppendNamespaceTuple(nil, ae.Namespace)
	buf = AppendVarint(buf, ae.ErrorCode)
	return AppendBytes(buf, []byte(ae.ReasonPhrase))
}

// Unannounce withdraws a previously announced namespace.
type Unannounce struct {
	Namespace []string
}

func ParseUnannounce(data []byte) (Unannounce, error) {
	c := NewCursor(data)
	ns, ok := c.NamespaceTuple()
	if !ok {
		return Unannounce{}, newParseErr("UNANNOUNCE", "namespace", errShort)
	}
	return Unannounce{Namespace: ns}, nil
}

func SerializeUnannounce(u Unannounce) []byte {
	return AppendNamespaceTuple(nil, u.Namespace)
}

// Subscribe requests delivery of a track.
type Subscribe struct {
	RequestID  uint64
	TrackAlias uint64
	Namespace  []string
	TrackName  string
	Priority   byte
	GroupOrder byte
	FilterType uint64
	StartGroup uint64 // present iff FilterType in {AbsoluteStart, AbsoluteRange}
	StartObj   uint64 // present iff FilterType in {AbsoluteStart, AbsoluteRange}
	EndGroup   uint64 // present iff FilterType == AbsoluteRange
	Params     []Param
}

// Validate enforces the filter/range shape invariants from the data model.
func (s Subscribe) Validate() error {
	if s.GroupOrder != GroupOrderAscending && s.GroupOrder != GroupOrderDescending {
		return ErrInvalidGroupOrder
	}
	switch s.FilterType {
	case FilterLatestGroup, FilterLatestObject, FilterAbsoluteStart, FilterAbsoluteRange:
	default:
		return ErrInvalidFilterType
	}
	if s.FilterType == FilterAbsoluteRange && s.EndGroup < s.StartGroup {
		return ErrInvalidRange
	}
	return nil
}

func ParseSubscribe(data []byte) (Subscribe, error) {
	c := NewCursor(data)
	var s Subscribe
	var ok bool

	if s.RequestID, ok = c.Varint(); !ok {
		return s, newParseErr("SUBSCRIBE", "request_id", errShort)
	}
	if s.TrackAlias, ok = c.Varint(); !ok {
		return s, newParseErr("SUBSCRIBE", "track_alias", errShort)
	}
	ns, ok := c.NamespaceTuple()
	if !ok {
		return s, newParseErr("SUBSCRIBE", "namespace", errShort)
	}
	s.Namespace = ns
	name, ok := c.Bytes()
	if !ok {
		return s, newParseErr("SUBSCRIBE", "track_name", errShort)
	}
	s.TrackName = string(name)

	priority, ok := c.Byte()
	if !ok {
		return s, newParseErr("SUBSCRIBE", "priority", errShort)
	}
	s.Priority = priority

	groupOrder, ok := c.Byte()
	if !ok {
		return s, newParseErr("SUBSCRIBE", "group_order", errShort)
	}
	s.GroupOrder = groupOrder
	if s.GroupOrder != GroupOrderAscending && s.GroupOrder != GroupOrderDescending {
		return s, ErrInvalidGroupOrder
	}

	filterType, ok := c.Varint()
	if !ok {
		return s, newParseErr("SUBSCRIBE", "filter_type", errShort)
	}
	s.FilterType = filterType

	switch s.FilterType {
	case FilterLatestGroup, FilterLatestObject:
		// no range fields
	case FilterAbsoluteStart:
		if s.StartGroup, ok = c.Varint(); !ok {
			return s, newParseErr("SUBSCRIBE", "start_group", errShort)
		}
		if s.StartObj, ok = c.Varint(); !ok {
			return s, newParseErr("SUBSCRIBE", "start_object", errShort)
		}
	case FilterAbsoluteRange:
		if s.StartGroup, ok = c.Varint(); !ok {
			return s, newParseErr("SUBSCRIBE", "start_group", errShort)
		}
		if s.StartObj, ok = c.Varint(); !ok {
			return s, newParseErr("SUBSCRIBE", "start_object", errShort)
		}
		if s.EndGroup, ok = c.Varint(); !ok {
			return s, newParseErr("SUBSCRIBE", "end_group", errShort)
		}
		if s.EndGroup < s.StartGroup {
			return s, ErrInvalidRange
		}
	default:
		return s, ErrInvalidFilterType
	}

	params, ok := decodeParams(c)
	if !ok {
		return s, newParseErr("SUBSCRIBE", "params", errShort)
	}
	s.Params = params
	return s, nil
}

func SerializeSubscribe(s Subscribe) []byte {
	var buf []byte
	buf = AppendVarint(buf, s.RequestID)
	buf = AppendVarint(buf, s.TrackAlias)
	buf = AppendNamespaceTuple(buf, s.Namespace)
	buf = AppendBytes(buf, []byte(s.TrackName))
	buf = append(buf, s.Priority, s.GroupOrder)
	buf = AppendVarint(buf, s.FilterType)
	switch s.FilterType {
	case FilterAbsoluteStart:
		buf = AppendVarint(buf, s.StartGroup)
		buf = AppendVarint(buf, s.StartObj)
	case FilterAbsoluteRange:
		buf = AppendVarint(buf, s.StartGroup)
		buf = AppendVarint(buf, s.StartObj)
		buf = AppendVarint(buf, s.EndGroup)
	}
	return encodeParams(buf, s.Params)
}

// SubscribeOK confirms a subscription.
type SubscribeOK struct {
	RequestID     uint64
	Expires       uint64
	GroupOrder    byte
	ContentExists bool
	LargestGroup  uint64 // present iff ContentExists
	LargestObj    uint64 // present iff ContentExists
	Params        []Param
}

func ParseSubscribeOK(data []byte) (SubscribeOK, error) {
	c := NewCursor(data)
	var sok SubscribeOK
	var ok bool
	if sok.RequestID, ok = c.Varint(); !ok {
		return sok, newParseErr("SUBSCRIBE_OK", "request_id", errShort)
	}
	if sok.Expires, ok = c.Varint(); !ok {
		return sok, newParseErr("SUBSCRIBE_OK", "expires", errShort)
	}
	if sok.GroupOrder, ok = c.Byte(); !ok {
		return sok, newParseErr("SUBSCRIBE_OK", "group_order", errShort)
	}
	contentExists, ok := c.Byte()
	if !ok {
		return sok, newParseErr("SUBSCRIBE_OK", "content_exists", errShort)
	}
	sok.ContentExists = contentExists != 0
	if sok.ContentExists {
		if sok.LargestGroup, ok = c.Varint(); !ok {
			return sok, newParseErr("SUBSCRIBE_OK", "largest_group", errShort)
		}
		if sok.LargestObj, ok = c.Varint(); !ok {
			return sok, newParseErr("SUBSCRIBE_OK", "largest_object", errShort)
		}
	}
	params, ok := decodeParams(c)
	if !ok {
		return sok, newParseErr("SUBSCRIBE_OK", "params", errShort)
	}
	sok.Params = params
	return sok, nil
}

func SerializeSubscribeOK(sok SubscribeOK) []byte {
	var buf []byte
	buf = AppendVarint(buf, sok.RequestID)
	buf = AppendVarint(buf, sok.Expires)
	buf = append(buf, sok.GroupOrder)
	if sok.ContentExists {
		buf = append(buf, 1)
		buf = AppendVarint(buf, sok.LargestGroup)
		buf = AppendVarint(buf, sok.LargestObj)
	} else {
		buf = append(buf, 0)
	}
	return encodeParams(buf, sok.Params)
}

// SubscribeError rejects a subscription.
type SubscribeError struct {
	RequestID    uint64
	ErrorCode    uint64
	ReasonPhrase string
}

func ParseSubscribeError(data []byte) (SubscribeError, error) {
	c := NewCursor(data)
	var se SubscribeError
	var ok bool
	if se.RequestID, ok = c.Varint(); !ok {
		return se, newParseErr("SUBSCRIBE_ERROR", "request_id", errShort)
	}
	if se.ErrorCode, ok = c.Varint(); !ok {
		return se, newParseErr("SUBSCRIBE_ERROR", "error_code", errShort)
	}
	reason, ok := c.Bytes()
	if !ok {
		return se, newParseErr("SUBSCRIBE_ERROR", "reason", errShort)
	}
	se.ReasonPhrase = string(reason)
	return se, nil
}

func SerializeSubscribeError(se SubscribeError) []byte {
	buf := AppendVarint(nil, se.RequestID)
	buf = AppendVarint(buf, se.ErrorCode)
	return AppendBytes(buf, []byte(se.ReasonPhrase))
}

// Unsubscribe cancels a subscription.
type Unsubscribe struct {
	RequestID uint64
}

func ParseUnsubscribe(data []byte) (Unsubscribe, error) {
	c := NewCursor(data)
	reqID, ok := c.Varint()
	if !ok {
		return Unsubscribe{}, newParseErr("UNSUBSCRIBE", "request_id", errShort)
	}
	return Unsubscribe{RequestID: reqID}, nil
}

func SerializeUnsubscribe(u Unsubscribe) []byte {
	return AppendVarint(nil, u.RequestID)
}

// SubscribeAnnounces asks to be notified of ANNOUNCEs under a namespace prefix.
type SubscribeAnnounces struct {
	NamespacePrefix []string
	Params          []Param
}

func ParseSubscribeAnnounces(data []byte) (SubscribeAnnounces, error) {
	c := NewCursor(data)
	var sa SubscribeAnnounces
	ns, ok := c.NamespaceTuple()
	if !ok {
		return sa, newParseErr("SUBSCRIBE_ANNOUNCES", "namespace_prefix", errShort)
	}
	sa.NamespacePrefix = ns
	params, ok := decodeParams(c)
	if !ok {
		return sa, newParseErr("SUBSCRIBE_ANNOUNCES", "params", errShort)
	}
	sa.Params = params
	return sa, nil
}

func SerializeSubscribeAnnounces(sa SubscribeAnnounces) []byte {
	buf := AppendNamespaceTuple(nil, sa.NamespacePrefix)
	return encodeParams(buf, sa.Params)
}

// SubscribeAnnouncesOK confirms a SUBSCRIBE_ANNOUNCES.
type SubscribeAnnouncesOK struct {
	NamespacePrefix []string
}

func ParseSubscribeAnnouncesOK(data []byte) (SubscribeAnnouncesOK, error) {
	c := NewCursor(data)
	ns, ok := c.NamespaceTuple()
	if !ok {
		return SubscribeAnnouncesOK{}, newParseErr("SUBSCRIBE_ANNOUNCES_OK", "namespace_prefix", errShort)
	}
	return SubscribeAnnouncesOK{NamespacePrefix: ns}, nil
}

func SerializeSubscribeAnnouncesOK(sa SubscribeAnnouncesOK) []byte {
	return AppendNamespaceTuple(nil, sa.NamespacePrefix)
}

// SubscribeAnnouncesError rejects a SUBSCRIBE_ANNOUNCES.
type SubscribeAnnouncesError struct {
	NamespacePrefix []string
	ErrorCode       uint64
	ReasonPhrase    string
}

func ParseSubscribeAnnouncesError(data []byte) (SubscribeAnnouncesError, error) {
	c := NewCursor(data)
	var sae SubscribeAnnouncesError
	ns, ok := c.NamespaceTuple()
	if !ok {
		return sae, newParseErr("SUBSCRIBE_ANNOUNCES_ERROR", "namespace_prefix", errShort)
	}
	sae.NamespacePrefix = ns
	code, ok := c.Varint()
	if !ok {
		return sae, newParseErr("SUBSCRIBE_ANNOUNCES_ERROR", "error_code", errShort)
	}
	sae.ErrorCode = code
	reason, ok := c.Bytes()
	if !ok {
		return sae, newParseErr("SUBSCRIBE_ANNOUNCES_ERROR", "reason", errShort)
	}
	sae.ReasonPhrase = string(reason)
	return sae, nil
}

func SerializeSubscribeAnnouncesError(sae SubscribeAnnouncesError) []byte {
	buf := AppendNamespaceTuple(nil, sae.NamespacePrefix)
	buf = AppendVarint(buf, sae.ErrorCode)
	return AppendBytes(buf, []byte(sae.ReasonPhrase))
}

// UnsubscribeAnnounces cancels a SUBSCRIBE_ANNOUNCES.
type UnsubscribeAnnounces struct {
	NamespacePrefix []string
}

func ParseUnsubscribeAnnounces(data []byte) (UnsubscribeAnnounces, error) {
	c := NewCursor(data)
	ns, ok := c.NamespaceTuple()
	if !ok {
		return UnsubscribeAnnounces{}, newParseErr("UNSUBSCRIBE_ANNOUNCES", "namespace_prefix", errShort)
	}
	return UnsubscribeAnnounces{NamespacePrefix: ns}, nil
}

func SerializeUnsubscribeAnnounces(u UnsubscribeAnnounces) []byte {
	return AppendNamespaceTuple(nil, u.NamespacePrefix)
}

// MaxRequestIDMsg raises the peer's outbound subscribe-id quota mid-session.
type MaxRequestIDMsg struct {
	RequestID uint64
}

func ParseMaxRequestID(data []byte) (MaxRequestIDMsg, error) {
	c := NewCursor(data)
	id, ok := c.Varint()
	if !ok {
		return MaxRequestIDMsg{}, newParseErr("MAX_REQUEST_ID", "request_id", errShort)
	}
	return MaxRequestIDMsg{RequestID: id}, nil
}

func SerializeMaxRequestID(id uint64) []byte {
	return AppendVarint(nil, id)
}

// GoAway signals a graceful session shutdown, optionally redirecting the
// client to a new session URI.
type GoAway struct {
	NewSessionURI string
}

func ParseGoAway(data []byte) (GoAway, error) {
	c := NewCursor(data)
	if c.Done() {
		return GoAway{}, nil
	}
	uri, ok := c.Bytes()
	if !ok {
		return GoAway{}, newParseErr("GOAWAY", "new_session_uri", errShort)
	}
	return GoAway{NewSessionURI: string(uri)}, nil
}

func SerializeGoAway(ga GoAway) []byte {
	if ga.NewSessionURI == "" {
		return nil
	}
	return AppendBytes(nil, []byte(ga.NewSessionURI))
}

var errShort = fmt.Errorf("unexpected end of payload")
