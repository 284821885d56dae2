package session

// TerminationCode is the WebTransport/QUIC session error code sent when a
// relay closes a session.
type TerminationCode uint64

const (
	TerminationGenericError       TerminationCode = 0
	TerminationInternalError      TerminationCode = 1
	TerminationKeyValueFormatting TerminationCode = 2 // reserved
	TerminationProtocolViolation  TerminationCode = 3
)

func (c TerminationCode) String() string {
	switch c {
	case TerminationGenericError:
		return "generic-error"
	case TerminationInternalError:
		return "internal-error"
	case TerminationKeyValueFormatting:
		return "key-value-formatting-error"
	case TerminationProtocolViolation:
		return "protocol-violation"
	default:
		return "unknown"
	}
}

// ResultKind discriminates a MessageProcessResult.
type ResultKind int

const (
	// ResultSuccess carries a response to write back on the control stream.
	ResultSuccess ResultKind = iota
	// ResultSuccessWithoutResponse means the message was handled and
	// nothing needs to be written back.
	ResultSuccessWithoutResponse
	// ResultFailure means the session must be closed with Code/Reason.
	ResultFailure
	// ResultFragment means the buffer held less than one complete message;
	// the caller must not consume any bytes and should retry once more
	// data has arrived.
	ResultFragment
)

// MessageProcessResult is the uniform return type for control-message
// handlers. The session supervisor is the only site that interprets
// ResultFailure and turns it into a transport-level close; everywhere else
// just threads the value through.
type MessageProcessResult struct {
	Kind     ResultKind
	Response []byte
	Code     TerminationCode
	Reason   string
}

// Success builds a ResultSuccess carrying a response payload to write back.
func Success(response []byte) MessageProcessResult {
	return MessageProcessResult{Kind: ResultSuccess, Response: response}
}

// SuccessNoResponse builds a ResultSuccessWithoutResponse.
func SuccessNoResponse() MessageProcessResult {
	return MessageProcessResult{Kind: ResultSuccessWithoutResponse}
}

// Failure builds a ResultFailure with the given termination code and a
// human-readable reason sent as the WebTransport close reason string.
func Failure(code TerminationCode, reason string) MessageProcessResult {
	return MessageProcessResult{Kind: ResultFailure, Code: code, Reason: reason}
}

// Fragment builds a ResultFragment.
func Fragment() MessageProcessResult {
	return MessageProcessResult{Kind: ResultFragment}
}
