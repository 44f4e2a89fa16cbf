// Package protocol implements the BITS upload protocol header codec: it
// parses inbound HTTP requests into typed commands and serializes command
// outcomes back into status codes and response headers. It holds no state.
package protocol

import "github.com/lgulliver/bitsd/pkg/types"

// BITS protocol header names.
const (
	HeaderPacketType           = "BITS-Packet-Type"
	HeaderSessionID            = "BITS-Session-Id"
	HeaderErrorCode            = "BITS-Error-Code"
	HeaderErrorContext         = "BITS-Error-Context"
	HeaderSupportedProtocols   = "BITS-Supported-Protocols"
	HeaderProtocol             = "BITS-Protocol"
	HeaderReceivedContentRange = "BITS-Received-Content-Range"
	HeaderContentRange         = "Content-Range"
	HeaderContentName          = "Content-Name"
	HeaderContentLength        = "Content-Length"
	HeaderAcceptEncoding       = "Accept-Encoding"
)

// BITS-Packet-Type values, compared case-insensitively on receipt.
const (
	PacketCreateSession = "create-session"
	PacketFragment      = "fragment"
	PacketCloseSession  = "close-session"
	PacketCancelSession = "cancel-session"
	PacketPing          = "ping"
	PacketAck           = "Ack"
)

// MethodBITSPost is the HTTP verb BITS clients use for every packet.
const MethodBITSPost = "BITS_POST"

// ProtocolGUID is the only BITS upload protocol version ever published.
// Create-Session must offer it or the server refuses the session.
const ProtocolGUID = "{7df0354d-249b-430f-820d-3d2a9bef4931}"

// HRESULT values carried in BITS-Error-Code.
const (
	HResultZero         = "0x0"
	HResultGeneric      = "0x1"
	HResultAccessDenied = "0x80070005"
	HResultInvalidArg   = "0x80070057"
	HResultTooLarge     = "0x80200020"

	// ErrorContextRemoteFile is the BG_ERROR_CONTEXT for errors that
	// concern the remote file being uploaded.
	ErrorContextRemoteFile = "0x5"
)

// CommandKind discriminates the closed set of protocol commands.
type CommandKind int

const (
	KindMalformed CommandKind = iota
	KindCreateSession
	KindFragment
	KindCloseSession
	KindCancelSession
	KindPing
)

func (k CommandKind) String() string {
	switch k {
	case KindCreateSession:
		return PacketCreateSession
	case KindFragment:
		return PacketFragment
	case KindCloseSession:
		return PacketCloseSession
	case KindCancelSession:
		return PacketCancelSession
	case KindPing:
		return PacketPing
	default:
		return "malformed"
	}
}

// Command is one parsed protocol request. Which fields are populated depends
// on Kind; the dispatcher switches on Kind exhaustively and never inspects
// fields the kind does not define.
type Command struct {
	Kind CommandKind

	// SessionID is the canonical braced session id (Fragment, Close, Cancel).
	SessionID string

	// TargetPath is the request URL path naming the upload target (Create).
	TargetPath string

	// SupportedProtocols are the protocol GUIDs the client offers (Create).
	SupportedProtocols []string

	// Range, Total and Payload describe one fragment. Range is half-open;
	// len(Payload) always equals Range.Len() once parsing succeeded.
	Range   types.ByteRange
	Total   int64
	Payload []byte

	// Reason explains a malformed request (KindMalformed only).
	Reason string
}

// Outcome is the result of dispatching a command, ready to be serialized
// into a response.
type Outcome struct {
	Status       int
	SessionID    string
	Protocol     string
	ReceivedUpTo int64
	AckRange     bool
	ErrorCode    string
	ErrorContext string
}

// CreatedAck acknowledges a new session: 201 with the session id and the
// negotiated protocol version.
func CreatedAck(sessionID string) Outcome {
	return Outcome{Status: 201, SessionID: sessionID, Protocol: ProtocolGUID}
}

// FragmentAck acknowledges an accepted fragment, reporting how many
// contiguous bytes from offset zero the server now holds.
func FragmentAck(sessionID string, receivedUpTo int64) Outcome {
	return Outcome{Status: 200, SessionID: sessionID, ReceivedUpTo: receivedUpTo, AckRange: true}
}

// SessionAck acknowledges a close or cancel with a plain 200.
func SessionAck(sessionID string) Outcome {
	return Outcome{Status: 200, SessionID: sessionID}
}

// PingAck is the stateless liveness response.
func PingAck() Outcome {
	return Outcome{Status: 200, ErrorCode: "1"}
}

// NotFoundAck reports an unknown or expired session id.
func NotFoundAck(sessionID string) Outcome {
	return Outcome{
		Status:       404,
		SessionID:    sessionID,
		ErrorCode:    HResultZero,
		ErrorContext: ErrorContextRemoteFile,
	}
}

// Failure reports a protocol or server error with the given status and
// HRESULT code.
func Failure(status int, code string) Outcome {
	return Outcome{Status: status, ErrorCode: code, ErrorContext: ErrorContextRemoteFile}
}
