package protocol

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/lgulliver/bitsd/pkg/types"
)

// Parse turns the headers and body of an inbound request into a Command.
// Invalid input of any shape yields KindMalformed with a reason; no field of
// a malformed request is ever partially trusted.
func Parse(urlPath string, header http.Header, body []byte) Command {
	packetType := strings.ToLower(strings.TrimSpace(header.Get(HeaderPacketType)))

	switch packetType {
	case PacketCreateSession:
		return parseCreate(urlPath, header)
	case PacketFragment:
		return parseFragment(header, body)
	case PacketCloseSession:
		return parseSessionOp(KindCloseSession, header)
	case PacketCancelSession:
		return parseSessionOp(KindCancelSession, header)
	case PacketPing:
		return Command{Kind: KindPing}
	case "":
		return malformed("missing %s header", HeaderPacketType)
	default:
		return malformed("unknown packet type %q", packetType)
	}
}

func parseCreate(urlPath string, header http.Header) Command {
	offered := strings.Fields(header.Get(HeaderSupportedProtocols))
	if len(offered) == 0 {
		return malformed("missing %s header", HeaderSupportedProtocols)
	}
	if urlPath == "" || urlPath == "/" {
		return malformed("create-session request names no target file")
	}
	return Command{
		Kind:               KindCreateSession,
		TargetPath:         urlPath,
		SupportedProtocols: offered,
	}
}

func parseFragment(header http.Header, body []byte) Command {
	sessionID, err := requireSessionID(header)
	if err != nil {
		return malformed("%v", err)
	}
	rng, total, err := parseContentRange(header.Get(HeaderContentRange))
	if err != nil {
		return malformed("%v", err)
	}
	if int64(len(body)) != rng.Len() {
		return malformed("payload length %d does not match range %s", len(body), rng)
	}
	return Command{
		Kind:      KindFragment,
		SessionID: sessionID,
		Range:     rng,
		Total:     total,
		Payload:   body,
	}
}

func parseSessionOp(kind CommandKind, header http.Header) Command {
	sessionID, err := requireSessionID(header)
	if err != nil {
		return malformed("%v", err)
	}
	return Command{Kind: kind, SessionID: sessionID}
}

func requireSessionID(header http.Header) (string, error) {
	raw := header.Get(HeaderSessionID)
	if raw == "" {
		return "", fmt.Errorf("missing %s header", HeaderSessionID)
	}
	return types.ParseSessionID(raw)
}

// parseContentRange parses the fragment range header, which has the form
// "bytes <start>-<end>/<total>" with an inclusive end offset and
// start <= end < total. The returned range is half-open [start, end+1).
func parseContentRange(raw string) (types.ByteRange, int64, error) {
	var zero types.ByteRange

	rest, ok := strings.CutPrefix(strings.TrimSpace(raw), "bytes")
	if !ok {
		return zero, 0, fmt.Errorf("invalid %s header %q", HeaderContentRange, raw)
	}
	span, totalStr, ok := strings.Cut(strings.TrimSpace(rest), "/")
	if !ok {
		return zero, 0, fmt.Errorf("invalid %s header %q", HeaderContentRange, raw)
	}
	startStr, endStr, ok := strings.Cut(span, "-")
	if !ok {
		return zero, 0, fmt.Errorf("invalid %s header %q", HeaderContentRange, raw)
	}

	start, err := parseOffset(startStr)
	if err != nil {
		return zero, 0, fmt.Errorf("invalid range start %q", startStr)
	}
	end, err := parseOffset(endStr)
	if err != nil {
		return zero, 0, fmt.Errorf("invalid range end %q", endStr)
	}
	total, err := parseOffset(totalStr)
	if err != nil {
		return zero, 0, fmt.Errorf("invalid range total %q", totalStr)
	}
	if start > end || end >= total {
		return zero, 0, fmt.Errorf("inconsistent range %d-%d/%d", start, end, total)
	}

	return types.ByteRange{Start: start, End: end + 1}, total, nil
}

func parseOffset(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("not a non-negative integer")
	}
	return n, nil
}

func malformed(format string, args ...any) Command {
	return Command{Kind: KindMalformed, Reason: fmt.Sprintf(format, args...)}
}

// Serialize maps an Outcome onto a status code and the response headers to
// send with it. Every response is a BITS Ack packet with an empty body.
func Serialize(o Outcome) (int, http.Header) {
	h := http.Header{}
	h.Set(HeaderPacketType, PacketAck)
	h.Set(HeaderContentLength, "0")

	if o.SessionID != "" {
		h.Set(HeaderSessionID, o.SessionID)
	}
	if o.Protocol != "" {
		h.Set(HeaderProtocol, o.Protocol)
		// BITS clients must not compress upload payloads.
		h.Set(HeaderAcceptEncoding, "identity")
	}
	if o.AckRange {
		h.Set(HeaderReceivedContentRange, strconv.FormatInt(o.ReceivedUpTo, 10))
	}
	if o.ErrorCode != "" {
		h.Set(HeaderErrorCode, o.ErrorCode)
	}
	if o.ErrorContext != "" {
		h.Set(HeaderErrorContext, o.ErrorContext)
	}

	return o.Status, h
}
