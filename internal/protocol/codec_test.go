package protocol

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lgulliver/bitsd/pkg/types"
)

func headers(pairs ...string) http.Header {
	h := http.Header{}
	for i := 0; i < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}

const testSessionID = "{3fa85f64-5717-4562-b3fc-2c963f66afa6}"

func TestParse_CreateSession(t *testing.T) {
	cmd := Parse("/dir/file.bin", headers(
		HeaderPacketType, "Create-Session",
		HeaderSupportedProtocols, ProtocolGUID,
	), nil)

	require.Equal(t, KindCreateSession, cmd.Kind)
	assert.Equal(t, "/dir/file.bin", cmd.TargetPath)
	assert.Equal(t, []string{ProtocolGUID}, cmd.SupportedProtocols)
}

func TestParse_CreateSessionMultipleProtocols(t *testing.T) {
	cmd := Parse("/file.bin", headers(
		HeaderPacketType, "create-session",
		HeaderSupportedProtocols, "{00000000-0000-0000-0000-000000000000} "+ProtocolGUID,
	), nil)

	require.Equal(t, KindCreateSession, cmd.Kind)
	assert.Len(t, cmd.SupportedProtocols, 2)
}

func TestParse_Fragment(t *testing.T) {
	cmd := Parse("/file.bin", headers(
		HeaderPacketType, "Fragment",
		HeaderSessionID, testSessionID,
		HeaderContentRange, "bytes 0-4/10",
	), []byte("hello"))

	require.Equal(t, KindFragment, cmd.Kind)
	assert.Equal(t, testSessionID, cmd.SessionID)
	assert.Equal(t, types.ByteRange{Start: 0, End: 5}, cmd.Range, "inclusive wire end becomes half-open")
	assert.Equal(t, int64(10), cmd.Total)
	assert.Equal(t, []byte("hello"), cmd.Payload)
}

func TestParse_SessionIDNormalization(t *testing.T) {
	// Bare, uppercase ids normalize to the canonical braced lowercase form.
	cmd := Parse("/file.bin", headers(
		HeaderPacketType, "Close-Session",
		HeaderSessionID, "3FA85F64-5717-4562-B3FC-2C963F66AFA6",
	), nil)

	require.Equal(t, KindCloseSession, cmd.Kind)
	assert.Equal(t, testSessionID, cmd.SessionID)
}

func TestParse_CancelAndPing(t *testing.T) {
	cmd := Parse("/file.bin", headers(
		HeaderPacketType, "Cancel-Session",
		HeaderSessionID, testSessionID,
	), nil)
	require.Equal(t, KindCancelSession, cmd.Kind)
	assert.Equal(t, testSessionID, cmd.SessionID)

	cmd = Parse("/", headers(HeaderPacketType, "Ping"), nil)
	assert.Equal(t, KindPing, cmd.Kind)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		path string
		h    http.Header
		body []byte
	}{
		{
			name: "missing packet type",
			path: "/file.bin",
			h:    headers(),
		},
		{
			name: "unknown packet type",
			path: "/file.bin",
			h:    headers(HeaderPacketType, "Upload-Everything"),
		},
		{
			name: "create without protocols",
			path: "/file.bin",
			h:    headers(HeaderPacketType, "Create-Session"),
		},
		{
			name: "create without target",
			path: "/",
			h:    headers(HeaderPacketType, "Create-Session", HeaderSupportedProtocols, ProtocolGUID),
		},
		{
			name: "fragment without session id",
			path: "/file.bin",
			h:    headers(HeaderPacketType, "Fragment", HeaderContentRange, "bytes 0-4/10"),
			body: []byte("hello"),
		},
		{
			name: "fragment with invalid session id",
			path: "/file.bin",
			h: headers(HeaderPacketType, "Fragment",
				HeaderSessionID, "not-a-guid",
				HeaderContentRange, "bytes 0-4/10"),
			body: []byte("hello"),
		},
		{
			name: "fragment without content range",
			path: "/file.bin",
			h:    headers(HeaderPacketType, "Fragment", HeaderSessionID, testSessionID),
			body: []byte("hello"),
		},
		{
			name: "fragment payload shorter than range",
			path: "/file.bin",
			h: headers(HeaderPacketType, "Fragment",
				HeaderSessionID, testSessionID,
				HeaderContentRange, "bytes 0-9/10"),
			body: []byte("hello"),
		},
		{
			name: "close without session id",
			path: "/file.bin",
			h:    headers(HeaderPacketType, "Close-Session"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := Parse(tt.path, tt.h, tt.body)
			assert.Equal(t, KindMalformed, cmd.Kind)
			assert.NotEmpty(t, cmd.Reason)
		})
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantRange types.ByteRange
		wantTotal int64
		wantErr   bool
	}{
		{
			name:      "simple range",
			raw:       "bytes 0-99/200",
			wantRange: types.ByteRange{Start: 0, End: 100},
			wantTotal: 200,
		},
		{
			name:      "single byte",
			raw:       "bytes 5-5/10",
			wantRange: types.ByteRange{Start: 5, End: 6},
			wantTotal: 10,
		},
		{
			name:      "last byte of the file",
			raw:       "bytes 9-9/10",
			wantRange: types.ByteRange{Start: 9, End: 10},
			wantTotal: 10,
		},
		{name: "missing unit", raw: "0-99/200", wantErr: true},
		{name: "wrong unit", raw: "items 0-99/200", wantErr: true},
		{name: "missing total", raw: "bytes 0-99", wantErr: true},
		{name: "missing end", raw: "bytes 0/200", wantErr: true},
		{name: "start after end", raw: "bytes 50-49/200", wantErr: true},
		{name: "end beyond total", raw: "bytes 0-200/200", wantErr: true},
		{name: "negative start", raw: "bytes -1-99/200", wantErr: true},
		{name: "non-numeric", raw: "bytes a-b/c", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng, total, err := parseContentRange(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRange, rng)
			assert.Equal(t, tt.wantTotal, total)
		})
	}
}

func TestSerialize(t *testing.T) {
	tests := []struct {
		name        string
		outcome     Outcome
		wantStatus  int
		wantHeaders map[string]string
	}{
		{
			name:       "created ack",
			outcome:    CreatedAck(testSessionID),
			wantStatus: 201,
			wantHeaders: map[string]string{
				HeaderPacketType:     PacketAck,
				HeaderSessionID:      testSessionID,
				HeaderProtocol:       ProtocolGUID,
				HeaderAcceptEncoding: "identity",
				HeaderContentLength:  "0",
			},
		},
		{
			name:       "fragment ack reports received range",
			outcome:    FragmentAck(testSessionID, 1024),
			wantStatus: 200,
			wantHeaders: map[string]string{
				HeaderPacketType:           PacketAck,
				HeaderSessionID:            testSessionID,
				HeaderReceivedContentRange: "1024",
			},
		},
		{
			name:       "fragment ack with empty prefix still carries the header",
			outcome:    FragmentAck(testSessionID, 0),
			wantStatus: 200,
			wantHeaders: map[string]string{
				HeaderReceivedContentRange: "0",
			},
		},
		{
			name:       "session ack",
			outcome:    SessionAck(testSessionID),
			wantStatus: 200,
			wantHeaders: map[string]string{
				HeaderPacketType: PacketAck,
				HeaderSessionID:  testSessionID,
			},
		},
		{
			name:       "not found",
			outcome:    NotFoundAck(testSessionID),
			wantStatus: 404,
			wantHeaders: map[string]string{
				HeaderErrorCode:    HResultZero,
				HeaderErrorContext: ErrorContextRemoteFile,
			},
		},
		{
			name:       "failure",
			outcome:    Failure(400, HResultInvalidArg),
			wantStatus: 400,
			wantHeaders: map[string]string{
				HeaderErrorCode:    HResultInvalidArg,
				HeaderErrorContext: ErrorContextRemoteFile,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, h := Serialize(tt.outcome)
			assert.Equal(t, tt.wantStatus, status)
			for key, want := range tt.wantHeaders {
				assert.Equal(t, want, h.Get(key), "header %s", key)
			}
		})
	}
}

func TestSerialize_NoRangeHeaderWithoutAck(t *testing.T) {
	_, h := Serialize(SessionAck(testSessionID))
	assert.Empty(t, h.Values(HeaderReceivedContentRange))
}
