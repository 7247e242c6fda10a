package gateway

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrameSmallPayloadStaysPlain(t *testing.T) {
	frame, err := encodeFrame(map[string]string{"type": "pong"}, true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(frame))
}

func TestEncodeFrameCompressesLargePayload(t *testing.T) {
	big := map[string]string{"type": "queue_state", "blob": strings.Repeat("waiting ", 300)}

	frame, err := encodeFrame(big, true)
	require.NoError(t, err)

	var wrapped compressedFrame
	require.NoError(t, json.Unmarshal(frame, &wrapped))
	assert.True(t, wrapped.Compressed)
	assert.Less(t, len(frame), 2400, "repetitive payload should deflate well")

	raw, err := decodeFrame(frame)
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, big, got)
}

func TestEncodeFrameRespectsOptOut(t *testing.T) {
	big := map[string]string{"blob": strings.Repeat("waiting ", 300)}

	frame, err := encodeFrame(big, false)
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(frame, &got))
	assert.Equal(t, big, got)
}

func TestDecodeFramePassesPlainThrough(t *testing.T) {
	raw, err := decodeFrame([]byte(`{"type":"welcome"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"type":"welcome"}`, string(raw))
}
