package gateway

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"

	"github.com/waitline/waitline/errors"
)

// compressedFrame wraps an oversized outbound payload.
type compressedFrame struct {
	Compressed bool   `json:"compressed"`
	Data       string `json:"data"`
}

// encodeFrame marshals v to the bytes written to the socket. When compress
// is set and the JSON body exceeds the threshold, the body is zlib-deflated
// and base64-wrapped so clients on slow links pay for fewer bytes.
func encodeFrame(v interface{}, compress bool) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal outbound frame")
	}
	if !compress || len(raw) <= compressThreshold {
		return raw, nil
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, errors.Wrap(err, "failed to compress outbound frame")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to compress outbound frame")
	}

	return json.Marshal(compressedFrame{
		Compressed: true,
		Data:       base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

// decodeFrame reverses encodeFrame. Used by tests and kept symmetric with
// the client contract.
func decodeFrame(raw []byte) ([]byte, error) {
	var frame compressedFrame
	if err := json.Unmarshal(raw, &frame); err != nil || !frame.Compressed {
		return raw, nil
	}
	packed, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode compressed frame")
	}
	zr, err := zlib.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open compressed frame")
	}
	defer zr.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(zr); err != nil {
		return nil, errors.Wrap(err, "failed to inflate compressed frame")
	}
	return out.Bytes(), nil
}
