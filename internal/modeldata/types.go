// Package modeldata downloads, parses and converts model reference documents.
package modeldata

import (
	"bytes"
	"encoding/json"
	"fmt"

	"modelref/internal/core"
)

// Parse decodes a reference document. The top level must be a JSON object
// keyed by model name; anything else is malformed.
func Parse(raw []byte) (core.Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &core.Error{Kind: core.ErrorKindMalformedData, Message: "reference document is not a JSON object"}
	}
	var payload core.Payload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, &core.Error{Kind: core.ErrorKindMalformedData, Message: "parsing reference JSON", Err: err}
	}
	if payload == nil {
		payload = core.Payload{}
	}
	return payload, nil
}

// Serialize encodes a payload the way reference files are written on disk:
// four-space indentation and a trailing newline.
func Serialize(payload core.Payload) ([]byte, error) {
	if payload == nil {
		payload = core.Payload{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("encoding reference JSON: %w", err)
	}
	return buf.Bytes(), nil
}
