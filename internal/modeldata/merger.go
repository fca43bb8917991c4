package modeldata

import (
	"time"

	"modelref/internal/core"
)

const (
	metadataKey   = "metadata"
	schemaVersion = "1.0.0"
)

// StampRecord prepares an incoming record for storage. It copies incoming,
// carries created_at/created_by over from existing, and stamps updated_at.
// A record with no predecessor is stamped as created now.
// The returned bool is true when existing was nil (a create).
func StampRecord(existing, incoming core.Record, now time.Time) (core.Record, bool) {
	out := core.Payload(incoming).Clone()
	if out == nil {
		out = core.Payload{}
	}
	meta, _ := out[metadataKey].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	if _, ok := meta["schema_version"]; !ok {
		meta["schema_version"] = schemaVersion
	}

	ts := now.Unix()
	created := existing == nil
	if prev := recordMetadata(existing); prev != nil {
		for _, key := range []string{"created_at", "created_by"} {
			if v, ok := prev[key]; ok && v != nil {
				meta[key] = v
			}
		}
	}
	if v, ok := meta["created_at"]; !ok || v == nil {
		meta["created_at"] = ts
	}
	meta["updated_at"] = ts

	out[metadataKey] = meta
	return core.Record(out), created
}

func recordMetadata(r core.Record) map[string]any {
	if r == nil {
		return nil
	}
	meta, _ := r[metadataKey].(map[string]any)
	return meta
}

// AsRecord returns v as a record when it is a JSON object.
func AsRecord(v any) (core.Record, bool) {
	r, ok := v.(map[string]any)
	return r, ok
}
