package modeldata

import (
	"fmt"

	"modelref/internal/core"
)

// Converter turns a legacy document into the structured (v2) payload.
type Converter interface {
	Convert(category core.Category, legacy core.Payload) (core.Payload, error)
}

// DefaultConverter keeps each legacy record and adds the fields every v2
// record carries: name and record_type. Records that are not JSON objects
// make the whole document malformed.
type DefaultConverter struct{}

// Convert implements Converter.
func (DefaultConverter) Convert(c core.Category, legacy core.Payload) (core.Payload, error) {
	if legacy == nil {
		return nil, nil
	}
	out := make(core.Payload, len(legacy))
	for name, v := range legacy {
		rec, ok := AsRecord(v)
		if !ok {
			return nil, &core.Error{
				Kind:     core.ErrorKindMalformedData,
				Category: c,
				Message:  fmt.Sprintf("legacy record %q is not an object", name),
			}
		}
		converted := core.Payload(rec).Clone()
		if _, ok := converted["name"]; !ok {
			converted["name"] = name
		}
		converted["record_type"] = string(c)
		out[name] = map[string]any(converted)
	}
	return out, nil
}
