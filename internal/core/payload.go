package core

// Record is the structured data describing one model.
type Record = map[string]any

// Payload maps model names to their records for one category.
// A nil Payload means no data is available.
type Payload map[string]any

// Clone returns a deep copy of p so callers cannot mutate cached state.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case Payload:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}
