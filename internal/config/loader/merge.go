package loader

// DeepMerge lays src over dst and returns dst. Nested maps merge key by
// key; any other value in src, lists included, replaces the one in dst.
// Values taken from src are copied so later edits to src do not leak.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if into, ok := dst[k].(map[string]any); ok {
				dst[k] = DeepMerge(into, sub)
				continue
			}
		}
		dst[k] = cloneValue(v)
	}
	return dst
}

// Clone returns a deep copy of a tree.
func Clone(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	}
	return v
}
