package config

// Merge recursively merges maps left to right into a fresh map. Nested maps
// are merged key by key; any other value in a later layer replaces the
// earlier one. Inputs are never modified.
func Merge(layers ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, layer := range layers {
		mergeInto(out, layer)
	}
	return out
}

func mergeInto(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := asMap(value)
		if existing, ok := dst[key]; ok && srcIsMap {
			if dstMap, dstIsMap := asMap(existing); dstIsMap {
				mergeInto(dstMap, srcMap)
				dst[key] = dstMap
				continue
			}
		}
		dst[key] = deepCopy(value)
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out, true
	}
	return nil, false
}

func deepCopy(v any) any {
	if m, ok := asMap(v); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = deepCopy(val)
		}
		return out
	}
	if l, ok := v.([]any); ok {
		out := make([]any, len(l))
		for i, val := range l {
			out[i] = deepCopy(val)
		}
		return out
	}
	return v
}
