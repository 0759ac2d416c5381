package utils

// MergeSets unions any number of sets into a new one.
func MergeSets[K comparable](sets ...map[K]struct{}) map[K]struct{} {
	out := make(map[K]struct{})
	for _, s := range sets {
		for k := range s {
			out[k] = struct{}{}
		}
	}
	return out
}

// FilterUnreferenced keeps the candidates that refs does not pin, in order.
func FilterUnreferenced[K comparable](candidates []K, refs map[K]struct{}) []K {
	var out []K
	for _, c := range candidates {
		if _, pinned := refs[c]; !pinned {
			out = append(out, c)
		}
	}
	return out
}
