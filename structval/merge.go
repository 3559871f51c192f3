package structval

// Merge overlays overlay onto base and returns the result. When both are
// mappings every overlay key is merged recursively into the matching base
// entry, with keys only present in base kept as they are. In every other
// case overlay replaces base, so sequences are replaced as a whole and a
// null overlay nulls the position out.
//
// Neither argument is mutated and the result shares no mapping or sequence
// with overlay.
func Merge(base, overlay Value) Value {
	if base.kind != KindMapping || overlay.kind != KindMapping {
		return overlay.Clone()
	}

	out := make(map[string]Value, len(base.m)+len(overlay.m))
	for k, e := range base.m {
		out[k] = e
	}
	for k, e := range overlay.m {
		// absent keys start from null, which any overlay replaces
		out[k] = Merge(out[k], e)
	}
	return Value{kind: KindMapping, m: out}
}

// MergeAll folds layers left to right on top of an empty mapping; later
// layers win.
func MergeAll(layers ...Value) Value {
	acc := EmptyMapping()
	for _, l := range layers {
		acc = Merge(acc, l)
	}
	return acc
}
