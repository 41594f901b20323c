package intent

// Merge applies incoming intents on top of an existing catalog, keyed by
// tag. An incoming intent fully replaces an existing intent with the same
// tag; there is no field-level merge of patterns or responses. Existing
// intents keep their original order, intents with new tags are appended
// in incoming order, and when the incoming catalog repeats a tag the last
// occurrence wins.
//
// Neither input is modified; the result shares no slices with them.
func Merge(existing, incoming Catalog) Catalog {
	merged := Catalog{Intents: make([]Intent, 0, len(existing.Intents)+len(incoming.Intents))}
	index := make(map[string]int, len(existing.Intents))

	for _, in := range existing.Intents {
		if i, ok := index[in.Tag]; ok {
			// Duplicate tag in the existing catalog; keep the last record
			// so merge output is still one intent per tag.
			merged.Intents[i] = in.Clone()
			continue
		}
		index[in.Tag] = len(merged.Intents)
		merged.Intents = append(merged.Intents, in.Clone())
	}

	for _, in := range incoming.Intents {
		if i, ok := index[in.Tag]; ok {
			merged.Intents[i] = in.Clone()
			continue
		}
		index[in.Tag] = len(merged.Intents)
		merged.Intents = append(merged.Intents, in.Clone())
	}
	return merged
}
