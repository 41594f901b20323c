// Package intent defines the intent catalog data model shared by the
// trainer, the serving engine, and the catalog stores.
//
// An [Intent] pairs a unique tag with the example phrases that teach the
// classifier to recognize it and the canned responses served when it
// matches. A [Catalog] is the full intent set; it is replaced wholesale
// on every edit and mutated only via [Merge], never in place.
package intent

// DefaultTag is the reserved tag predictions fall back to when the
// classifier's confidence is below the serving floor. A catalog used for
// serving should define an intent with this tag.
const DefaultTag = "default"

// Intent is one entry of the catalog: a tag, the example phrases that
// train the classifier to recognize it, and the candidate responses.
type Intent struct {
	// Tag uniquely identifies the intent within a catalog.
	Tag string `json:"tag" msgpack:"tag"`

	// Patterns are example phrases. An intent with no patterns trains
	// nothing and is skipped by the vocabulary builder.
	Patterns []string `json:"patterns" msgpack:"patterns"`

	// Responses are the canned replies, one of which is chosen at random
	// when the intent matches.
	Responses []string `json:"responses" msgpack:"responses"`
}

// Clone returns a deep copy of the intent.
func (in Intent) Clone() Intent {
	out := Intent{Tag: in.Tag}
	if in.Patterns != nil {
		out.Patterns = make([]string, len(in.Patterns))
		copy(out.Patterns, in.Patterns)
	}
	if in.Responses != nil {
		out.Responses = make([]string, len(in.Responses))
		copy(out.Responses, in.Responses)
	}
	return out
}

// Catalog is the full intent definition set.
type Catalog struct {
	Intents []Intent `json:"intents" msgpack:"intents"`
}

// Find returns the intent with the given tag.
func (c Catalog) Find(tag string) (Intent, bool) {
	for _, in := range c.Intents {
		if in.Tag == tag {
			return in, true
		}
	}
	return Intent{}, false
}

// Tags returns the tags in catalog order.
func (c Catalog) Tags() []string {
	tags := make([]string, len(c.Intents))
	for i, in := range c.Intents {
		tags[i] = in.Tag
	}
	return tags
}

// Clone returns a deep copy of the catalog.
func (c Catalog) Clone() Catalog {
	if c.Intents == nil {
		return Catalog{}
	}
	out := Catalog{Intents: make([]Intent, len(c.Intents))}
	for i, in := range c.Intents {
		out.Intents[i] = in.Clone()
	}
	return out
}
