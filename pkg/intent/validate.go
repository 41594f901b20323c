package intent

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ValidationError reports a catalog document that failed shape or
// semantic validation. Nothing is merged or persisted when validation
// fails.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "intent: invalid catalog: " + e.Reason
}

func invalidf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// catalogSchema validates the document shape: an "intents" array whose
// items carry tag, patterns and responses.
var catalogSchema = func() *jsonschema.Resolved {
	s, err := jsonschema.For[Catalog](&jsonschema.ForOptions{})
	if err != nil {
		panic("intent: build catalog schema: " + err.Error())
	}
	rs, err := s.Resolve(nil)
	if err != nil {
		panic("intent: resolve catalog schema: " + err.Error())
	}
	return rs
}()

// ValidateShape checks a decoded JSON document (the result of
// unmarshaling into any) against the catalog schema: an object with an
// "intents" sequence of well-formed intent records.
func ValidateShape(doc any) error {
	if err := catalogSchema.Validate(doc); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

// Validate checks the full-catalog invariant: every tag non-empty and
// unique, every intent with at least one response. Patterns may be
// empty; such intents train nothing.
func Validate(c Catalog) error {
	seen := make(map[string]struct{}, len(c.Intents))
	for i, in := range c.Intents {
		if err := validateItem(i, in); err != nil {
			return err
		}
		if _, dup := seen[in.Tag]; dup {
			return invalidf("intent %d: duplicate tag %q", i, in.Tag)
		}
		seen[in.Tag] = struct{}{}
	}
	return nil
}

func validateItem(i int, in Intent) error {
	if in.Tag == "" {
		return invalidf("intent %d: empty tag", i)
	}
	if len(in.Responses) == 0 {
		return invalidf("intent %q: no responses", in.Tag)
	}
	return nil
}

// ParseDocument decodes a JSON catalog document and validates it. This is
// the entry point for untrusted catalog submissions. Unlike [Validate],
// duplicate tags are allowed here: a submission is merged with
// last-write-wins semantics, so repeats collapse rather than fail.
func ParseDocument(data []byte) (Catalog, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Catalog{}, invalidf("parse: %v", err)
	}
	if err := ValidateShape(doc); err != nil {
		return Catalog{}, err
	}
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return Catalog{}, invalidf("parse: %v", err)
	}
	for i, in := range c.Intents {
		if err := validateItem(i, in); err != nil {
			return Catalog{}, err
		}
	}
	return c, nil
}
