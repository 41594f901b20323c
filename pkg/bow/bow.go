// Package bow implements the deterministic bag-of-words feature space
// the classifier trains and predicts in.
//
// [Build] derives a [Vocabulary] (sorted distinct tokens) and [Labels]
// (sorted distinct tags) from an intent catalog. The two are always
// produced together by one Build call: feature positions are
// vocabulary-index-dependent and output positions are label-index-
// dependent, so a model must never mix a vocabulary and label set from
// different builds.
//
// Encoding is presence-only: a token either appears in the utterance or
// it does not, duplicates carry no extra weight.
package bow

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"github.com/infisparks/aichat/pkg/intent"
)

// minTokenRunes filters single-rune tokens ("x", "a", punctuation
// leftovers) out of the vocabulary.
const minTokenRunes = 2

// Tokenize splits an utterance into case-folded word tokens. Any rune
// that is neither a letter nor a digit separates tokens.
func Tokenize(s string) []string {
	folded := cases.Fold().String(s)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Vocabulary is a fixed, sorted set of distinct tokens. The position of
// a token is its feature index.
type Vocabulary struct {
	words []string
	index map[string]int
}

// NewVocabulary builds a Vocabulary from a word list, typically one
// restored from a persisted model artifact. The list must be the sorted
// distinct output of a previous [Build]; positions are taken as-is.
func NewVocabulary(words []string) *Vocabulary {
	v := &Vocabulary{
		words: slices.Clone(words),
		index: make(map[string]int, len(words)),
	}
	for i, w := range v.words {
		v.index[w] = i
	}
	return v
}

// Len returns the number of words, which is also the encoded vector
// length.
func (v *Vocabulary) Len() int { return len(v.words) }

// Words returns a copy of the sorted word list.
func (v *Vocabulary) Words() []string { return slices.Clone(v.words) }

// Encode maps an utterance to a 0/1 vector of length [Vocabulary.Len].
// Position i is 1 when word i occurs in the utterance at least once.
// Out-of-vocabulary tokens are ignored. Encode is a pure function of the
// utterance and the vocabulary.
func (v *Vocabulary) Encode(utterance string) []float64 {
	vec := make([]float64, len(v.words))
	for _, tok := range Tokenize(utterance) {
		if i, ok := v.index[tok]; ok {
			vec[i] = 1
		}
	}
	return vec
}

// Labels is a fixed, sorted set of distinct intent tags. The position of
// a tag is its class index.
type Labels []string

// Index returns the class index of a tag, or -1 when the tag is not in
// the label set.
func (l Labels) Index(tag string) int {
	if i, ok := slices.BinarySearch(l, tag); ok {
		return i
	}
	return -1
}

// Build derives the vocabulary and label set from a catalog. Tokens
// shorter than two runes are dropped. An intent with no patterns
// contributes neither tokens nor its tag. The result depends only on
// catalog content, not on intent order.
func Build(c intent.Catalog) (*Vocabulary, Labels) {
	wordSet := make(map[string]struct{})
	tagSet := make(map[string]struct{})
	for _, in := range c.Intents {
		if len(in.Patterns) == 0 {
			continue
		}
		tagSet[in.Tag] = struct{}{}
		for _, pattern := range in.Patterns {
			for _, tok := range Tokenize(pattern) {
				if utf8.RuneCountInString(tok) < minTokenRunes {
					continue
				}
				wordSet[tok] = struct{}{}
			}
		}
	}

	words := make([]string, 0, len(wordSet))
	for w := range wordSet {
		words = append(words, w)
	}
	slices.Sort(words)

	labels := make(Labels, 0, len(tagSet))
	for tag := range tagSet {
		labels = append(labels, tag)
	}
	slices.Sort(labels)

	return NewVocabulary(words), labels
}
