// Package fixtures generates synthetic response bodies for property
// tests of the Response Evaluator, so the required-pattern and
// extraction checks can be exercised against bodies that are guaranteed
// (or guaranteed not) to match a given pattern, rather than a fixed
// set of hand-picked literals.
package fixtures

import (
	"fmt"

	"github.com/lucasjones/reggen"
)

// maxGeneratedLength is reggen's repeat limit: the most times an
// unbounded repetition (*, +) repeats in a generated match. Bounded
// repetitions such as {3} are generated as written.
const maxGeneratedLength = 10

// MatchingBody returns a response body containing text that matches
// pattern at least once, embedded inside filler so the evaluator must
// actually search rather than compare the whole body.
func MatchingBody(pattern string) (string, error) {
	match, err := reggen.Generate(pattern, maxGeneratedLength)
	if err != nil {
		return "", fmt.Errorf("generating text matching %q: %w", pattern, err)
	}
	return "<html><body>prefix-" + match + "-suffix</body></html>", nil
}

// NonMatchingBody returns a fixed response body that never matches any
// of the required patterns this package's tests exercise, for the
// negative branch of a required-pattern property test.
func NonMatchingBody() string {
	return "<html><body>no match here</body></html>"
}
