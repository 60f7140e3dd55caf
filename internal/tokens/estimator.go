// Package tokens estimates prompt sizes against a model's context window.
//
// Counts are heuristic, derived from character-to-token ratios measured per
// script. They are meant for trimming decisions, not billing; a fixed safety
// margin biases the estimate upward so an accepted prompt is never rejected
// by the backend for size.
package tokens

import (
	"math"
	"strings"
	"unicode"
)

const (
	latinRatio    = 0.25
	cyrillicRatio = 0.30
	otherRatio    = 0.28

	// safetyMargin inflates every estimate so rounding error can only
	// overshoot, never undershoot.
	safetyMargin = 1.08
)

// Estimator converts text into an estimated token count.
type Estimator struct {
	margin float64
}

func NewEstimator() *Estimator {
	return &Estimator{margin: safetyMargin}
}

// Estimate returns the estimated token count for text. Blank input yields 0.
// The estimate is deterministic and monotonic: appending characters never
// lowers the count.
func (e *Estimator) Estimate(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	var weight float64
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			// Spaces merge into neighbouring tokens.
		case r < unicode.MaxLatin1:
			weight += latinRatio
		case unicode.Is(unicode.Cyrillic, r):
			weight += cyrillicRatio
		default:
			weight += otherRatio
		}
	}
	n := int(math.Ceil(weight * e.margin))
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateAll sums the estimates of every segment.
func (e *Estimator) EstimateAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += e.Estimate(t)
	}
	return total
}

// Fits reports whether addition more estimated tokens still fit next to
// existing under limit.
func (e *Estimator) Fits(existing, addition, limit int) bool {
	return existing+addition <= limit
}
