package tokens

import (
	"strings"
	"testing"
)

func TestEstimateBlankIsZero(t *testing.T) {
	e := NewEstimator()
	for _, text := range []string{"", "   ", "\n\t "} {
		if got := e.Estimate(text); got != 0 {
			t.Fatalf("Estimate(%q) = %d, want 0", text, got)
		}
	}
}

func TestEstimateMonotonicWithLength(t *testing.T) {
	e := NewEstimator()
	prev := 0
	text := ""
	for i := 0; i < 200; i++ {
		text += "word "
		got := e.Estimate(text)
		if got < prev {
			t.Fatalf("estimate shrank from %d to %d at length %d", prev, got, len(text))
		}
		prev = got
	}
}

func TestEstimateDeterministic(t *testing.T) {
	e := NewEstimator()
	text := "the quick brown fox jumps over the lazy dog"
	first := e.Estimate(text)
	for i := 0; i < 5; i++ {
		if got := e.Estimate(text); got != first {
			t.Fatalf("Estimate() = %d on repeat, want %d", got, first)
		}
	}
}

func TestEstimateOverestimatesBounded(t *testing.T) {
	e := NewEstimator()
	// 400 latin characters land near 100 tokens before the margin; the
	// estimate must stay above the raw ratio but within the fixed margin.
	text := strings.Repeat("abcd", 100)
	got := e.Estimate(text)
	raw := 100
	if got < raw {
		t.Fatalf("Estimate() = %d, want >= %d", got, raw)
	}
	if got > raw+raw/5 {
		t.Fatalf("Estimate() = %d, exceeds safety margin over %d", got, raw)
	}
}

func TestEstimateCyrillicHeavierThanLatin(t *testing.T) {
	e := NewEstimator()
	latin := e.Estimate(strings.Repeat("a", 120))
	cyrillic := e.Estimate(strings.Repeat("ж", 120))
	if cyrillic <= latin {
		t.Fatalf("cyrillic estimate %d should exceed latin estimate %d", cyrillic, latin)
	}
}

func TestFits(t *testing.T) {
	e := NewEstimator()
	if !e.Fits(10, 5, 15) {
		t.Fatalf("Fits(10, 5, 15) = false, want true")
	}
	if e.Fits(10, 6, 15) {
		t.Fatalf("Fits(10, 6, 15) = true, want false")
	}
}

func TestEstimateAllSumsSegments(t *testing.T) {
	e := NewEstimator()
	a, b := "hello there", "general kenobi"
	if got, want := e.EstimateAll(a, b), e.Estimate(a)+e.Estimate(b); got != want {
		t.Fatalf("EstimateAll() = %d, want %d", got, want)
	}
}
