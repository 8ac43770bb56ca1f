package scoring

import (
	"math"
	"unicode"

	"github.com/feichai0017/exam-importer/internal/models"
)

// RecognitionSignal is the mean confidence of the pages in r. Directly
// extracted pages count as fully confident.
func RecognitionSignal(pages []models.Page, r models.PageRange) float64 {
	var total float64
	var n int
	for _, p := range pages {
		if p.Index < r.First || p.Index > r.Last {
			continue
		}
		if p.Method == models.MethodDirect {
			total += 1
		} else {
			total += p.Confidence
		}
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// CompletenessSignal is the fraction of {question, at least two choices,
// answer} that is present.
func CompletenessSignal(p models.CandidateProblem) float64 {
	var have float64
	if p.Question != "" {
		have++
	}
	if len(p.Choices) >= 2 {
		have++
	}
	if p.HasAnswer() {
		have++
	}
	return have / 3
}

// ExpectedCount estimates how many problems a stream of nonSpace characters
// should hold.
func ExpectedCount(nonSpace, charsPerProblem int) int {
	if charsPerProblem <= 0 {
		return 1
	}
	n := int(math.Round(float64(nonSpace) / float64(charsPerProblem)))
	if n < 1 {
		return 1
	}
	return n
}

// PlausibilitySignal is 1 when extracted is within tolerance of expected,
// otherwise the ratio of the smaller count to the larger.
func PlausibilitySignal(extracted, expected int, tolerance float64) float64 {
	if expected <= 0 || extracted <= 0 {
		return 0
	}
	if math.Abs(float64(extracted-expected)) <= tolerance*float64(expected) {
		return 1
	}
	lo, hi := extracted, expected
	if lo > hi {
		lo, hi = hi, lo
	}
	return float64(lo) / float64(hi)
}

// NonSpaceRunes counts code points that are not whitespace.
func NonSpaceRunes(text string) int {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// Combine is the mean of the three signals.
func Combine(s models.Signals) float64 {
	return (s.Recognition + s.Completeness + s.Plausibility) / 3
}
