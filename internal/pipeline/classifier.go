package pipeline

import (
	"unicode"

	"github.com/feichai0017/exam-importer/internal/models"
)

// TextStats summarizes the directly extractable text of a document.
type TextStats struct {
	NonSpace int
	Total    int
	Ratio    float64
}

// Classifier decides whether direct extraction is enough. Both bounds are
// exclusive: a document is text only when Ratio > RatioThreshold and
// Total > MinChars.
type Classifier struct {
	RatioThreshold float64
	MinChars       int
}

func Measure(texts []string) TextStats {
	var s TextStats
	for _, t := range texts {
		for _, r := range t {
			s.Total++
			if !unicode.IsSpace(r) {
				s.NonSpace++
			}
		}
	}
	if s.Total > 0 {
		s.Ratio = float64(s.NonSpace) / float64(s.Total)
	}
	return s
}

func (c Classifier) Classify(texts []string) (models.Classification, TextStats) {
	s := Measure(texts)
	if s.Ratio > c.RatioThreshold && s.Total > c.MinChars {
		return models.ClassificationText, s
	}
	return models.ClassificationScanned, s
}

// DetectLanguage returns "ko" when any Hangul appears, "en" for Latin-only
// text and "" when there are no letters at all.
func DetectLanguage(texts []string) string {
	latin := false
	for _, t := range texts {
		for _, r := range t {
			switch {
			case unicode.Is(unicode.Hangul, r):
				return "ko"
			case unicode.Is(unicode.Latin, r):
				latin = true
			}
		}
	}
	if latin {
		return "en"
	}
	return ""
}
