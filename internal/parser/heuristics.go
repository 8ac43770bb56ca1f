package parser

import (
	"strings"
	"unicode/utf8"
)

var subjectKeywords = []struct {
	subject  string
	keywords []string
}{
	{"수학", []string{"수학", "계산", "방정식", "함수"}},
	{"과학", []string{"과학", "물리", "화학", "생물"}},
	{"영어", []string{"영어", "English", "grammar"}},
	{"국어", []string{"국어", "문학", "어법"}},
}

// DetectSubject guesses a subject from keywords, empty when nothing matches.
func DetectSubject(question string) string {
	for _, s := range subjectKeywords {
		for _, kw := range s.keywords {
			if strings.Contains(question, kw) {
				return s.subject
			}
		}
	}
	return ""
}

// DetectDifficulty buckets a question by length.
func DetectDifficulty(question string) string {
	switch n := utf8.RuneCountInString(question); {
	case n > 200:
		return "hard"
	case n > 100:
		return "medium"
	default:
		return "easy"
	}
}
