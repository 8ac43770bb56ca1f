package scoring

import (
	"unicode/utf8"

	"github.com/feichai0017/exam-importer/internal/models"
)

// Violation codes recorded on a problem that fails a hard rule.
const (
	ViolationQuestionTooShort    = "question_too_short"
	ViolationChoiceCount         = "choice_count"
	ViolationChoiceIndices       = "choice_indices"
	ViolationAnswerOutOfRange    = "answer_out_of_range"
	ViolationExplanationTooShort = "explanation_too_short"
	ViolationAnswerUnverifiable  = "answer_key_unverifiable"
)

const (
	minChoices = 2
	maxChoices = 5
)

type Rules struct {
	MinQuestionLength      int
	MinExplanationLength   int
	AllowShortAnswerAccept bool
}

// Check returns every hard rule p violates, in a stable order.
func (r Rules) Check(p models.CandidateProblem) []string {
	var out []string

	if utf8.RuneCountInString(p.Question) < r.MinQuestionLength {
		out = append(out, ViolationQuestionTooShort)
	}

	if p.Type == models.TypeMultipleChoice {
		if n := len(p.Choices); n < minChoices || n > maxChoices {
			out = append(out, ViolationChoiceCount)
		}
		if !contiguous(p.Choices) {
			out = append(out, ViolationChoiceIndices)
		}
	} else if !r.AllowShortAnswerAccept {
		out = append(out, ViolationAnswerUnverifiable)
	}

	if p.AnswerIndex != nil && !hasChoice(p.Choices, *p.AnswerIndex) {
		out = append(out, ViolationAnswerOutOfRange)
	}

	if p.Explanation != "" && utf8.RuneCountInString(p.Explanation) < r.MinExplanationLength {
		out = append(out, ViolationExplanationTooShort)
	}

	return out
}

// contiguous reports whether choice indices are exactly 0..n-1 in order.
func contiguous(choices []models.Choice) bool {
	for i, c := range choices {
		if c.Index != i {
			return false
		}
	}
	return true
}

func hasChoice(choices []models.Choice, index int) bool {
	for _, c := range choices {
		if c.Index == index {
			return true
		}
	}
	return false
}
