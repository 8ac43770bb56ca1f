package models

// ProblemStatus is the review status of a CandidateProblem
type ProblemStatus string

const (
	StatusAutoAccepted ProblemStatus = "auto_accepted"
	StatusNeedsReview  ProblemStatus = "needs_review"
	// StatusRejected is only ever set by a reviewer.
	StatusRejected ProblemStatus = "rejected"
)

// ProblemType distinguishes problems with choice markers from the rest
type ProblemType string

const (
	TypeMultipleChoice ProblemType = "multiple_choice"
	TypeShortAnswer    ProblemType = "short_answer"
)

// Choice is owned by exactly one CandidateProblem.
type Choice struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// PageRange is an inclusive range of 0-based page indices.
type PageRange struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// Span is a half-open [Start, End) byte range in the concatenated text stream.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Signals are the three confidence inputs of a CandidateProblem.
type Signals struct {
	Recognition  float64 `json:"recognition"`
	Completeness float64 `json:"completeness"`
	Plausibility float64 `json:"plausibility"`
}

// CandidateProblem is a parsed problem awaiting storage or review.
type CandidateProblem struct {
	DocumentID  string        `json:"documentId"`
	Ordinal     int           `json:"ordinal"`
	Number      int           `json:"number"`
	Pages       PageRange     `json:"pages"`
	Offsets     Span          `json:"offsets"`
	Type        ProblemType   `json:"type"`
	Question    string        `json:"question"`
	Choices     []Choice      `json:"choices"`
	AnswerIndex *int          `json:"answerIndex,omitempty"`
	Explanation string        `json:"explanation,omitempty"`
	Subject     string        `json:"subject,omitempty"`
	Difficulty  string        `json:"difficulty,omitempty"`
	Signals     Signals       `json:"signals"`
	Confidence  float64       `json:"confidence"`
	Status      ProblemStatus `json:"status"`
	Violations  []string      `json:"violations,omitempty"`
	RawText     string        `json:"rawText"`
}

// HasAnswer reports whether an answer marker was found.
func (p CandidateProblem) HasAnswer() bool {
	return p.AnswerIndex != nil
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
