package parser

import (
	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

// Parser turns acquired page text into candidate problems.
type Parser struct {
	profile  *Profile
	families []Family
	logger   logger.Logger
}

// Result is one document's parse output.
type Result struct {
	Family   string
	Stream   *Stream
	Problems []models.CandidateProblem
}

func NewParser(profile *Profile, log logger.Logger) *Parser {
	if profile == nil {
		profile = DefaultProfile()
	}
	return &Parser{
		profile:  profile,
		families: profile.families(),
		logger:   log.Named("parser"),
	}
}

// Parse concatenates pages into a stream, picks one boundary family for the
// whole document and extracts a problem from every span between boundaries.
// Signals, confidence and status are left for the scorer.
func (p *Parser) Parse(documentID string, pages []models.Page) *Result {
	stream := NewStream(pages, p.profile.DropLine)
	res := &Result{Stream: stream}

	family, bounds, ok := selectFamily(p.families, stream.Text, p.profile.MinBoundaries)
	if !ok {
		p.logger.Warn("No problem boundaries found",
			logger.String("documentId", documentID),
			logger.Int("pages", stream.PageCount()))
		return res
	}
	res.Family = family.Name

	p.logger.Debug("Boundary family selected",
		logger.String("documentId", documentID),
		logger.String("family", family.Name),
		logger.Int("boundaries", len(bounds)))

	for i, b := range bounds {
		end := len(stream.Text)
		if i+1 < len(bounds) {
			end = bounds[i+1].Start
		}
		problem := parseSpan(stream.Text[b.End:end])
		problem.DocumentID = documentID
		problem.Ordinal = i
		problem.Number = b.Number
		problem.Offsets = models.Span{Start: b.Start, End: end}
		problem.Pages = stream.PageRange(b.Start, end)
		problem.RawText = stream.Text[b.Start:end]
		res.Problems = append(res.Problems, problem)
	}
	return res
}

// parseSpan extracts fields from the text following one boundary marker.
func parseSpan(text string) models.CandidateProblem {
	answer := extractAnswer(text)
	explanation := extractExplanation(text, answer.spans)

	excluded := append(append(intervals(nil), answer.spans...), explanation.spans...)
	choiceTexts, choiceSpans := extractChoices(text, excluded)

	stripped := append(excluded, choiceSpans...)
	question := remainder(text, stripped)

	problem := models.CandidateProblem{
		Type:        models.TypeShortAnswer,
		Question:    question,
		Explanation: explanation.text,
		Subject:     DetectSubject(question),
		Difficulty:  DetectDifficulty(question),
	}
	if len(choiceTexts) > 0 {
		problem.Type = models.TypeMultipleChoice
		problem.Choices = make([]models.Choice, len(choiceTexts))
		for i, t := range choiceTexts {
			problem.Choices[i] = models.Choice{Index: i, Text: t}
		}
	}
	if answer.found {
		problem.AnswerIndex = models.IntPtr(answer.index)
	}
	return problem
}
