package scoring

import (
	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

type Config struct {
	ConfidenceThreshold    float64
	MinQuestionLength      int
	MinExplanationLength   int
	CharsPerProblem        int
	PlausibilityTolerance  float64
	AllowShortAnswerAccept bool
}

func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:   0.70,
		MinQuestionLength:     10,
		MinExplanationLength:  10,
		CharsPerProblem:       250,
		PlausibilityTolerance: 0.20,
	}
}

// Summary counts the scorer's decisions.
type Summary struct {
	Expected    int
	Accepted    int
	NeedsReview int
}

// Scorer assigns signals, confidence and status to parsed problems. It
// never assigns StatusRejected.
type Scorer struct {
	config Config
	rules  Rules
	logger logger.Logger
}

func NewScorer(cfg Config, log logger.Logger) *Scorer {
	return &Scorer{
		config: cfg,
		rules: Rules{
			MinQuestionLength:      cfg.MinQuestionLength,
			MinExplanationLength:   cfg.MinExplanationLength,
			AllowShortAnswerAccept: cfg.AllowShortAnswerAccept,
		},
		logger: log.Named("scorer"),
	}
}

// Score updates problems in place. streamText is the parsed stream and
// feeds the expected problem count.
func (s *Scorer) Score(problems []models.CandidateProblem, pages []models.Page, streamText string) Summary {
	sum := Summary{Expected: ExpectedCount(NonSpaceRunes(streamText), s.config.CharsPerProblem)}
	plausibility := PlausibilitySignal(len(problems), sum.Expected, s.config.PlausibilityTolerance)

	for i := range problems {
		p := &problems[i]
		p.Signals = models.Signals{
			Recognition:  RecognitionSignal(pages, p.Pages),
			Completeness: CompletenessSignal(*p),
			Plausibility: plausibility,
		}
		p.Confidence = Combine(p.Signals)
		p.Violations = s.rules.Check(*p)
		p.Status = s.decide(p)

		if p.Status == models.StatusAutoAccepted {
			sum.Accepted++
		} else {
			sum.NeedsReview++
		}
	}

	s.logger.Debug("Problems scored",
		logger.Int("problems", len(problems)),
		logger.Int("expected", sum.Expected),
		logger.Int("accepted", sum.Accepted),
		logger.Int("needsReview", sum.NeedsReview))
	return sum
}

func (s *Scorer) decide(p *models.CandidateProblem) models.ProblemStatus {
	if len(p.Violations) > 0 || p.Confidence < s.config.ConfidenceThreshold {
		return models.StatusNeedsReview
	}
	return models.StatusAutoAccepted
}

// ReviewQueue returns the problems that need a reviewer.
func ReviewQueue(problems []models.CandidateProblem) []models.CandidateProblem {
	out := make([]models.CandidateProblem, 0, len(problems))
	for _, p := range problems {
		if p.Status == models.StatusNeedsReview {
			out = append(out, p)
		}
	}
	return out
}
