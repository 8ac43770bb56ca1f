package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feichai0017/exam-importer/config"
	"github.com/feichai0017/exam-importer/internal/agent/document"
	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/internal/parser"
	"github.com/feichai0017/exam-importer/internal/scoring"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

// Progress checkpoints after acquisition.
const (
	ProgressParsing = 92
	ProgressScoring = 96
	ProgressExport  = 98
)

// Reporter is how a run talks to the job that owns it.
type Reporter interface {
	Stage(stage string)
	Advance(percent int)
	Logf(format string, args ...any)
	Cancelled() bool
}

type Options struct {
	TextRatioThreshold float64
	MinTextChars       int
	FallbackThreshold  float64
	RenderDPI          int
	PageConcurrency    int
	PageTimeout        time.Duration
	OCRMode            string
	Scoring            scoring.Config
}

func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		TextRatioThreshold: cfg.TextRatioThreshold,
		MinTextChars:       cfg.MinTextChars,
		FallbackThreshold:  cfg.FallbackThreshold,
		RenderDPI:          cfg.RenderDPI,
		PageConcurrency:    cfg.PageConcurrency,
		PageTimeout:        cfg.PageTimeout,
		OCRMode:            cfg.OCRMode,
		Scoring: scoring.Config{
			ConfidenceThreshold:    cfg.ConfidenceThreshold,
			MinQuestionLength:      cfg.MinQuestionLength,
			MinExplanationLength:   cfg.MinExplanationLength,
			CharsPerProblem:        cfg.CharsPerProblem,
			PlausibilityTolerance:  cfg.PlausibilityTolerance,
			AllowShortAnswerAccept: cfg.AllowShortAnswerAccept,
		},
	}
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		TextRatioThreshold: 0.10,
		MinTextChars:       100,
		FallbackThreshold:  0.70,
		RenderDPI:          300,
		PageConcurrency:    4,
		PageTimeout:        60 * time.Second,
		OCRMode:            config.OCRModeAuto,
		Scoring:            scoring.DefaultConfig(),
	}
}

// Input is one validated document ready to run.
type Input struct {
	Document models.Document
	Data     []byte
	Password string
}

// Result is everything a finished run produced.
type Result struct {
	Document models.Document
	Pages    []models.Page
	Problems []models.CandidateProblem
	Family   string
	Stats    TextStats
	Counts   models.JobCounts
	// Expected is the problem count estimated from text volume.
	Expected int
}

// Pipeline runs classification, acquisition, parsing and scoring for one
// document. It holds no per-run state and is safe for concurrent use.
type Pipeline struct {
	opener     document.Opener
	classifier Classifier
	acquirer   *Acquirer
	parser     *parser.Parser
	scorer     *scoring.Scorer
	opts       Options
	logger     logger.Logger
}

func New(opener document.Opener, primary, fallback document.Engine, prs *parser.Parser, opts Options, log logger.Logger) *Pipeline {
	if prs == nil {
		prs = parser.NewParser(nil, log)
	}
	return &Pipeline{
		opener: opener,
		classifier: Classifier{
			RatioThreshold: opts.TextRatioThreshold,
			MinChars:       opts.MinTextChars,
		},
		acquirer: NewAcquirer(primary, fallback, opts, log),
		parser:   prs,
		scorer:   scoring.NewScorer(opts.Scoring, log),
		opts:     opts,
		logger:   log.Named("pipeline"),
	}
}

// Run executes the pipeline. Returned errors carry the failing stage; a
// document with no recognizable problems is not an error.
func (p *Pipeline) Run(ctx context.Context, in Input, rep Reporter) (*Result, error) {
	log := logger.FromContext(ctx, p.logger)

	rep.Stage(models.StageClassification)
	src, err := p.opener.Open(ctx, in.Data, in.Password)
	if err != nil {
		return nil, openError(err)
	}
	defer src.Close()

	info := src.Info()
	doc := in.Document
	doc.PageCount = info.PageCount
	doc.Encrypted = info.Encrypted
	doc.Title, doc.Author = info.Title, info.Author
	rep.Logf("opened %s: %d pages", doc.Filename, info.PageCount)

	direct := make([]string, info.PageCount)
	for i := range direct {
		if rep.Cancelled() {
			return nil, cancelled(models.StageClassification)
		}
		text, err := src.PageText(ctx, i)
		if err != nil {
			log.Warn("Direct text extraction failed", logger.Int("page", i), logger.Error(err))
			continue
		}
		direct[i] = text
	}

	class, stats := p.classifier.Classify(direct)
	if p.opts.OCRMode == config.OCRModeForce {
		class = models.ClassificationScanned
	}
	doc = doc.Classify(class)
	rep.Logf("classified as %s (non-space ratio %.2f, %d characters)", class, stats.Ratio, stats.Total)

	rep.Stage(models.StageAcquisition)
	var pages []models.Page
	switch {
	case class == models.ClassificationText:
		pages = p.acquirer.Direct(direct, false, rep)
	case p.opts.OCRMode == config.OCRModeOff:
		rep.Logf("recognition disabled, keeping extracted text")
		pages = p.acquirer.Direct(direct, true, rep)
	default:
		pages, err = p.acquirer.Recognize(ctx, src, info.PageCount, rep)
		if err != nil {
			return nil, cancelled(models.StageAcquisition)
		}
	}

	attention := 0
	texts := make([]string, len(pages))
	for i, pg := range pages {
		texts[i] = pg.Text
		if pg.Attention {
			attention++
		}
	}
	doc.LanguageHint = DetectLanguage(texts)
	rep.Logf("acquired %d pages, %d need attention", len(pages), attention)

	if rep.Cancelled() {
		return nil, cancelled(models.StageAcquisition)
	}

	rep.Stage(models.StageParsing)
	rep.Advance(ProgressParsing)
	parsed := p.parser.Parse(doc.ID, pages)
	if len(parsed.Problems) == 0 {
		rep.Logf("warning: no problems found by any pattern family")
	} else {
		rep.Logf("parsed %d problems using %s markers", len(parsed.Problems), parsed.Family)
	}

	if rep.Cancelled() {
		return nil, cancelled(models.StageParsing)
	}

	rep.Stage(models.StageScoring)
	rep.Advance(ProgressScoring)
	sum := p.scorer.Score(parsed.Problems, pages, parsed.Stream.Text)
	rep.Logf("%d auto-accepted, %d need review", sum.Accepted, sum.NeedsReview)

	log.Info("Pipeline finished",
		logger.String("documentId", doc.ID),
		logger.String("classification", string(class)),
		logger.Int("pages", len(pages)),
		logger.Int("problems", len(parsed.Problems)))

	return &Result{
		Document: doc,
		Pages:    pages,
		Problems: parsed.Problems,
		Family:   parsed.Family,
		Stats:    stats,
		Expected: sum.Expected,
		Counts: models.JobCounts{
			Extracted:   len(parsed.Problems),
			Accepted:    sum.Accepted,
			NeedsReview: sum.NeedsReview,
			Attention:   attention,
		},
	}, nil
}

// openError tags a failure to open the document as fatal to acquisition.
func openError(err error) error {
	var se *models.StageError
	if errors.As(err, &se) {
		return err
	}
	return models.NewStageError(models.StageAcquisition, "document could not be opened",
		fmt.Errorf("%w: %w", models.ErrAcquisitionFailed, err))
}

func cancelled(stage string) error {
	return models.NewStageError(stage, "", models.ErrCancelled)
}
