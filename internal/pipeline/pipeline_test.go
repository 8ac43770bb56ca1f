package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/exam-importer/config"
	"github.com/feichai0017/exam-importer/internal/agent/document"
	"github.com/feichai0017/exam-importer/internal/agent/document/pdf"
	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/internal/testutil"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

type fakeReporter struct {
	mu          sync.Mutex
	stages      []string
	progress    []int
	logs        []string
	cancel      atomic.Bool
	cancelAfter int // request cancellation after this many Advance calls
}

func (r *fakeReporter) Stage(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, s)
}

func (r *fakeReporter) Advance(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
	if r.cancelAfter > 0 && len(r.progress) >= r.cancelAfter {
		r.cancel.Store(true)
	}
}

func (r *fakeReporter) Logf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, fmt.Sprintf(format, args...))
}

func (r *fakeReporter) Cancelled() bool { return r.cancel.Load() }

func (r *fakeReporter) logged(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.logs {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

type fakeSource struct {
	texts     []string
	renderErr error
	renders   atomic.Int32
}

func (s *fakeSource) Info() document.Info { return document.Info{PageCount: len(s.texts)} }

func (s *fakeSource) PageText(_ context.Context, i int) (string, error) { return s.texts[i], nil }

func (s *fakeSource) RenderPage(_ context.Context, i int, _ int) (image.Image, error) {
	s.renders.Add(1)
	if s.renderErr != nil {
		return nil, s.renderErr
	}
	return image.NewGray(image.Rect(0, 0, 4, 4)), nil
}

func (s *fakeSource) Close() error { return nil }

type fakeOpener struct {
	src document.PageSource
	err error
}

func (o fakeOpener) Open(context.Context, []byte, string) (document.PageSource, error) {
	return o.src, o.err
}

type fakeEngine struct {
	name     string
	rec      document.Recognition
	err      error
	delay    time.Duration
	calls    atomic.Int32
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) Recognize(ctx context.Context, _ image.Image) (document.Recognition, error) {
	e.calls.Add(1)
	n := e.inflight.Add(1)
	defer e.inflight.Add(-1)
	for {
		cur := e.maxSeen.Load()
		if n <= cur || e.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return e.rec, e.err
}

func (e *fakeEngine) Close() error { return nil }

func testOptions() Options {
	opts := DefaultOptions()
	opts.PageTimeout = time.Second
	return opts
}

func TestClassifierBoundaries(t *testing.T) {
	c := Classifier{RatioThreshold: 0.10, MinChars: 100}

	tests := []struct {
		name  string
		texts []string
		want  models.Classification
	}{
		{"empty", []string{"", ""}, models.ClassificationScanned},
		{"exactly 100 characters", []string{strings.Repeat("가", 100)}, models.ClassificationScanned},
		{"101 characters", []string{strings.Repeat("가", 60), strings.Repeat("가", 41)}, models.ClassificationText},
		{"ratio exactly 0.10", []string{strings.Repeat("a", 100) + strings.Repeat(" ", 900)}, models.ClassificationScanned},
		{"ratio just above 0.10", []string{strings.Repeat("a", 101) + strings.Repeat(" ", 899)}, models.ClassificationText},
		{"whitespace only", []string{strings.Repeat("\n", 500)}, models.ClassificationScanned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := c.Classify(tt.texts)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMeasure(t *testing.T) {
	s := Measure([]string{"ab c", " "})
	assert.Equal(t, TextStats{NonSpace: 3, Total: 5, Ratio: 0.6}, s)
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "ko", DetectLanguage([]string{"Q1. 문제"}))
	assert.Equal(t, "en", DetectLanguage([]string{"Question"}))
	assert.Equal(t, "", DetectLanguage([]string{"1 2 3", ""}))
}

func TestRecognizeFallbackPolicy(t *testing.T) {
	tests := []struct {
		name          string
		primary       *fakeEngine
		fallback      *fakeEngine
		wantText      string
		wantEngine    string
		wantAttention bool
		fallbackCalls int32
	}{
		{
			name:          "confident primary skips fallback",
			primary:       &fakeEngine{name: "p", rec: document.Recognition{Text: "primary", Confidence: 0.9}},
			fallback:      &fakeEngine{name: "f", rec: document.Recognition{Text: "fallback", Confidence: 0.99}},
			wantText:      "primary",
			wantEngine:    "p",
			fallbackCalls: 0,
		},
		{
			name:          "low primary uses better fallback",
			primary:       &fakeEngine{name: "p", rec: document.Recognition{Text: "primary", Confidence: 0.4}},
			fallback:      &fakeEngine{name: "f", rec: document.Recognition{Text: "fallback", Confidence: 0.8}},
			wantText:      "fallback",
			wantEngine:    "f",
			fallbackCalls: 1,
		},
		{
			name:          "low primary kept when fallback is worse",
			primary:       &fakeEngine{name: "p", rec: document.Recognition{Text: "primary", Confidence: 0.5}},
			fallback:      &fakeEngine{name: "f", rec: document.Recognition{Text: "fallback", Confidence: 0.3}},
			wantText:      "primary",
			wantEngine:    "p",
			fallbackCalls: 1,
		},
		{
			name:          "failing primary",
			primary:       &fakeEngine{name: "p", err: errors.New("engine crashed")},
			fallback:      &fakeEngine{name: "f", rec: document.Recognition{Text: "fallback", Confidence: 0.2}},
			wantText:      "fallback",
			wantEngine:    "f",
			fallbackCalls: 1,
		},
		{
			name:          "both empty",
			primary:       &fakeEngine{name: "p", rec: document.Recognition{Confidence: 0.9}},
			fallback:      &fakeEngine{name: "f", err: errors.New("unavailable")},
			wantAttention: true,
			fallbackCalls: 0,
		},
		{
			name:          "timed out primary",
			primary:       &fakeEngine{name: "p", rec: document.Recognition{Text: "late", Confidence: 1}, delay: 300 * time.Millisecond},
			fallback:      &fakeEngine{name: "f", rec: document.Recognition{Text: "fallback", Confidence: 0.75}},
			wantText:      "fallback",
			wantEngine:    "f",
			fallbackCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			opts.PageTimeout = 50 * time.Millisecond
			a := NewAcquirer(tt.primary, tt.fallback, opts, logger.NewTestLogger())
			rep := &fakeReporter{}

			pages, err := a.Recognize(context.Background(), &fakeSource{texts: []string{""}}, 1, rep)
			require.NoError(t, err)
			require.Len(t, pages, 1)

			page := pages[0]
			assert.Equal(t, models.MethodRecognized, page.Method)
			assert.Equal(t, tt.wantText, page.Text)
			assert.Equal(t, tt.wantAttention, page.Attention)
			if tt.wantAttention {
				assert.Equal(t, 0.0, page.Confidence)
			} else {
				assert.Equal(t, tt.wantEngine, page.Engine)
			}
			assert.Equal(t, tt.fallbackCalls, tt.fallback.calls.Load())
		})
	}
}

func TestRecognizeRenderFailure(t *testing.T) {
	primary := &fakeEngine{name: "p", rec: document.Recognition{Text: "x", Confidence: 1}}
	a := NewAcquirer(primary, nil, testOptions(), logger.NewTestLogger())
	rep := &fakeReporter{}

	pages, err := a.Recognize(context.Background(), &fakeSource{texts: []string{"", ""}, renderErr: pdf.ErrNoPageImage}, 2, rep)
	require.NoError(t, err)

	for _, p := range pages {
		assert.True(t, p.Attention)
		assert.Empty(t, p.Text)
	}
	assert.Equal(t, int32(0), primary.calls.Load())
	assert.True(t, rep.logged("render failed"))
}

func TestRecognizeWithoutPrimaryUsesFallback(t *testing.T) {
	fallback := &fakeEngine{name: "f", rec: document.Recognition{Text: "only", Confidence: 0.5}}
	a := NewAcquirer(nil, fallback, testOptions(), logger.NewTestLogger())

	pages, err := a.Recognize(context.Background(), &fakeSource{texts: []string{""}}, 1, &fakeReporter{})
	require.NoError(t, err)
	assert.Equal(t, "only", pages[0].Text)
	assert.Equal(t, int32(1), fallback.calls.Load())
}

func TestRecognizeBoundedConcurrency(t *testing.T) {
	engine := &fakeEngine{name: "p", rec: document.Recognition{Text: "t", Confidence: 0.9}, delay: 20 * time.Millisecond}
	opts := testOptions()
	opts.PageConcurrency = 2
	a := NewAcquirer(engine, nil, opts, logger.NewTestLogger())
	rep := &fakeReporter{}

	pages, err := a.Recognize(context.Background(), &fakeSource{texts: make([]string, 6)}, 6, rep)
	require.NoError(t, err)
	assert.Len(t, pages, 6)
	for i, p := range pages {
		assert.Equal(t, i, p.Index)
	}
	assert.LessOrEqual(t, engine.maxSeen.Load(), int32(2))
	assert.Equal(t, int32(6), engine.calls.Load())
	assert.Contains(t, rep.progress, acquisitionShare)
}

func TestRecognizeCancelledAtPageBoundary(t *testing.T) {
	engine := &fakeEngine{name: "p", rec: document.Recognition{Text: "t", Confidence: 0.9}}
	opts := testOptions()
	opts.PageConcurrency = 1
	a := NewAcquirer(engine, nil, opts, logger.NewTestLogger())
	rep := &fakeReporter{cancelAfter: 1}

	_, err := a.Recognize(context.Background(), &fakeSource{texts: make([]string, 5)}, 5, rep)
	assert.ErrorIs(t, err, models.ErrCancelled)
	assert.Less(t, engine.calls.Load(), int32(5))
}

func scenarioADocument() string {
	return "2024학년도 기초 수학 평가 자료입니다. 아래의 물음을 잘 읽고 가장 알맞은 답을 고르십시오. " +
		"시험 시간은 모두 합하여 삼십 분이며 계산기는 사용할 수 없습니다.\n" +
		"문제 1: 2+2는? ① 3 ② 4 ③ 5 ④ 6 정답: ②"
}

func TestRunTextDocument(t *testing.T) {
	src := &fakeSource{texts: []string{scenarioADocument()}}
	engine := &fakeEngine{name: "p"}
	p := New(fakeOpener{src: src}, engine, nil, nil, testOptions(), logger.NewTestLogger())
	rep := &fakeReporter{}

	res, err := p.Run(context.Background(), Input{Document: models.Document{ID: "doc-1", Filename: "a.pdf"}}, rep)
	require.NoError(t, err)

	assert.Equal(t, models.ClassificationText, res.Document.Classification)
	assert.Equal(t, "ko", res.Document.LanguageHint)
	assert.Equal(t, 1, res.Document.PageCount)
	assert.Equal(t, int32(0), engine.calls.Load())
	assert.Equal(t, int32(0), src.renders.Load())

	require.Len(t, res.Problems, 1)
	prob := res.Problems[0]
	assert.Equal(t, "2+2는?", prob.Question)
	assert.Equal(t, []models.Choice{
		{Index: 0, Text: "3"}, {Index: 1, Text: "4"}, {Index: 2, Text: "5"}, {Index: 3, Text: "6"},
	}, prob.Choices)
	require.NotNil(t, prob.AnswerIndex)
	assert.Equal(t, 1, *prob.AnswerIndex)
	assert.Equal(t, models.StatusNeedsReview, prob.Status)

	assert.Equal(t, models.JobCounts{Extracted: 1, NeedsReview: 1}, res.Counts)
	assert.Equal(t, []string{
		models.StageClassification,
		models.StageAcquisition,
		models.StageParsing,
		models.StageScoring,
	}, rep.stages)
	assert.Equal(t, []int{90, ProgressParsing, ProgressScoring}, rep.progress)
}

func TestRunBlankDocument(t *testing.T) {
	engine := &fakeEngine{name: "p", rec: document.Recognition{Text: "unused", Confidence: 1}}
	p := New(pdf.NewProcessor(logger.NewTestLogger()), engine, nil, nil, testOptions(), logger.NewTestLogger())
	rep := &fakeReporter{}

	res, err := p.Run(context.Background(), Input{
		Document: models.Document{ID: "blank"},
		Data:     testutil.BuildPDF(""),
	}, rep)
	require.NoError(t, err)

	assert.Equal(t, models.ClassificationScanned, res.Document.Classification)
	require.Len(t, res.Pages, 1)
	assert.True(t, res.Pages[0].Attention)
	assert.Empty(t, res.Problems)
	assert.Equal(t, 0, res.Counts.Extracted)
	assert.Equal(t, 1, res.Counts.Attention)
	assert.True(t, rep.logged("no problems found"))
}

func TestRunPasswordRequired(t *testing.T) {
	data, err := testutil.EncryptPDF(testutil.BuildPDF("Question 1. locked"), model.NewAESConfiguration("secret", "owner", 256))
	require.NoError(t, err)
	p := New(pdf.NewProcessor(logger.NewTestLogger()), nil, nil, nil, testOptions(), logger.NewTestLogger())

	_, err = p.Run(context.Background(), Input{Data: data}, &fakeReporter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAcquisitionFailed)

	stage, msg := models.Classify(err, models.StageClassification)
	assert.Equal(t, models.StageAcquisition, stage)
	assert.Equal(t, "document is encrypted: a password is required", msg)

	_, err = p.Run(context.Background(), Input{Data: data, Password: "guess"}, &fakeReporter{})
	assert.ErrorIs(t, err, models.ErrPasswordIncorrect)
}

func englishExam() []string {
	return []string{
		"Basic arithmetic review. Read each question carefully and choose the single best answer.\n" +
			"Question 1. What is 2 + 2?\nA) 3 B) 4 C) 5 D) 6\nAnswer: B\nExplanation: two plus two is four.",
		"Question 2. What is 3 times 3?\nA) 6 B) 9 C) 12 D) 15\nAnswer: B\n" +
			"Question 3. Which number is prime?\nA) 4 B) 6 C) 7 D) 8",
	}
}

func TestRunEncryptedWithPassword(t *testing.T) {
	data, err := testutil.EncryptPDF(testutil.BuildPDF(englishExam()...), model.NewAESConfiguration("secret", "owner", 256))
	require.NoError(t, err)
	p := New(pdf.NewProcessor(logger.NewTestLogger()), nil, nil, nil, testOptions(), logger.NewTestLogger())

	res, err := p.Run(context.Background(), Input{Document: models.Document{ID: "enc"}, Data: data, Password: "secret"}, &fakeReporter{})
	require.NoError(t, err)
	assert.Equal(t, models.ClassificationText, res.Document.Classification)
	require.NotEmpty(t, res.Problems)
	assert.Contains(t, res.Problems[0].Question, "2 + 2")
}

func TestRunIsIdempotent(t *testing.T) {
	sources := []struct {
		name  string
		input Input
		open  func() document.Opener
	}{
		{
			name:  "pdf document",
			input: Input{Document: models.Document{ID: "doc-pdf", Filename: "exam.pdf"}, Data: testutil.BuildPDF(englishExam()...)},
			open:  func() document.Opener { return pdf.NewProcessor(logger.NewTestLogger()) },
		},
		{
			name:  "page source",
			input: Input{Document: models.Document{ID: "doc-src", Filename: "a.pdf"}},
			open: func() document.Opener {
				return fakeOpener{src: &fakeSource{texts: []string{scenarioADocument(), "문제 2: 1+1은? ① 1 ② 2 ③ 3 정답: ② 해설: 하나 더하기 하나"}}}
			},
		},
	}

	for _, tt := range sources {
		t.Run(tt.name, func(t *testing.T) {
			run := func() *Result {
				p := New(tt.open(), nil, nil, nil, testOptions(), logger.NewTestLogger())
				res, err := p.Run(context.Background(), tt.input, &fakeReporter{})
				require.NoError(t, err)
				return res
			}

			first, second := run(), run()
			require.NotEmpty(t, first.Problems)
			require.Len(t, second.Problems, len(first.Problems))
			for i := range first.Problems {
				a, b := first.Problems[i], second.Problems[i]
				assert.Equal(t, a.Question, b.Question)
				assert.Equal(t, a.Choices, b.Choices)
				assert.Equal(t, a.AnswerIndex, b.AnswerIndex)
				assert.Equal(t, a.Explanation, b.Explanation)
				assert.Equal(t, a.Pages, b.Pages)
				assert.Equal(t, a.Offsets, b.Offsets)
			}
			assert.Equal(t, first.Problems, second.Problems)
			assert.Equal(t, first.Counts, second.Counts)
		})
	}
}

func TestRunOpenFailureIsAcquisitionError(t *testing.T) {
	p := New(fakeOpener{err: errors.New("boom")}, nil, nil, nil, testOptions(), logger.NewTestLogger())

	_, err := p.Run(context.Background(), Input{}, &fakeReporter{})
	assert.ErrorIs(t, err, models.ErrAcquisitionFailed)
	stage, _ := models.Classify(err, models.StageClassification)
	assert.Equal(t, models.StageAcquisition, stage)
}

func TestRunOCRModes(t *testing.T) {
	t.Run("force recognizes a text document", func(t *testing.T) {
		opts := testOptions()
		opts.OCRMode = config.OCRModeForce
		engine := &fakeEngine{name: "p", rec: document.Recognition{Text: "문제 1. 인식된 질문입니다", Confidence: 0.9}}
		src := &fakeSource{texts: []string{scenarioADocument()}}

		res, err := New(fakeOpener{src: src}, engine, nil, nil, opts, logger.NewTestLogger()).
			Run(context.Background(), Input{}, &fakeReporter{})
		require.NoError(t, err)
		assert.Equal(t, models.ClassificationScanned, res.Document.Classification)
		assert.Equal(t, int32(1), engine.calls.Load())
		assert.Equal(t, models.MethodRecognized, res.Pages[0].Method)
	})

	t.Run("off never recognizes", func(t *testing.T) {
		opts := testOptions()
		opts.OCRMode = config.OCRModeOff
		engine := &fakeEngine{name: "p", rec: document.Recognition{Text: "x", Confidence: 1}}
		src := &fakeSource{texts: []string{"", "  "}}

		res, err := New(fakeOpener{src: src}, engine, nil, nil, opts, logger.NewTestLogger()).
			Run(context.Background(), Input{}, &fakeReporter{})
		require.NoError(t, err)
		assert.Equal(t, int32(0), engine.calls.Load())
		assert.Equal(t, int32(0), src.renders.Load())
		assert.Equal(t, 2, res.Counts.Attention)
		assert.Equal(t, models.MethodDirect, res.Pages[0].Method)
	})
}

func TestRunCancelled(t *testing.T) {
	src := &fakeSource{texts: []string{scenarioADocument()}}
	p := New(fakeOpener{src: src}, nil, nil, nil, testOptions(), logger.NewTestLogger())
	rep := &fakeReporter{}
	rep.cancel.Store(true)

	_, err := p.Run(context.Background(), Input{}, rep)
	assert.ErrorIs(t, err, models.ErrCancelled)
	_, msg := models.Classify(err, models.StageAcquisition)
	assert.Equal(t, "import cancelled by request", msg)
}
