package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/exam-importer/internal/agent/document"
	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

// acquisitionShare is the progress percentage reached when every page is acquired.
const acquisitionShare = 90

var errNoEngine = errors.New("no recognition engine configured")

// Acquirer produces per-page text, recognizing rendered pages with a
// primary engine and falling back to a second engine on low confidence.
type Acquirer struct {
	primary  document.Engine
	fallback document.Engine
	opts     Options
	logger   logger.Logger
}

func NewAcquirer(primary, fallback document.Engine, opts Options, log logger.Logger) *Acquirer {
	if primary == nil {
		primary, fallback = fallback, nil
	}
	return &Acquirer{
		primary:  primary,
		fallback: fallback,
		opts:     opts,
		logger:   log.Named("acquisition"),
	}
}

// Direct returns the extracted text verbatim as pages. With flagEmpty set,
// blank pages are marked for attention.
func (a *Acquirer) Direct(direct []string, flagEmpty bool, rep Reporter) []models.Page {
	pages := make([]models.Page, len(direct))
	for i, text := range direct {
		pages[i] = models.Page{Index: i, Text: text, Method: models.MethodDirect}
		if flagEmpty && strings.TrimSpace(text) == "" {
			pages[i].Attention = true
		}
		rep.Advance(progressFor(i+1, len(direct)))
	}
	return pages
}

// Recognize renders and recognizes every page with bounded concurrency.
// Page failures yield empty attention pages; only cancellation fails the
// whole acquisition. Cancellation is checked before each page starts, and
// results of pages already in flight are discarded.
func (a *Acquirer) Recognize(ctx context.Context, src document.PageSource, total int, rep Reporter) ([]models.Page, error) {
	pages := make([]models.Page, total)
	var done atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(max(1, a.opts.PageConcurrency))

	for i := 0; i < total; i++ {
		if rep.Cancelled() {
			break
		}
		g.Go(func() error {
			if rep.Cancelled() {
				return models.ErrCancelled
			}
			pages[i] = a.recognizePage(ctx, src, i, rep)

			rep.Advance(progressFor(int(done.Add(1)), total))
			return nil
		})
	}

	err := g.Wait()
	if err != nil || rep.Cancelled() {
		return nil, models.ErrCancelled
	}
	return pages, nil
}

func (a *Acquirer) recognizePage(ctx context.Context, src document.PageSource, index int, rep Reporter) models.Page {
	page := models.Page{Index: index, Method: models.MethodRecognized}

	img, err := src.RenderPage(ctx, index, a.opts.RenderDPI)
	if err != nil {
		a.logger.Warn("Page render failed", logger.Int("page", index), logger.Error(err))
		rep.Logf("page %d: render failed, no text recovered", index+1)
		page.Attention = true
		return page
	}

	best, engine := a.recognizeWith(ctx, a.primary, img, index)
	if best.Confidence < a.opts.FallbackThreshold && a.fallback != nil {
		rep.Logf("page %d: %s confidence %.2f below %.2f, trying %s",
			index+1, nameOf(a.primary), best.Confidence, a.opts.FallbackThreshold, a.fallback.Name())
		alt, altEngine := a.recognizeWith(ctx, a.fallback, img, index)
		if better(alt, best) {
			best, engine = alt, altEngine
		}
	}

	if strings.TrimSpace(best.Text) == "" {
		rep.Logf("page %d: no text recovered", index+1)
		page.Attention = true
		return page
	}

	page.Text = best.Text
	page.Confidence = best.Confidence
	page.Engine = engine
	return page
}

// recognizeWith never fails: engine errors and timeouts read as an empty
// result with zero confidence.
func (a *Acquirer) recognizeWith(ctx context.Context, engine document.Engine, img image.Image, index int) (document.Recognition, string) {
	rec, err := a.callEngine(ctx, engine, img)
	if err != nil {
		a.logger.Warn("Recognition failed",
			logger.String("engine", nameOf(engine)),
			logger.Int("page", index),
			logger.Error(err))
		return document.Recognition{}, nameOf(engine)
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		rec.Confidence = min(max(rec.Confidence, 0), 1)
	}
	return rec, engine.Name()
}

// callEngine bounds one recognition call by the page timeout. A call that
// outlives the timeout keeps running in the background and its result is
// dropped.
func (a *Acquirer) callEngine(ctx context.Context, engine document.Engine, img image.Image) (document.Recognition, error) {
	if engine == nil {
		return document.Recognition{}, errNoEngine
	}

	timeout := a.opts.PageTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		rec document.Recognition
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		rec, err := engine.Recognize(callCtx, img)
		ch <- outcome{rec: rec, err: err}
	}()

	select {
	case o := <-ch:
		return o.rec, o.err
	case <-callCtx.Done():
		return document.Recognition{}, fmt.Errorf("%s: %w", engine.Name(), callCtx.Err())
	}
}

func better(candidate, current document.Recognition) bool {
	if strings.TrimSpace(candidate.Text) == "" {
		return false
	}
	return candidate.Confidence > current.Confidence || strings.TrimSpace(current.Text) == ""
}

func nameOf(engine document.Engine) string {
	if engine == nil {
		return "none"
	}
	return engine.Name()
}

func progressFor(done, total int) int {
	if total <= 0 {
		return acquisitionShare
	}
	return done * acquisitionShare / total
}
