package image

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/feichai0017/exam-importer/internal/agent/document"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

// ImagePreprocessor is one step of the preprocessing chain.
type ImagePreprocessor interface {
	Process(img image.Image) (image.Image, error)
}

// ProcessOptions configures the tesseract engine.
type ProcessOptions struct {
	Language      []string
	PageSegMode   gosseract.PageSegMode
	MinConfidence float64 // word confidence cutoff on tesseract's 0-100 scale
	Preprocess    bool
	Preprocessing *PreprocessConfig
}

type PreprocessConfig struct {
	AdaptiveBlockSize int
	AdaptiveConstant  float64
	DenoiseStrength   float64
	SharpenStrength   float64
	ContrastAmount    float64
}

func DefaultProcessOptions() *ProcessOptions {
	return &ProcessOptions{
		Language:    []string{"kor", "eng"},
		PageSegMode: gosseract.PSM_AUTO,
		Preprocess:  true,
		Preprocessing: &PreprocessConfig{
			AdaptiveBlockSize: 31,
			AdaptiveConstant:  10,
			DenoiseStrength:   0.5,
			SharpenStrength:   0.5,
			ContrastAmount:    20,
		},
	}
}

// client is the subset of *gosseract.Client the engine drives.
type client interface {
	SetLanguage(langs ...string) error
	SetPageSegMode(mode gosseract.PageSegMode) error
	SetImageFromBytes(data []byte) error
	Text() (string, error)
	GetBoundingBoxes(level gosseract.PageIteratorLevel) ([]gosseract.BoundingBox, error)
	Close() error
}

// TesseractEngine recognizes page images with a fresh gosseract client per call.
type TesseractEngine struct {
	logger        logger.Logger
	preprocessors []ImagePreprocessor
	config        *ProcessOptions
	newClient     func() client
}

var _ document.Engine = (*TesseractEngine)(nil)

func NewTesseractEngine(log logger.Logger, opts *ProcessOptions) (*TesseractEngine, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts == nil {
		opts = DefaultProcessOptions()
	}
	if opts.Preprocessing == nil {
		opts.Preprocessing = DefaultProcessOptions().Preprocessing
	}

	var chain []ImagePreprocessor
	if opts.Preprocess {
		pc := opts.Preprocessing
		chain = []ImagePreprocessor{
			NewGrayscaleProcessor(),
			NewDenoiseProcessor(pc.DenoiseStrength),
			NewContrastNormalizationProcessor(pc.ContrastAmount),
			NewAdaptiveThresholdProcessor(pc.AdaptiveBlockSize, pc.AdaptiveConstant),
			NewSharpenProcessor(pc.SharpenStrength),
		}
	}

	return &TesseractEngine{
		logger:        log.Named("tesseract"),
		preprocessors: chain,
		config:        opts,
		newClient:     func() client { return gosseract.NewClient() },
	}, nil
}

func (e *TesseractEngine) Name() string { return "tesseract" }

// Recognize runs OCR on img. Confidence is the mean word confidence scaled to [0,1].
func (e *TesseractEngine) Recognize(ctx context.Context, img image.Image) (document.Recognition, error) {
	if err := ctx.Err(); err != nil {
		return document.Recognition{}, err
	}

	processed, err := e.applyPreprocessing(img)
	if err != nil {
		return document.Recognition{}, err
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, processed); err != nil {
		return document.Recognition{}, fmt.Errorf("failed to encode image: %w", err)
	}

	c := e.newClient()
	defer c.Close()

	if err := c.SetLanguage(e.config.Language...); err != nil {
		return document.Recognition{}, fmt.Errorf("failed to set language: %w", err)
	}
	if err := c.SetPageSegMode(e.config.PageSegMode); err != nil {
		return document.Recognition{}, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if err := c.SetImageFromBytes(buf.Bytes()); err != nil {
		return document.Recognition{}, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := c.Text()
	if err != nil {
		return document.Recognition{}, fmt.Errorf("failed to get text: %w", err)
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		e.logger.Warn("Failed to get word boxes", logger.Error(err))
		return document.Recognition{Text: strings.TrimSpace(text)}, nil
	}

	return document.Recognition{
		Text:       strings.TrimSpace(text),
		Confidence: e.meanConfidence(boxes),
	}, nil
}

func (e *TesseractEngine) applyPreprocessing(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, fmt.Errorf("input image is nil")
	}

	var err error
	result := img
	for _, step := range e.preprocessors {
		result, err = step.Process(result)
		if err != nil {
			return nil, fmt.Errorf("preprocessing failed: %w", err)
		}
		if result == nil {
			return nil, fmt.Errorf("preprocessor returned nil image")
		}
	}
	return result, nil
}

func (e *TesseractEngine) meanConfidence(boxes []gosseract.BoundingBox) float64 {
	var total float64
	var n int
	for _, box := range boxes {
		if strings.TrimSpace(box.Word) == "" || box.Confidence < e.config.MinConfidence {
			continue
		}
		total += box.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return clamp01(total / float64(n) / 100)
}

func (e *TesseractEngine) Close() error { return nil }

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
