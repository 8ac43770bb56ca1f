package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/feichai0017/exam-importer/config"
	"github.com/feichai0017/exam-importer/internal/agent/document"
	"github.com/feichai0017/exam-importer/internal/agent/document/image"
	"github.com/feichai0017/exam-importer/internal/agent/document/pdf"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

const (
	EngineTesseract = "tesseract"
	EngineTextract  = "textract"
	EngineOllama    = "ollama"
	EngineNone      = "none"
)

// ProcessorFactory owns the PDF opener and the recognition engines named in config.
type ProcessorFactory struct {
	opener   *pdf.Processor
	engines  map[string]document.Engine
	primary  string
	fallback string
	logger   logger.Logger
}

func NewProcessorFactory(ctx context.Context, cfg config.EnginesConfig, log logger.Logger) (*ProcessorFactory, error) {
	f := &ProcessorFactory{
		opener:   pdf.NewProcessor(log),
		engines:  make(map[string]document.Engine),
		primary:  normalize(cfg.Primary),
		fallback: normalize(cfg.Fallback),
		logger:   log,
	}

	for _, name := range []string{f.primary, f.fallback} {
		if name == EngineNone || f.engines[name] != nil {
			continue
		}
		engine, err := newEngine(ctx, name, cfg, log)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create %s engine: %w", name, err)
		}
		f.engines[name] = engine
		log.Info("Recognition engine ready", logger.String("engine", name))
	}

	return f, nil
}

func newEngine(ctx context.Context, name string, cfg config.EnginesConfig, log logger.Logger) (document.Engine, error) {
	switch name {
	case EngineTesseract:
		opts := image.DefaultProcessOptions()
		if len(cfg.Tesseract.Languages) > 0 {
			opts.Language = cfg.Tesseract.Languages
		}
		opts.PageSegMode = gosseract.PSM_AUTO
		opts.MinConfidence = cfg.Tesseract.MinConfidence
		opts.Preprocess = cfg.Tesseract.Preprocess
		return image.NewTesseractEngine(log, opts)
	case EngineTextract:
		return image.NewTextractEngine(ctx, &image.TextractConfig{
			Region:    cfg.Textract.Region,
			Endpoint:  cfg.Textract.Endpoint,
			AccessKey: cfg.Textract.AccessKey,
			SecretKey: cfg.Textract.SecretKey,
		}, log)
	case EngineOllama:
		return image.NewOllamaEngine(&image.OllamaConfig{
			Endpoint:          cfg.Ollama.Endpoint,
			Model:             cfg.Ollama.Model,
			MaxPoolSize:       cfg.Ollama.MaxPoolSize,
			PoolTimeout:       cfg.Ollama.PoolTimeout,
			AssumedConfidence: cfg.Ollama.AssumedConfidence,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported engine: %s", name)
	}
}

func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return EngineNone
	}
	return name
}

func (f *ProcessorFactory) Opener() document.Opener {
	return f.opener
}

// Primary returns nil when no primary engine is configured.
func (f *ProcessorFactory) Primary() document.Engine {
	return f.engines[f.primary]
}

// Fallback returns nil when no fallback engine is configured.
func (f *ProcessorFactory) Fallback() document.Engine {
	if f.fallback == f.primary {
		return nil
	}
	return f.engines[f.fallback]
}

func (f *ProcessorFactory) Close() error {
	var firstErr error
	for name, engine := range f.engines {
		if err := engine.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", name, err)
		}
	}
	return firstErr
}
