package image

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/feichai0017/exam-importer/internal/agent/document"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

// textractAPI is the slice of *textract.Client the engine uses.
type textractAPI interface {
	DetectDocumentText(ctx context.Context, params *textract.DetectDocumentTextInput, optFns ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
}

// TextractEngine sends rendered pages to AWS Textract's synchronous text detection.
type TextractEngine struct {
	client textractAPI
	logger logger.Logger
	config *TextractConfig
}

type TextractConfig struct {
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	MinConfidence float32 // line confidence cutoff on textract's 0-100 scale
}

var _ document.Engine = (*TextractEngine)(nil)

func NewTextractEngine(ctx context.Context, cfg *TextractConfig, log logger.Logger) (*TextractEngine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("textract config is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return newTextractEngine(client, cfg, log), nil
}

func newTextractEngine(client textractAPI, cfg *TextractConfig, log logger.Logger) *TextractEngine {
	return &TextractEngine{
		client: client,
		logger: log.Named("textract"),
		config: cfg,
	}
}

func (e *TextractEngine) Name() string { return "textract" }

// Recognize joins LINE blocks in reading order; confidence is their mean scaled to [0,1].
func (e *TextractEngine) Recognize(ctx context.Context, img image.Image) (document.Recognition, error) {
	if img == nil {
		return document.Recognition{}, fmt.Errorf("input image is nil")
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, img); err != nil {
		return document.Recognition{}, fmt.Errorf("failed to encode image: %w", err)
	}

	out, err := e.client.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &types.Document{Bytes: buf.Bytes()},
	})
	if err != nil {
		return document.Recognition{}, fmt.Errorf("failed to detect text: %w", err)
	}

	lines, conf := e.collectLines(out.Blocks)
	e.logger.Debug("Textract page recognized",
		logger.Int("lines", len(lines)),
		logger.Float64("confidence", conf))

	return document.Recognition{
		Text:       strings.Join(lines, "\n"),
		Confidence: conf,
	}, nil
}

func (e *TextractEngine) collectLines(blocks []types.Block) ([]string, float64) {
	var lines []string
	var total float64
	for _, block := range blocks {
		if block.BlockType != types.BlockTypeLine || block.Text == nil {
			continue
		}
		var c float32
		if block.Confidence != nil {
			c = *block.Confidence
		}
		if c < e.config.MinConfidence {
			continue
		}
		lines = append(lines, *block.Text)
		total += float64(c)
	}
	if len(lines) == 0 {
		return nil, 0
	}
	return lines, clamp01(total / float64(len(lines)) / 100)
}

func (e *TextractEngine) Close() error {
	return nil
}
