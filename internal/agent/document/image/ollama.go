package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/feichai0017/exam-importer/internal/agent/document"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

const defaultOllamaPrompt = "Transcribe all text on this exam page exactly as printed, " +
	"keeping question numbers, choice markers and line breaks. Output only the text."

type OllamaConfig struct {
	Endpoint          string
	Model             string
	Prompt            string
	MaxPoolSize       int
	PoolTimeout       time.Duration
	AssumedConfidence float64
}

type OllamaResponse struct {
	Response string `json:"response"`
	Model    string `json:"model"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

type ollamaRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Stream bool     `json:"stream"`
}

type OllamaClient struct {
	endpoint   string
	model      string
	httpClient *http.Client
}

func NewOllamaClient(config *OllamaConfig) *OllamaClient {
	return &OllamaClient{
		endpoint:   strings.TrimRight(config.Endpoint, "/"),
		model:      config.Model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// AnalyzeImage asks a vision model to describe img according to prompt.
func (c *OllamaClient) AnalyzeImage(ctx context.Context, img image.Image, prompt string) (string, error) {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}

	reqData, err := json.Marshal(ollamaRequest{
		Model:  c.model,
		Prompt: prompt,
		Images: []string{base64.StdEncoding.EncodeToString(buf.Bytes())},
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(reqData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	var result OllamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("ollama error: %s", result.Error)
	}

	return result.Response, nil
}

func (c *OllamaClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type OllamaClientPool struct {
	clients chan *OllamaClient
	config  *OllamaConfig
}

func NewOllamaClientPool(config *OllamaConfig) *OllamaClientPool {
	size := config.MaxPoolSize
	if size < 1 {
		size = 1
	}
	pool := &OllamaClientPool{
		clients: make(chan *OllamaClient, size),
		config:  config,
	}
	for i := 0; i < size; i++ {
		pool.clients <- NewOllamaClient(config)
	}
	return pool
}

func (p *OllamaClientPool) Get(ctx context.Context) (*OllamaClient, error) {
	timeout := p.config.PoolTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case client := <-p.clients:
		return client, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for available client")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *OllamaClientPool) Put(client *OllamaClient) {
	select {
	case p.clients <- client:
	default:
	}
}

func (p *OllamaClientPool) Close() error {
	close(p.clients)
	for client := range p.clients {
		client.Close()
	}
	return nil
}

// OllamaEngine transcribes pages with a local vision model. The model reports
// no confidence, so non-empty output is scored with AssumedConfidence.
type OllamaEngine struct {
	pool   *OllamaClientPool
	config *OllamaConfig
	logger logger.Logger
}

var _ document.Engine = (*OllamaEngine)(nil)

func NewOllamaEngine(cfg *OllamaConfig, log logger.Logger) (*OllamaEngine, error) {
	if cfg == nil || cfg.Endpoint == "" || cfg.Model == "" {
		return nil, fmt.Errorf("ollama endpoint and model are required")
	}
	if cfg.Prompt == "" {
		cfg.Prompt = defaultOllamaPrompt
	}
	return &OllamaEngine{
		pool:   NewOllamaClientPool(cfg),
		config: cfg,
		logger: log.Named("ollama"),
	}, nil
}

func (e *OllamaEngine) Name() string { return "ollama" }

func (e *OllamaEngine) Recognize(ctx context.Context, img image.Image) (document.Recognition, error) {
	client, err := e.pool.Get(ctx)
	if err != nil {
		return document.Recognition{}, err
	}
	defer e.pool.Put(client)

	text, err := client.AnalyzeImage(ctx, img, e.config.Prompt)
	if err != nil {
		return document.Recognition{}, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return document.Recognition{}, nil
	}
	return document.Recognition{Text: text, Confidence: clamp01(e.config.AssumedConfidence)}, nil
}

func (e *OllamaEngine) Close() error {
	return e.pool.Close()
}
