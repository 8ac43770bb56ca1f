package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/feichai0017/exam-importer/pkg/logger"
)

const (
	EnvPrefix = "IMPORTER"

	DispatchInline = "inline"
	DispatchQueue  = "queue"

	StoreMemory    = "memory"
	StoreRedis     = "redis"
	StoreFirestore = "firestore"

	OCRModeAuto  = "auto"
	OCRModeForce = "force"
	OCRModeOff   = "off"
)

// Config holds every setting of the server, worker and CLI processes.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      logger.Config  `mapstructure:"log"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Engines  EnginesConfig  `mapstructure:"engines"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Trigger  TriggerConfig  `mapstructure:"trigger"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowOrigins    []string      `mapstructure:"allow_origins"`
}

// Addr returns host:port for http.Server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueueConfig struct {
	Concurrency int            `mapstructure:"concurrency"`
	MaxRetry    int            `mapstructure:"max_retry"`
	Timeout     time.Duration  `mapstructure:"timeout"`
	Queues      map[string]int `mapstructure:"queues"`
}

type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Local LocalConfig `mapstructure:"local"`
	S3    S3Config    `mapstructure:"s3"`
	Minio MinioConfig `mapstructure:"minio"`
	GCS   GCSConfig   `mapstructure:"gcs"`
}

type LocalConfig struct {
	Root string `mapstructure:"root"`
}

type S3Config struct {
	BucketName string `mapstructure:"bucket"`
	Region     string `mapstructure:"region"`
	Endpoint   string `mapstructure:"endpoint"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
}

type MinioConfig struct {
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	Endpoint   string `mapstructure:"endpoint"`
	UseSSL     bool   `mapstructure:"use_ssl"`
	Region     string `mapstructure:"region"`
	BucketName string `mapstructure:"bucket"`
}

type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PipelineConfig carries the default policy thresholds.
type PipelineConfig struct {
	MaxUploadBytes         int64         `mapstructure:"max_upload_bytes"`
	TextRatioThreshold     float64       `mapstructure:"text_ratio_threshold"`
	MinTextChars           int           `mapstructure:"min_text_chars"`
	ConfidenceThreshold    float64       `mapstructure:"confidence_threshold"`
	FallbackThreshold      float64       `mapstructure:"fallback_threshold"`
	RenderDPI              int           `mapstructure:"render_dpi"`
	PageConcurrency        int           `mapstructure:"page_concurrency"`
	PageTimeout            time.Duration `mapstructure:"page_timeout"`
	OCRMode                string        `mapstructure:"ocr_mode"`
	ProfilePath            string        `mapstructure:"profile_path"`
	MinQuestionLength      int           `mapstructure:"min_question_length"`
	MinExplanationLength   int           `mapstructure:"min_explanation_length"`
	CharsPerProblem        int           `mapstructure:"chars_per_problem"`
	PlausibilityTolerance  float64       `mapstructure:"plausibility_tolerance"`
	AllowShortAnswerAccept bool          `mapstructure:"allow_short_answer_accept"`
}

type EnginesConfig struct {
	Primary   string          `mapstructure:"primary"`
	Fallback  string          `mapstructure:"fallback"`
	Tesseract TesseractConfig `mapstructure:"tesseract"`
	Textract  TextractConfig  `mapstructure:"textract"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
}

// resolveFallback fills in an unset fallback engine. Textract cannot read
// Hangul, so Korean setups fall back to the vision model instead.
func (e *EnginesConfig) resolveFallback() {
	if e.Fallback != "" {
		return
	}
	e.Fallback = "textract"
	for _, lang := range e.Tesseract.Languages {
		if lang == "kor" || strings.HasPrefix(lang, "kor_") {
			e.Fallback = "ollama"
			return
		}
	}
}

type TesseractConfig struct {
	Languages     []string `mapstructure:"languages"`
	MinConfidence float64  `mapstructure:"min_confidence"`
	Preprocess    bool     `mapstructure:"preprocess"`
}

type TextractConfig struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type OllamaConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	Model             string        `mapstructure:"model"`
	MaxPoolSize       int           `mapstructure:"max_pool_size"`
	PoolTimeout       time.Duration `mapstructure:"pool_timeout"`
	AssumedConfidence float64       `mapstructure:"assumed_confidence"`
}

type JobsConfig struct {
	Store               string        `mapstructure:"store"`
	Dispatch            string        `mapstructure:"dispatch"`
	Dedup               bool          `mapstructure:"dedup"`
	ListLimit           int           `mapstructure:"list_limit"`
	MaxRunning          int           `mapstructure:"max_running"`
	SnapshotTTL         time.Duration `mapstructure:"snapshot_ttl"`
	QueuePriority       int           `mapstructure:"queue_priority"`
	Retention           time.Duration `mapstructure:"retention"`
	FirestoreProject    string        `mapstructure:"firestore_project"`
	FirestoreCollection string        `mapstructure:"firestore_collection"`
}

// TriggerConfig scopes which uploaded objects the storage trigger imports.
type TriggerConfig struct {
	Prefix string `mapstructure:"prefix"`
}

// RegisterFlags declares the command line flags shared by all binaries.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a YAML config file")
	fs.String("env-file", ".env", "Path to a dotenv file")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.Int("port", 8080, "HTTP port")
	fs.String("storage", "local", "Storage backend: local, s3, minio, gcs")
	fs.String("dispatch", DispatchInline, "Job dispatch: inline or queue")
	fs.String("job-store", StoreMemory, "Job snapshot store: memory, redis, firestore")
	fs.String("ocr-mode", OCRModeAuto, "Recognition mode: auto, force, off")
	fs.String("redis-addr", "localhost:6379", "Redis address")
}

var flagKeys = map[string]string{
	"log-level":  "log.level",
	"port":       "server.port",
	"storage":    "storage.type",
	"dispatch":   "jobs.dispatch",
	"job-store":  "jobs.store",
	"ocr-mode":   "pipeline.ocr_mode",
	"redis-addr": "redis.addr",
}

// Load resolves configuration from defaults, dotenv, config file,
// environment and flags, in increasing priority. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	envFile := ".env"
	if fs != nil {
		if f := fs.Lookup("env-file"); f != nil {
			envFile = f.Value.String()
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("Warning: could not load %s: %v", envFile, err)
		}
	}

	setDefaults(v)
	bindEnv(v)

	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
		for flagName, key := range flagKeys {
			if f := fs.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", flagName, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Engines.resolveFallback()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	p := c.Pipeline
	if p.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("pipeline.max_upload_bytes must be positive"))
	}
	if p.TextRatioThreshold < 0 || p.TextRatioThreshold > 1 {
		errs = append(errs, errors.New("pipeline.text_ratio_threshold must be within [0,1]"))
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		errs = append(errs, errors.New("pipeline.confidence_threshold must be within [0,1]"))
	}
	if p.FallbackThreshold < 0 || p.FallbackThreshold > 1 {
		errs = append(errs, errors.New("pipeline.fallback_threshold must be within [0,1]"))
	}
	if p.RenderDPI < 72 || p.RenderDPI > 1200 {
		errs = append(errs, fmt.Errorf("pipeline.render_dpi out of range: %d", p.RenderDPI))
	}
	if p.PageConcurrency < 1 {
		errs = append(errs, errors.New("pipeline.page_concurrency must be at least 1"))
	}
	if p.CharsPerProblem < 1 {
		errs = append(errs, errors.New("pipeline.chars_per_problem must be at least 1"))
	}
	if !oneOf(p.OCRMode, OCRModeAuto, OCRModeForce, OCRModeOff) {
		errs = append(errs, fmt.Errorf("unknown pipeline.ocr_mode %q", p.OCRMode))
	}
	if !oneOf(c.Storage.Type, "local", "s3", "minio", "gcs") {
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.Storage.Type))
	}
	if !oneOf(c.Jobs.Store, StoreMemory, StoreRedis, StoreFirestore) {
		errs = append(errs, fmt.Errorf("unknown jobs.store %q", c.Jobs.Store))
	}
	if !oneOf(c.Jobs.Dispatch, DispatchInline, DispatchQueue) {
		errs = append(errs, fmt.Errorf("unknown jobs.dispatch %q", c.Jobs.Dispatch))
	}
	if c.Jobs.Dispatch == DispatchQueue && c.Jobs.Store == StoreMemory {
		errs = append(errs, errors.New("jobs.dispatch=queue needs a shared jobs.store (redis or firestore)"))
	}
	if c.Jobs.Store == StoreFirestore && c.Jobs.FirestoreProject == "" {
		errs = append(errs, errors.New("jobs.firestore_project is required for the firestore store"))
	}
	return errors.Join(errs...)
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if strings.EqualFold(v, o) {
			return true
		}
	}
	return false
}
