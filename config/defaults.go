package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.output_paths", []string{"stdout"})
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 7)
	v.SetDefault("log.compress", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.concurrency", 5)
	v.SetDefault("queue.max_retry", 0)
	v.SetDefault("queue.timeout", 30*time.Minute)
	v.SetDefault("queue.queues", map[string]int{"critical": 6, "default": 3, "low": 1})

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local.root", "data")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.minio.endpoint", "")
	v.SetDefault("storage.minio.access_key", "")
	v.SetDefault("storage.minio.secret_key", "")
	v.SetDefault("storage.minio.use_ssl", false)
	v.SetDefault("storage.minio.region", "")
	v.SetDefault("storage.minio.bucket", "imports")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")

	v.SetDefault("pipeline.max_upload_bytes", int64(50*1024*1024))
	v.SetDefault("pipeline.text_ratio_threshold", 0.10)
	v.SetDefault("pipeline.min_text_chars", 100)
	v.SetDefault("pipeline.confidence_threshold", 0.70)
	v.SetDefault("pipeline.fallback_threshold", 0.70)
	v.SetDefault("pipeline.render_dpi", 300)
	v.SetDefault("pipeline.page_concurrency", 4)
	v.SetDefault("pipeline.page_timeout", 60*time.Second)
	v.SetDefault("pipeline.ocr_mode", OCRModeAuto)
	v.SetDefault("pipeline.profile_path", "")
	v.SetDefault("pipeline.min_question_length", 10)
	v.SetDefault("pipeline.min_explanation_length", 10)
	v.SetDefault("pipeline.chars_per_problem", 250)
	v.SetDefault("pipeline.plausibility_tolerance", 0.20)
	v.SetDefault("pipeline.allow_short_answer_accept", false)

	v.SetDefault("engines.primary", "tesseract")
	// empty picks a fallback from the tesseract languages, see Load
	v.SetDefault("engines.fallback", "")
	v.SetDefault("engines.tesseract.languages", []string{"kor", "eng"})
	v.SetDefault("engines.tesseract.min_confidence", 0.0)
	v.SetDefault("engines.tesseract.preprocess", true)
	v.SetDefault("engines.textract.region", "")
	v.SetDefault("engines.textract.endpoint", "")
	v.SetDefault("engines.textract.access_key", "")
	v.SetDefault("engines.textract.secret_key", "")
	v.SetDefault("engines.ollama.endpoint", "http://localhost:11434")
	v.SetDefault("engines.ollama.model", "llama3.2-vision")
	v.SetDefault("engines.ollama.max_pool_size", 4)
	v.SetDefault("engines.ollama.pool_timeout", 30*time.Second)
	v.SetDefault("engines.ollama.assumed_confidence", 0.75)

	v.SetDefault("jobs.store", StoreMemory)
	v.SetDefault("jobs.dispatch", DispatchInline)
	v.SetDefault("jobs.dedup", true)
	v.SetDefault("jobs.list_limit", 20)
	v.SetDefault("jobs.max_running", 2)
	v.SetDefault("jobs.snapshot_ttl", 7*24*time.Hour)
	v.SetDefault("jobs.queue_priority", 2)
	v.SetDefault("jobs.retention", 7*24*time.Hour)
	v.SetDefault("jobs.firestore_project", "")
	v.SetDefault("jobs.firestore_collection", "import_jobs")

	v.SetDefault("trigger.prefix", "incoming/")
}

// bindEnv maps IMPORTER_SECTION_KEY variables and keeps the legacy
// AWS_* and MINIO_* names working.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	legacy := map[string][]string{
		"storage.s3.bucket":           {"AWS_S3_BUCKET_NAME"},
		"storage.s3.region":           {"AWS_REGION"},
		"storage.s3.endpoint":         {"AWS_ENDPOINT"},
		"storage.s3.access_key":       {"AWS_ACCESS_KEY"},
		"storage.s3.secret_key":       {"AWS_SECRET_KEY"},
		"engines.textract.region":     {"AWS_REGION"},
		"engines.textract.endpoint":   {"AWS_ENDPOINT"},
		"engines.textract.access_key": {"AWS_ACCESS_KEY"},
		"engines.textract.secret_key": {"AWS_SECRET_KEY"},
		"storage.minio.access_key":    {"MINIO_ACCESS_KEY"},
		"storage.minio.secret_key":    {"MINIO_SECRET_KEY"},
		"storage.minio.endpoint":      {"MINIO_ENDPOINT"},
		"storage.minio.region":        {"MINIO_REGION"},
		"storage.minio.bucket":        {"MINIO_BUCKET_NAME"},
	}
	for key, names := range legacy {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(append([]string{key, prefixed}, names...)...)
	}
}
