package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type StoreConfig struct {
	Endpoint    string `koanf:"endpoint" mapstructure:"endpoint"`
	AccessKey   string `koanf:"access_key" mapstructure:"access_key"`
	SecretKey   string `koanf:"secret_key" mapstructure:"secret_key"`
	Bucket      string `koanf:"bucket" mapstructure:"bucket"`
	Region      string `koanf:"region" mapstructure:"region"`
	KeyTemplate string `koanf:"key_template" mapstructure:"key_template"`
	PathStyle   bool   `koanf:"path_style" mapstructure:"path_style"`
}

func (c StoreConfig) Configured() bool {
	return strings.TrimSpace(c.AccessKey) != "" && strings.TrimSpace(c.SecretKey) != ""
}

type GenerationConfig struct {
	Engine         string `koanf:"engine" mapstructure:"engine"`
	WorkspaceDir   string `koanf:"workspace_dir" mapstructure:"workspace_dir"`
	ModelDir       string `koanf:"model_dir" mapstructure:"model_dir"`
	FPS            int    `koanf:"fps" mapstructure:"fps"`
	BatchSize      int    `koanf:"batch_size" mapstructure:"batch_size"`
	TimeoutSeconds int    `koanf:"timeout_s" mapstructure:"timeout_s"`
}

type LedgerConfig struct {
	Driver          string `koanf:"driver" mapstructure:"driver"`
	DSN             string `koanf:"dsn" mapstructure:"dsn"`
	CacheTTLSeconds int    `koanf:"cache_ttl_s" mapstructure:"cache_ttl_s"`
}

type QueueConfig struct {
	RedisAddr     string `koanf:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `koanf:"redis_password" mapstructure:"redis_password"`
	Name          string `koanf:"name" mapstructure:"name"`
}

type HTTPConfig struct {
	Addr         string   `koanf:"addr" mapstructure:"addr"`
	AllowOrigins []string `koanf:"allow_origins" mapstructure:"allow_origins"`
}

type Config struct {
	WorkerName          string           `koanf:"worker_name" mapstructure:"worker_name"`
	ScratchRoot         string           `koanf:"scratch_root" mapstructure:"scratch_root"`
	JobTimeoutSeconds   int              `koanf:"job_timeout_s" mapstructure:"job_timeout_s"`
	FetchTimeoutSeconds int              `koanf:"fetch_timeout_s" mapstructure:"fetch_timeout_s"`
	MaxInputBytes       int64            `koanf:"max_input_bytes" mapstructure:"max_input_bytes"`
	ClaimTTLSeconds     int              `koanf:"claim_ttl_s" mapstructure:"claim_ttl_s"`
	Store               StoreConfig      `koanf:"store" mapstructure:"store"`
	Generation          GenerationConfig `koanf:"generation" mapstructure:"generation"`
	Ledger              LedgerConfig     `koanf:"ledger" mapstructure:"ledger"`
	Queue               QueueConfig      `koanf:"queue" mapstructure:"queue"`
	HTTP                HTTPConfig       `koanf:"http" mapstructure:"http"`
}

func DefaultConfig() Config {
	return Config{
		WorkerName:          "avatar-worker",
		JobTimeoutSeconds:   600,
		FetchTimeoutSeconds: 60,
		MaxInputBytes:       50 << 20,
		ClaimTTLSeconds:     600,
		Store: StoreConfig{
			Bucket:      "flowsmartly-avatars",
			KeyTemplate: "jobs/{job_id}/output.mp4",
			PathStyle:   true,
		},
		Generation: GenerationConfig{
			Engine:         "musetalk",
			WorkspaceDir:   "/workspace/MuseTalk",
			ModelDir:       "/workspace/MuseTalk/models/musetalk",
			FPS:            25,
			BatchSize:      8,
			TimeoutSeconds: 300,
		},
		Ledger: LedgerConfig{
			Driver:          "sqlite3",
			DSN:             "file:avatar_worker.db?cache=shared&_foreign_keys=on",
			CacheTTLSeconds: 60,
		},
		Queue: QueueConfig{
			Name: "avatar_jobs",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.WorkerName) == "" {
		return fmt.Errorf("core: worker_name is required")
	}
	if c.JobTimeoutSeconds <= 0 {
		return fmt.Errorf("core: job_timeout_s must be positive")
	}
	if c.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("core: fetch_timeout_s must be positive")
	}
	if c.MaxInputBytes <= 0 {
		return fmt.Errorf("core: max_input_bytes must be positive")
	}
	if strings.TrimSpace(c.Store.Bucket) == "" {
		return fmt.Errorf("core: store.bucket is required")
	}
	if !strings.Contains(c.Store.KeyTemplate, "{job_id}") {
		return fmt.Errorf("core: store.key_template must contain {job_id}")
	}
	if strings.TrimSpace(c.Generation.Engine) == "" {
		return fmt.Errorf("core: generation.engine is required")
	}
	if c.Generation.FPS <= 0 {
		return fmt.Errorf("core: generation.fps must be positive")
	}
	if c.Generation.BatchSize <= 0 {
		return fmt.Errorf("core: generation.batch_size must be positive")
	}
	if c.Generation.TimeoutSeconds <= 0 {
		return fmt.Errorf("core: generation.timeout_s must be positive")
	}
	return nil
}

func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func (c Config) GenerationTimeout() time.Duration {
	return time.Duration(c.Generation.TimeoutSeconds) * time.Second
}

func (c Config) ClaimTTL() time.Duration {
	if c.ClaimTTLSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.ClaimTTLSeconds) * time.Second
}

func (c Config) LedgerCacheTTL() time.Duration {
	if c.Ledger.CacheTTLSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Ledger.CacheTTLSeconds) * time.Second
}

// ObjectKey renders the store key for one job from the configured template.
func (c Config) ObjectKey(jobID string) string {
	template := firstNonEmptyTrimmed(c.Store.KeyTemplate, "jobs/{job_id}/output.mp4")
	return strings.ReplaceAll(template, "{job_id}", strings.TrimSpace(jobID))
}

// EnvRawConfigLoader collects the worker's environment variables into the raw
// nested map consumed by the config builder. Store credentials fall back to
// the platform-injected pair when the primary names are unset.
type EnvRawConfigLoader struct {
	Lookup func(key string) (string, bool)
}

func NewEnvRawConfigLoader() EnvRawConfigLoader {
	return EnvRawConfigLoader{Lookup: os.LookupEnv}
}

func (l EnvRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	raw := map[string]any{}
	setString := func(target map[string]any, field string, names ...string) {
		for _, name := range names {
			if value, ok := lookup(name); ok && strings.TrimSpace(value) != "" {
				target[field] = strings.TrimSpace(value)
				return
			}
		}
	}
	child := func(name string) map[string]any {
		if existing, ok := raw[name].(map[string]any); ok {
			return existing
		}
		section := map[string]any{}
		raw[name] = section
		return section
	}

	setString(raw, "worker_name", "WORKER_NAME")
	setString(raw, "scratch_root", "SCRATCH_ROOT")
	if err := setInt(raw, "job_timeout_s", lookup, "JOB_TIMEOUT_S"); err != nil {
		return nil, err
	}
	if err := setInt(raw, "fetch_timeout_s", lookup, "FETCH_TIMEOUT_S"); err != nil {
		return nil, err
	}
	if err := setInt64(raw, "max_input_bytes", lookup, "MAX_INPUT_BYTES"); err != nil {
		return nil, err
	}
	if err := setInt(raw, "claim_ttl_s", lookup, "CLAIM_TTL_S"); err != nil {
		return nil, err
	}

	store := child("store")
	setString(store, "endpoint", "STORE_ENDPOINT", "PLATFORM_S3_ENDPOINT")
	setString(store, "access_key", "STORE_ACCESS_KEY", "PLATFORM_S3_ACCESS_KEY")
	setString(store, "secret_key", "STORE_SECRET_KEY", "PLATFORM_S3_SECRET_KEY")
	setString(store, "bucket", "STORE_BUCKET")
	setString(store, "region", "STORE_REGION")
	setString(store, "key_template", "STORE_KEY_TEMPLATE")
	if len(store) == 0 {
		delete(raw, "store")
	}

	generation := child("generation")
	setString(generation, "engine", "GENERATION_ENGINE")
	setString(generation, "workspace_dir", "WORKSPACE_DIR")
	setString(generation, "model_dir", "MODEL_DIR")
	if err := setInt(generation, "fps", lookup, "GENERATION_FPS"); err != nil {
		return nil, err
	}
	if err := setInt(generation, "batch_size", lookup, "GENERATION_BATCH_SIZE"); err != nil {
		return nil, err
	}
	if err := setInt(generation, "timeout_s", lookup, "GENERATION_TIMEOUT_S"); err != nil {
		return nil, err
	}
	if len(generation) == 0 {
		delete(raw, "generation")
	}

	ledger := child("ledger")
	setString(ledger, "driver", "LEDGER_DRIVER")
	setString(ledger, "dsn", "LEDGER_DSN")
	if err := setInt(ledger, "cache_ttl_s", lookup, "LEDGER_CACHE_TTL_S"); err != nil {
		return nil, err
	}
	if len(ledger) == 0 {
		delete(raw, "ledger")
	}

	queue := child("queue")
	setString(queue, "redis_addr", "QUEUE_REDIS_ADDR")
	setString(queue, "redis_password", "QUEUE_REDIS_PASSWORD")
	setString(queue, "name", "QUEUE_NAME")
	if len(queue) == 0 {
		delete(raw, "queue")
	}

	httpSection := child("http")
	setString(httpSection, "addr", "HTTP_ADDR")
	if len(httpSection) == 0 {
		delete(raw, "http")
	}

	return raw, nil
}

func setInt(target map[string]any, field string, lookup func(string) (string, bool), name string) error {
	value, ok := lookup(name)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("core: %s must be an integer: %w", name, err)
	}
	target[field] = parsed
	return nil
}

func setInt64(target map[string]any, field string, lookup func(string) (string, bool), name string) error {
	value, ok := lookup(name)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fmt.Errorf("core: %s must be an integer: %w", name, err)
	}
	target[field] = parsed
	return nil
}
