package types

import "time"

// HTTPConfig holds shared HTTP settings used by stages that make network requests.
type HTTPConfig struct {
	// Timeout is the HTTP request timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests
	// (e.g. "sysrev/0.1").
	UserAgent string `json:"user_agent" yaml:"user_agent"`
}

// FetchConfig holds settings for the document fetch stage.
type FetchConfig struct {
	HTTPConfig `yaml:",inline"`

	// UnpaywallEmail is the contact address the Unpaywall API requires on
	// every request.
	UnpaywallEmail string `json:"unpaywall_email,omitempty" yaml:"unpaywall_email,omitempty"`

	// MaxDocumentMB caps the size of a downloaded payload (default 100).
	MaxDocumentMB int `json:"max_document_mb" yaml:"max_document_mb"`

	// SpoolDir is where payloads are spooled; empty means the OS temp dir.
	SpoolDir string `json:"spool_dir,omitempty" yaml:"spool_dir,omitempty"`

	// MaxRetries is the number of in-place retries for transient HTTP
	// failures on a single source (default 3).
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// ChunkConfig holds settings for chunked text extraction.
type ChunkConfig struct {
	// ChunkSize is the chunk length in runes (default 12000).
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// Overlap is how many runes consecutive chunks share (default 500; a
	// negative value disables overlap).
	Overlap int `json:"overlap" yaml:"overlap"`

	// MaxTextLen caps the total text taken from one document, in runes
	// (default 50000). Zero means no cap.
	MaxTextLen int `json:"max_text_len" yaml:"max_text_len"`

	// FromIndex skips chunks below this index, for resuming a document
	// whose earlier chunks were already processed.
	FromIndex int `json:"-" yaml:"-"`
}

// CacheDriver selects the object cache backend.
type CacheDriver string

const (
	CacheMinio CacheDriver = "minio"
	CacheS3    CacheDriver = "s3"
)

// CacheConfig holds settings for the archival object cache.
type CacheConfig struct {
	// Driver selects the backend client: minio (default) or s3.
	Driver CacheDriver `json:"driver" yaml:"driver"`

	// Endpoint is the S3-compatible endpoint host (e.g. "<account>.r2.cloudflarestorage.com").
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Region is the bucket region; R2 accepts "auto".
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// Bucket is the bucket holding archived documents.
	Bucket string `json:"bucket" yaml:"bucket"`

	// AccessKey and SecretKey authenticate against the endpoint.
	AccessKey string `json:"access_key,omitempty" yaml:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`

	// UseSSL controls TLS to the endpoint (default true).
	UseSSL bool `json:"use_ssl" yaml:"use_ssl"`
}

// StrategyConfig holds settings for the extraction strategy manager.
type StrategyConfig struct {
	// Mode is the run-level strategy: content-first or metadata-first.
	// Empty means keep the persisted mode, or content-first on a fresh run.
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`

	// StatePath is the strategy state file (default "state/strategy.yaml").
	StatePath string `json:"state_path" yaml:"state_path"`

	// DemoteAfter is how many consecutive content failures demote an item
	// to metadata-only (default 2).
	DemoteAfter int `json:"demote_after" yaml:"demote_after"`
}

// BudgetConfig is one named rate budget.
type BudgetConfig struct {
	// PerMinute is the sustained request rate.
	PerMinute int `json:"per_minute" yaml:"per_minute"`

	// Burst is the bucket capacity (defaults to PerMinute).
	Burst int `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// RateLimitConfig holds the named token-bucket budgets.
type RateLimitConfig struct {
	// Budgets maps budget name to its bucket settings. Unnamed budgets use
	// Default.
	Budgets map[string]BudgetConfig `json:"budgets,omitempty" yaml:"budgets,omitempty"`

	// Default applies to budgets not listed in Budgets (default 60/min).
	Default BudgetConfig `json:"default" yaml:"default"`

	// AcquireTimeout is how long a caller waits for a token before the
	// acquire times out (default 30s).
	AcquireTimeout time.Duration `json:"acquire_timeout" yaml:"acquire_timeout"`
}

// LedgerConfig holds settings for the progress ledger.
type LedgerConfig struct {
	// Path is the ledger database file (default "state/ledger.db").
	Path string `json:"path" yaml:"path"`
}

// WorklistConfig holds settings for the worklist and results store.
type WorklistConfig struct {
	// Path is the worklist database file (default "state/worklist.db").
	Path string `json:"path" yaml:"path"`
}

// AIConfig holds shared settings for stages that call a Generative AI API.
type AIConfig struct {
	// Model is the AI model identifier (e.g. "claude-sonnet-4-5-20250929").
	Model string `json:"model" yaml:"model"`

	// APIKey is the authentication key for the AI API.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// MaxRetries is the number of retry attempts for failed API calls (default 3).
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// ExtractionConfig holds settings for the field-extraction stage.
type ExtractionConfig struct {
	AIConfig `yaml:",inline"`

	// SchemaPath is an optional YAML file overriding the built-in
	// extraction categories.
	SchemaPath string `json:"schema_path,omitempty" yaml:"schema_path,omitempty"`
}

// RunConfig holds orchestrator settings for a pipeline run.
type RunConfig struct {
	// Workers is the worker pool size (default 4).
	Workers int `json:"workers" yaml:"workers"`

	// MaxAttempts is the per-item attempt ceiling across a run (default 3).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// RetryBase is the first in-run retry delay; doubles per attempt (default 1s).
	RetryBase time.Duration `json:"retry_base" yaml:"retry_base"`

	// RetryMax caps the in-run retry delay (default 60s).
	RetryMax time.Duration `json:"retry_max" yaml:"retry_max"`

	// Limit stops the run after this many items; zero means no limit.
	Limit int `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// LoggingConfig holds settings for the structured log file.
type LoggingConfig struct {
	// Level is the minimum level written to the log file (default "info").
	Level string `json:"level" yaml:"level"`

	// File is the log file path (default "logs/sysrev.log").
	File string `json:"file" yaml:"file"`

	// MaxSizeMB, MaxBackups, and MaxAgeDays control rotation.
	MaxSizeMB  int `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int `json:"max_age_days" yaml:"max_age_days"`
}

// MetricsConfig holds settings for the optional Prometheus listener.
type MetricsConfig struct {
	// Addr is the listen address (e.g. ":9090"); empty disables the listener.
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// PipelineConfig groups all stage configurations for the pipeline.
type PipelineConfig struct {
	Fetch      FetchConfig      `json:"fetch" yaml:"fetch"`
	Chunk      ChunkConfig      `json:"chunk" yaml:"chunk"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	Strategy   StrategyConfig   `json:"strategy" yaml:"strategy"`
	RateLimit  RateLimitConfig  `json:"rate_limit" yaml:"rate_limit"`
	Ledger     LedgerConfig     `json:"ledger" yaml:"ledger"`
	Worklist   WorklistConfig   `json:"worklist" yaml:"worklist"`
	Extraction ExtractionConfig `json:"extraction" yaml:"extraction"`
	Run        RunConfig        `json:"run" yaml:"run"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}
