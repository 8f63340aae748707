package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Vector store drivers.
const (
	DriverQdrant = "qdrant"
	DriverRedis  = "redis"
	DriverValkey = "valkey"
)

// Result cache drivers.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheBadger = "badger"
)

// Config holds the qflow API configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Extractor   ExtractorConfig   `yaml:"extractor"`
	Engine      EngineConfig      `yaml:"engine"`
	Kernel      KernelConfig      `yaml:"kernel"`
	Cache       CacheConfig       `yaml:"cache"`
	Confidence  ConfidenceConfig  `yaml:"confidence"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
	MaxUploadMB     int `yaml:"max_upload_mb"`
}

// RateLimitConfig holds per-client limits for the search routes.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"` // negative disables limiting
	Burst             int `yaml:"burst"`
}

// VectorStoreConfig holds first-pass retrieval settings.
type VectorStoreConfig struct {
	Driver            string   `yaml:"driver"` // qdrant (default), redis, valkey
	Addrs             []string `yaml:"addrs"`
	Password          string   `yaml:"password"`
	APIKey            string   `yaml:"api_key"`
	UseTLS            bool     `yaml:"use_tls"`
	Collection        string   `yaml:"collection"`
	VectorName        string   `yaml:"vector_name"` // qdrant named vector, empty for the default one
	KeyPrefix         string   `yaml:"key_prefix"`  // redis key namespace
	ReadinessTimeout  int      `yaml:"readiness_timeout_sec"`
	MinCandidateScore *float64 `yaml:"min_candidate_score"` // nil means 0.70, 0 disables the floor
	CallTimeoutSec    int      `yaml:"call_timeout_sec"`
	EnsureIndex       bool     `yaml:"ensure_index"`
	HNSWM             int      `yaml:"hnsw_m"`
	HNSWEFConstruct   int      `yaml:"hnsw_ef_construction"`
}

// ExtractorConfig holds the image feature extraction provider settings.
// An empty BaseURL disables image search.
type ExtractorConfig struct {
	Provider   string `yaml:"provider"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// EngineConfig holds search pipeline settings.
type EngineConfig struct {
	Dimensions        int      `yaml:"dimensions"`
	CandidatePool     int      `yaml:"candidate_pool"`
	MaxTopK           int      `yaml:"max_top_k"`
	RequestTimeoutSec int      `yaml:"request_timeout_sec"`
	Workers           int      `yaml:"workers"`
	RerankEnabled     *bool    `yaml:"rerank_enabled"`
	Categories        []string `yaml:"categories"`
}

// KernelConfig holds the re-ranking scoring policy.
type KernelConfig struct {
	Epsilon       float64       `yaml:"epsilon"`
	PrecisionBits *int          `yaml:"precision_bits"`
	Weights       WeightsConfig `yaml:"weights"`
	Blend         BlendConfig   `yaml:"blend"`
}

// WeightsConfig are the kernel weights. They must sum to 1.
type WeightsConfig struct {
	Classical float64 `yaml:"classical"`
	Fidelity  float64 `yaml:"fidelity"`
	Phase     float64 `yaml:"phase"`
}

// BlendConfig mixes the weighted and amplitude-estimated scores. Must sum to 1.
type BlendConfig struct {
	Weighted  float64 `yaml:"weighted"`
	Amplitude float64 `yaml:"amplitude"`
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	Driver     string `yaml:"driver"` // memory (default), redis, badger
	TTL        string `yaml:"ttl"`    // Go duration, default 24h
	MaxEntries int    `yaml:"max_entries"`
	BadgerDir  string `yaml:"badger_dir"`
	KeyPrefix  string `yaml:"key_prefix"`
	// Addrs and Password select a dedicated Redis for the cache. Empty reuses
	// the vector store connection when it is Redis.
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
}

// ConfidenceConfig holds the result label thresholds.
type ConfidenceConfig struct {
	High    float64 `yaml:"high"`
	Good    float64 `yaml:"good"`
	Minimum float64 `yaml:"minimum"`
}

// TTLDuration returns the parsed cache TTL. Call after Validate.
func (c *CacheConfig) TTLDuration() time.Duration {
	d, _ := time.ParseDuration(c.TTL)
	return d
}

// RerankOn reports whether re-ranking is enabled.
func (e *EngineConfig) RerankOn() bool {
	return e.RerankEnabled == nil || *e.RerankEnabled
}

// MinCandidate returns the candidate score floor, zero when unset.
func (vs *VectorStoreConfig) MinCandidate() float64 {
	if vs.MinCandidateScore == nil {
		return 0
	}
	return *vs.MinCandidateScore
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse expands env variables, decodes YAML, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	c.applyHTTPDefaults()
	c.applyVectorStoreDefaults()
	c.applyEngineDefaults()
	c.applyKernelDefaults()
	c.applyCacheDefaults()

	if c.Confidence.High <= 0 {
		c.Confidence.High = 0.95
	}
	if c.Confidence.Good <= 0 {
		c.Confidence.Good = 0.85
	}
	if c.Confidence.Minimum <= 0 {
		c.Confidence.Minimum = 0.80
	}
}

func (c *Config) applyHTTPDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.HTTP.MaxUploadMB <= 0 {
		c.HTTP.MaxUploadMB = 10
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 30
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 10
	}
}

func (c *Config) applyVectorStoreDefaults() {
	vs := &c.VectorStore
	if vs.Driver == "" {
		vs.Driver = DriverQdrant
	}
	if vs.Collection == "" {
		vs.Collection = "quantum-images"
	}
	if vs.KeyPrefix == "" {
		vs.KeyPrefix = "qflow:"
	}
	if vs.ReadinessTimeout <= 0 {
		vs.ReadinessTimeout = 10
	}
	if vs.MinCandidateScore == nil {
		floor := 0.70
		vs.MinCandidateScore = &floor
	}
	if vs.CallTimeoutSec <= 0 {
		vs.CallTimeoutSec = 5
	}
	if vs.HNSWM <= 0 {
		vs.HNSWM = 32
	}
	if vs.HNSWEFConstruct <= 0 {
		vs.HNSWEFConstruct = 400
	}
}

func (c *Config) applyEngineDefaults() {
	e := &c.Engine
	if e.Dimensions <= 0 {
		e.Dimensions = 2048
	}
	if e.CandidatePool <= 0 {
		e.CandidatePool = 50
	}
	if e.MaxTopK <= 0 {
		e.MaxTopK = 100
	}
	if e.RequestTimeoutSec <= 0 {
		e.RequestTimeoutSec = 10
	}
	if len(e.Categories) == 0 {
		e.Categories = []string{"healthcare", "satellite", "surveillance"}
	}
	if c.Extractor.Dimensions <= 0 {
		c.Extractor.Dimensions = e.Dimensions
	}
	if c.Extractor.Provider == "" {
		c.Extractor.Provider = "openai"
	}
}

func (c *Config) applyKernelDefaults() {
	k := &c.Kernel
	if k.Epsilon == 0 {
		k.Epsilon = 0.1
	}
	if k.PrecisionBits == nil {
		bits := 7
		k.PrecisionBits = &bits
	}
	if k.Weights == (WeightsConfig{}) {
		k.Weights = WeightsConfig{Classical: 0.7, Fidelity: 0.2, Phase: 0.1}
	}
	if k.Blend == (BlendConfig{}) {
		k.Blend = BlendConfig{Weighted: 0.8, Amplitude: 0.2}
	}
}

func (c *Config) applyCacheDefaults() {
	if c.Cache.Driver == "" {
		c.Cache.Driver = CacheMemory
	}
	if c.Cache.TTL == "" {
		c.Cache.TTL = "24h"
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "qflow:"
	}
	if c.Cache.BadgerDir == "" {
		c.Cache.BadgerDir = "data/cache"
	}
}

const unitTolerance = 1e-9

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	switch c.VectorStore.Driver {
	case DriverQdrant, DriverRedis, DriverValkey:
	default:
		return fmt.Errorf("vector_store.driver must be qdrant, redis or valkey, got %q", c.VectorStore.Driver)
	}
	if len(c.VectorStore.Addrs) == 0 {
		return fmt.Errorf("vector_store.addrs is required")
	}
	if s := c.VectorStore.MinCandidate(); s < 0 || s > 1 {
		return fmt.Errorf("vector_store.min_candidate_score must be in [0,1], got %v", s)
	}

	if c.Engine.Dimensions <= 0 {
		return fmt.Errorf("engine.dimensions must be positive, got %d", c.Engine.Dimensions)
	}
	if c.Extractor.BaseURL != "" && c.Extractor.Dimensions != c.Engine.Dimensions {
		return fmt.Errorf("extractor.dimensions (%d) must equal engine.dimensions (%d)",
			c.Extractor.Dimensions, c.Engine.Dimensions)
	}
	if slices.Contains(c.Engine.Categories, "") {
		return fmt.Errorf("engine.categories must not contain empty names")
	}

	if err := c.validateKernel(); err != nil {
		return err
	}

	switch c.Cache.Driver {
	case CacheMemory, CacheRedis, CacheBadger:
	default:
		return fmt.Errorf("cache.driver must be memory, redis or badger, got %q", c.Cache.Driver)
	}
	if d, err := time.ParseDuration(c.Cache.TTL); err != nil || d <= 0 {
		return fmt.Errorf("cache.ttl must be a positive duration, got %q", c.Cache.TTL)
	}
	if c.Cache.Driver == CacheRedis && len(c.Cache.Addrs) == 0 && c.VectorStore.Driver == DriverQdrant {
		return fmt.Errorf("cache.addrs is required for the redis cache when the vector store is qdrant")
	}

	cf := c.Confidence
	if !(cf.Minimum <= cf.Good && cf.Good <= cf.High && cf.High <= 1) {
		return fmt.Errorf("confidence thresholds must satisfy minimum <= good <= high <= 1")
	}
	return nil
}

func (c *Config) validateKernel() error {
	k := c.Kernel
	if k.Epsilon <= 0 || k.Epsilon > 1 {
		return fmt.Errorf("kernel.epsilon must be in (0,1], got %v", k.Epsilon)
	}
	if bits := *k.PrecisionBits; bits < 0 || bits > 52 {
		return fmt.Errorf("kernel.precision_bits must be in [0,52], got %d", bits)
	}
	w := k.Weights
	if w.Classical < 0 || w.Fidelity < 0 || w.Phase < 0 || !unitSum(w.Classical+w.Fidelity+w.Phase) {
		return fmt.Errorf("kernel.weights must be non-negative and sum to 1")
	}
	b := k.Blend
	if b.Weighted < 0 || b.Amplitude < 0 || !unitSum(b.Weighted+b.Amplitude) {
		return fmt.Errorf("kernel.blend must be non-negative and sum to 1")
	}
	return nil
}

func unitSum(s float64) bool {
	return s > 1-unitTolerance && s < 1+unitTolerance
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
