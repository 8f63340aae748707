package qflow

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures the Client.
type Option interface {
	apply(*clientConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*clientConfig)

func (f optionFunc) apply(c *clientConfig) { f(c) }

type clientConfig struct {
	driver   string // "qdrant", "redis" or "valkey"
	addrs    []string
	password string
	apiKey   string

	retriever Retriever

	collection    string
	keyPrefix     string
	dimensions    int
	candidatePool int
	minCandidate  float64
	rerank        bool
	workers       int
	cacheTTL      time.Duration
	cacheSize     int

	logger     *slog.Logger
	metricsReg prometheus.Registerer
}

func defaultConfig() *clientConfig {
	return &clientConfig{
		collection:    "quantum-images",
		keyPrefix:     "qflow:",
		dimensions:    2048,
		candidatePool: 50,
		minCandidate:  0.70,
		rerank:        true,
		cacheTTL:      24 * time.Hour,
		cacheSize:     10000,
	}
}

// WithQdrant retrieves candidates from a Qdrant instance over gRPC.
func WithQdrant(addr, apiKey string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = "qdrant"
		c.addrs = []string{addr}
		c.apiKey = apiKey
	})
}

// WithRedis retrieves candidates from a Redis instance with the search module.
func WithRedis(addr, password string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = "redis"
		c.addrs = []string{addr}
		c.password = password
	})
}

// WithValkey retrieves candidates from a Valkey instance with valkey-search.
func WithValkey(addr, password string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = "valkey"
		c.addrs = []string{addr}
		c.password = password
	})
}

// WithRetriever plugs in a custom first-pass store instead of a built-in driver.
func WithRetriever(r Retriever) Option {
	return optionFunc(func(c *clientConfig) {
		c.retriever = r
	})
}

// WithCollection sets the Qdrant collection or Redis index name.
// Default: quantum-images.
func WithCollection(name string) Option {
	return optionFunc(func(c *clientConfig) {
		c.collection = name
	})
}

// WithDimensions sets the feature vector dimension. Default: 2048.
func WithDimensions(dim int) Option {
	return optionFunc(func(c *clientConfig) {
		c.dimensions = dim
	})
}

// WithCandidatePool sets how many candidates are retrieved for re-ranking.
// Default: 50.
func WithCandidatePool(n int) Option {
	return optionFunc(func(c *clientConfig) {
		c.candidatePool = n
	})
}

// WithMinCandidateScore drops first-pass hits below score. Default: 0.70.
func WithMinCandidateScore(score float64) Option {
	return optionFunc(func(c *clientConfig) {
		c.minCandidate = score
	})
}

// WithRerank enables or disables kernel re-ranking. Default: enabled.
func WithRerank(enabled bool) Option {
	return optionFunc(func(c *clientConfig) {
		c.rerank = enabled
	})
}

// WithWorkers sets the re-ranking pool size. Default: GOMAXPROCS.
func WithWorkers(n int) Option {
	return optionFunc(func(c *clientConfig) {
		c.workers = n
	})
}

// WithResultCache sets the in-process result cache TTL and capacity.
// Defaults: 24h, 10000 entries.
func WithResultCache(ttl time.Duration, size int) Option {
	return optionFunc(func(c *clientConfig) {
		c.cacheTTL = ttl
		c.cacheSize = size
	})
}

// WithLogger enables structured logging for SDK operations.
// Pass nil to disable (default). Uses standard library slog.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *clientConfig) {
		c.logger = l
	})
}

// WithPrometheus registers SDK metrics (operation counts and durations)
// on the given registerer. Pass nil to disable (default).
func WithPrometheus(reg prometheus.Registerer) Option {
	return optionFunc(func(c *clientConfig) {
		c.metricsReg = reg
	})
}
