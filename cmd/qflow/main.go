package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/qflow/internal/config"
	"github.com/kailas-cloud/qflow/internal/db"
	dbBadger "github.com/kailas-cloud/qflow/internal/db/badger"
	dbMemory "github.com/kailas-cloud/qflow/internal/db/memory"
	dbRedis "github.com/kailas-cloud/qflow/internal/db/redis"
	"github.com/kailas-cloud/qflow/internal/domain/catalog"
	"github.com/kailas-cloud/qflow/internal/domain/image"
	"github.com/kailas-cloud/qflow/internal/domain/kernel"
	"github.com/kailas-cloud/qflow/internal/domain/scoring"
	"github.com/kailas-cloud/qflow/internal/domain/search/fingerprint"
	logpkg "github.com/kailas-cloud/qflow/internal/logger"
	"github.com/kailas-cloud/qflow/internal/metrics"
	"github.com/kailas-cloud/qflow/internal/repository/featcache"
	resultstore "github.com/kailas-cloud/qflow/internal/repository/resultcache"
	searchrepo "github.com/kailas-cloud/qflow/internal/repository/search"
	chiTransport "github.com/kailas-cloud/qflow/internal/transport/chi"
	openaiExt "github.com/kailas-cloud/qflow/internal/transport/openai"
	"github.com/kailas-cloud/qflow/internal/transport/qdrant"
	engineuc "github.com/kailas-cloud/qflow/internal/usecase/engine"
	healthuc "github.com/kailas-cloud/qflow/internal/usecase/health"
	rerankuc "github.com/kailas-cloud/qflow/internal/usecase/rerank"
	"github.com/kailas-cloud/qflow/internal/usecase/resultcache"
	"github.com/kailas-cloud/qflow/internal/usecase/retrieval"
	"github.com/kailas-cloud/qflow/internal/version"
)

const retryBackoff = 100 * time.Millisecond

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting qflow API server",
		zap.String("version", version.String()),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("vector_store", cfg.VectorStore.Driver),
		zap.Strings("vector_store_addrs", cfg.VectorStore.Addrs),
		zap.String("cache_driver", cfg.Cache.Driver),
	)

	// Register metrics explicitly (no init())
	metrics.RegisterEngineMetrics()
	metrics.RegisterExtractorMetrics()
	metrics.RegisterHTTPMetrics()

	ctx := context.Background()
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	// Vector store -> Instrumented -> Retry
	vs, err := openVectorStore(ctx, &cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open vector store", zap.Error(err))
	}
	closers = append(closers, vs.close)
	retriever := retrieval.WithRetry(
		retrieval.NewInstrumented(vs.retriever, cfg.VectorStore.Driver, logger),
		retryBackoff, logger,
	)

	// Result cache store + shared key-value store for the feature cache
	cs, err := openCacheStore(ctx, &cfg, vs.redis, logger)
	if err != nil {
		logger.Fatal("Failed to open cache store", zap.Error(err))
	}
	closers = append(closers, cs.close)
	ttl := cfg.Cache.TTLDuration()
	cache := resultcache.New(cs.results, ttl, logger)

	// Re-ranker
	lib, err := kernel.NewLibrary(cfg.Kernel.Epsilon)
	if err != nil {
		logger.Fatal("Invalid kernel configuration", zap.Error(err))
	}
	weights := scoring.Weights{
		Classical: cfg.Kernel.Weights.Classical,
		Fidelity:  cfg.Kernel.Weights.Fidelity,
		Phase:     cfg.Kernel.Weights.Phase,
	}
	blend := scoring.Blend{Weighted: cfg.Kernel.Blend.Weighted, Amplitude: cfg.Kernel.Blend.Amplitude}
	combiner, err := scoring.NewCombiner(weights, blend, *cfg.Kernel.PrecisionBits)
	if err != nil {
		logger.Fatal("Invalid scoring configuration", zap.Error(err))
	}
	reranker := rerankuc.New(lib, combiner, cfg.Engine.Workers, logger)

	// Engine
	engine, err := engineuc.New(retriever, reranker, cache, engineuc.Config{
		Dimensions:     cfg.Engine.Dimensions,
		CandidatePool:  cfg.Engine.CandidatePool,
		MaxTopK:        cfg.Engine.MaxTopK,
		RequestTimeout: time.Duration(cfg.Engine.RequestTimeoutSec) * time.Second,
		RerankEnabled:  cfg.Engine.RerankOn(),
		Categories:     cfg.Engine.Categories,
		Policy: fingerprint.Policy{
			Weights:       weights,
			Blend:         blend,
			PrecisionBits: *cfg.Kernel.PrecisionBits,
			Epsilon:       cfg.Kernel.Epsilon,
		},
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create engine", zap.Error(err))
	}

	// Extractor: OpenAI-compatible -> feature cache (optional)
	var (
		extractor       image.Extractor
		extractorHealth healthuc.Checker
	)
	if cfg.Extractor.BaseURL != "" {
		cached := featcache.New(
			openaiExt.NewExtractor(&openaiExt.Config{
				APIKey:     cfg.Extractor.APIKey,
				BaseURL:    cfg.Extractor.BaseURL,
				Model:      cfg.Extractor.Model,
				Dimensions: cfg.Extractor.Dimensions,
				Provider:   cfg.Extractor.Provider,
				Logger:     logger,
			}),
			cs.kv, cfg.Cache.KeyPrefix, ttl, logger,
		)
		extractor = cached
		extractorHealth = healthuc.CheckerFunc(cached.HealthCheck)
		logger.Info("Image search enabled",
			zap.String("provider", cfg.Extractor.Provider),
			zap.String("model", cfg.Extractor.Model),
			zap.Int("dimensions", cfg.Extractor.Dimensions),
		)
	}

	healthSvc := healthuc.New(logger,
		healthuc.Component{Name: "vector_store", Checker: vs.health, Required: true},
		healthuc.Component{Name: "cache", Checker: cs.health},
		healthuc.Component{Name: "extractor", Checker: extractorHealth},
	)

	server := chiTransport.NewServer(engine, extractor, vs.catalog, healthSvc, chiTransport.Options{
		APIKeys: cfg.Auth.APIKeys,
		RateLimit: chiTransport.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		MaxUploadBytes: int64(cfg.HTTP.MaxUploadMB) << 20,
		Confidence: chiTransport.Confidence{
			High:    cfg.Confidence.High,
			Good:    cfg.Confidence.Good,
			Minimum: cfg.Confidence.Minimum,
		},
		Info: chiTransport.Info{
			Version:       version.Version,
			Commit:        version.Commit,
			VectorStore:   cfg.VectorStore.Driver,
			CacheDriver:   cfg.Cache.Driver,
			Dimensions:    cfg.Engine.Dimensions,
			CandidatePool: cfg.Engine.CandidatePool,
			MaxTopK:       cfg.Engine.MaxTopK,
			RerankEnabled: cfg.Engine.RerankOn(),
			Kernel: chiTransport.KernelInfo{
				Epsilon:       cfg.Kernel.Epsilon,
				PrecisionBits: *cfg.Kernel.PrecisionBits,
				Weights: map[string]float64{
					"classical": weights.Classical,
					"fidelity":  weights.Fidelity,
					"phase":     weights.Phase,
				},
				Blend: map[string]float64{
					"weighted":  blend.Weighted,
					"amplitude": blend.Amplitude,
				},
			},
		},
	}, logger)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadTimeout:       time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// vectorStore is the opened first-pass retrieval backend.
type vectorStore struct {
	retriever retrieval.Retriever
	catalog   catalog.Reader
	health    healthuc.Checker
	// redis is set for the redis/valkey drivers so the cache can share the connection.
	redis *dbRedis.Store
	close func()
}

func openVectorStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (vectorStore, error) {
	vsCfg := cfg.VectorStore
	callTimeout := time.Duration(vsCfg.CallTimeoutSec) * time.Second

	switch vsCfg.Driver {
	case config.DriverQdrant:
		r, err := qdrant.Dial(qdrant.Config{
			Addr:        vsCfg.Addrs[0],
			APIKey:      vsCfg.APIKey,
			UseTLS:      vsCfg.UseTLS,
			Collection:  vsCfg.Collection,
			VectorName:  vsCfg.VectorName,
			MinScore:    vsCfg.MinCandidate(),
			CallTimeout: callTimeout,
			Logger:      logger,
		})
		if err != nil {
			return vectorStore{}, err
		}
		logger.Info("Qdrant retriever created", zap.String("collection", vsCfg.Collection))
		return vectorStore{
			retriever: r,
			catalog:   r,
			health:    healthuc.CheckerFunc(r.HealthCheck),
			close:     func() { _ = r.Close() },
		}, nil

	case config.DriverRedis, config.DriverValkey:
		store, err := openRedis(ctx, vsCfg.Addrs, vsCfg.Password, time.Duration(vsCfg.ReadinessTimeout)*time.Second)
		if err != nil {
			return vectorStore{}, err
		}
		repo := searchrepo.New(store, searchrepo.Config{
			Collection:  vsCfg.Collection,
			Prefix:      vsCfg.KeyPrefix,
			MinScore:    vsCfg.MinCandidate(),
			CallTimeout: callTimeout,
		}, logger)
		if vsCfg.EnsureIndex {
			if err := repo.EnsureIndex(ctx, store, cfg.Engine.Dimensions, vsCfg.HNSWM, vsCfg.HNSWEFConstruct); err != nil {
				store.Close()
				return vectorStore{}, fmt.Errorf("ensure index: %w", err)
			}
		}
		logger.Info("Redis retriever created",
			zap.String("driver", vsCfg.Driver),
			zap.String("index", repo.IndexName()),
		)
		return vectorStore{
			retriever: repo,
			catalog:   repo,
			health:    healthuc.CheckerFunc(store.Ping),
			redis:     store,
			close:     store.Close,
		}, nil
	}
	return vectorStore{}, fmt.Errorf("unknown vector store driver %q", vsCfg.Driver)
}

// cacheStore holds the result cache store and the key-value store used for
// extracted feature vectors.
type cacheStore struct {
	results resultcache.Store
	kv      db.KVStore
	health  healthuc.Checker
	close   func()
}

func openCacheStore(
	ctx context.Context, cfg *config.Config, shared *dbRedis.Store, logger *zap.Logger,
) (cacheStore, error) {
	cc := cfg.Cache

	switch cc.Driver {
	case config.CacheMemory:
		return cacheStore{
			results: resultstore.NewMemory(cc.MaxEntries, cc.TTLDuration()),
			kv:      dbMemory.New(cc.MaxEntries, cc.TTLDuration()),
			close:   func() {},
		}, nil

	case config.CacheBadger:
		bs, err := dbBadger.Open(dbBadger.Options{Dir: cc.BadgerDir, Logger: logger})
		if err != nil {
			return cacheStore{}, err
		}
		logger.Info("Badger cache opened", zap.String("dir", cc.BadgerDir))
		return cacheStore{
			results: resultstore.NewKV(bs, cc.KeyPrefix, logger),
			kv:      bs,
			health:  healthuc.CheckerFunc(bs.Ping),
			close:   bs.Close,
		}, nil

	case config.CacheRedis:
		store, closeFn := shared, func() {}
		if len(cc.Addrs) > 0 {
			s, err := openRedis(ctx, cc.Addrs, cc.Password, time.Duration(cfg.VectorStore.ReadinessTimeout)*time.Second)
			if err != nil {
				return cacheStore{}, err
			}
			store, closeFn = s, s.Close
		}
		if store == nil {
			return cacheStore{}, errors.New("redis cache requires cache.addrs or a redis vector store")
		}
		return cacheStore{
			results: resultstore.NewKV(store, cc.KeyPrefix, logger),
			kv:      store,
			health:  healthuc.CheckerFunc(store.Ping),
			close:   closeFn,
		}, nil
	}
	return cacheStore{}, fmt.Errorf("unknown cache driver %q", cc.Driver)
}

func openRedis(ctx context.Context, addrs []string, password string, readiness time.Duration) (*dbRedis.Store, error) {
	store, err := dbRedis.NewStore(dbRedis.Config{Addrs: addrs, Password: password})
	if err != nil {
		return nil, err
	}
	if err := store.WaitForReady(ctx, readiness); err != nil {
		store.Close()
		return nil, fmt.Errorf("redis not ready: %w", err)
	}
	return store, nil
}
