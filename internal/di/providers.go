package di

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aihub/medrag/internal/auth"
	"github.com/aihub/medrag/internal/config"
	"github.com/aihub/medrag/internal/database"
	"github.com/aihub/medrag/internal/kafka"
	"github.com/aihub/medrag/internal/knowledge"
	"github.com/aihub/medrag/internal/llm"
	"github.com/aihub/medrag/internal/logger"
	"github.com/aihub/medrag/internal/memory"
	"github.com/aihub/medrag/internal/metrics"
	"github.com/aihub/medrag/internal/repository"
	"github.com/aihub/medrag/internal/services"
	"github.com/aihub/medrag/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RegisterProviders 注册所有依赖提供者
func RegisterProviders(container *dig.Container, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}

	for _, register := range []func(*dig.Container, *config.Config) error{
		registerCore,
		registerDatabase,
		registerAuth,
		registerKnowledge,
	} {
		if err := register(container, cfg); err != nil {
			return err
		}
	}
	return nil
}

// registerCore 配置、日志、指标、生命周期
func registerCore(container *dig.Container, cfg *config.Config) error {
	if err := container.Provide(func() *config.Config { return cfg }); err != nil {
		return err
	}

	if err := container.Provide(func() *zap.Logger { return logger.GetLogger() }); err != nil {
		return err
	}

	// 依赖健康检查沿用logrus
	if err := container.Provide(func() *logrus.Logger {
		level, err := logrus.ParseLevel(cfg.Log.Level)
		if err != nil {
			level = logrus.InfoLevel
		}
		return &logrus.Logger{
			Out:       os.Stdout,
			Formatter: &logrus.JSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     level,
		}
	}); err != nil {
		return err
	}

	if err := container.Provide(NewLifecycle); err != nil {
		return err
	}

	if err := container.Provide(database.NewHealthGroup); err != nil {
		return err
	}

	if err := container.Provide(func() *prometheus.Registry {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		return reg
	}); err != nil {
		return err
	}

	// prometheus关闭时返回nil，Metrics方法在nil上是空操作
	return container.Provide(func(reg *prometheus.Registry) *metrics.Metrics {
		if !cfg.Prometheus.Enabled {
			return nil
		}
		return metrics.New(reg)
	})
}

// registerDatabase Postgres与可选的Redis
func registerDatabase(container *dig.Container, cfg *config.Config) error {
	if err := container.Provide(func(log *zap.Logger, lc *Lifecycle, health *database.HealthGroup, hlog *logrus.Logger, reg *prometheus.Registry) (*gorm.DB, error) {
		db, err := database.InitDB(cfg.Database, cfg.IsDevelopment(), log)
		if err != nil {
			return nil, err
		}
		lc.OnStop("postgres", func() error { return database.CloseDB(db) })

		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		health.Add(database.NewHealthChecker("postgres", sqlDB.PingContext, hlog))
		if cfg.Prometheus.Enabled {
			if err := metrics.RegisterDBStats(reg, sqlDB); err != nil {
				log.Warn("Failed to register database metrics", zap.Error(err))
			}
		}
		return db, nil
	}); err != nil {
		return err
	}

	// 只有redis会话锁需要Redis，其余情况返回nil
	return container.Provide(func(log *zap.Logger, lc *Lifecycle, health *database.HealthGroup, hlog *logrus.Logger) (*redis.Client, error) {
		if cfg.Memory.LockProvider != "redis" {
			return nil, nil
		}
		rdb, err := database.InitRedis(context.Background(), cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		lc.OnStop("redis", rdb.Close)
		health.Add(database.NewHealthChecker("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}, hlog))
		return rdb, nil
	})
}

// registerAuth 用户仓库、JWT与认证服务
func registerAuth(container *dig.Container, cfg *config.Config) error {
	if err := container.Provide(repository.NewUserRepository); err != nil {
		return err
	}

	if err := container.Provide(func() *auth.JWTService {
		expiresIn := time.Duration(cfg.JWT.ExpiresInMinute) * time.Minute
		return auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, expiresIn)
	}); err != nil {
		return err
	}

	return container.Provide(func(users repository.UserRepository, jwtService *auth.JWTService, log *zap.Logger) *services.AuthService {
		return services.NewAuthService(users, jwtService, 0, log)
	})
}

type ingestorParams struct {
	dig.In

	Store    storage.FileStore
	Parsers  *knowledge.FileParserManager
	Chunker  *knowledge.Chunker
	Embedder knowledge.Embedder
	Index    knowledge.VectorIndex
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

type queryEngineParams struct {
	dig.In

	Embedder knowledge.Embedder
	Index    knowledge.VectorIndex
	LLM      llm.Client
	Memory   memory.Store
	Locker   memory.Locker
	Producer *kafka.Producer
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// registerKnowledge 入库与问答流水线及其外部协作者
func registerKnowledge(container *dig.Container, cfg *config.Config) error {
	providers := []interface{}{
		func(log *zap.Logger) (storage.FileStore, error) {
			return newFileStore(cfg.Storage, log)
		},
		func(log *zap.Logger) (*knowledge.FileParserManager, error) {
			if cfg.PDF.LicenseKey == "" {
				log.Warn("pdf.license_key not set, PDF/DOCX/XLSX text extraction will fail")
			} else if err := knowledge.SetLicenseKey(cfg.PDF.LicenseKey); err != nil {
				return nil, err
			}
			return knowledge.NewFileParserManager(), nil
		},
		func() *knowledge.Chunker {
			return knowledge.NewChunker(cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap)
		},
		func(log *zap.Logger) (knowledge.Embedder, error) {
			return newEmbedder(cfg.Embedding, log)
		},
		func(log *zap.Logger, lc *Lifecycle) (knowledge.VectorIndex, error) {
			return newVectorIndex(cfg, log, lc)
		},
		func(log *zap.Logger) (llm.Client, error) {
			return newLLMClient(cfg.AI, log)
		},
		func() (memory.Store, error) {
			return memory.NewFileStore(cfg.Memory.Dir)
		},
		func(rdb *redis.Client) memory.Locker {
			if rdb != nil {
				return memory.NewRedisLocker(rdb, time.Duration(cfg.Memory.LockTTL)*time.Second)
			}
			return memory.NewLocalLocker()
		},
		func(log *zap.Logger, lc *Lifecycle) *kafka.Producer {
			return newProducer(cfg.Kafka, log, lc)
		},
		func(p ingestorParams) *knowledge.Ingestor {
			return knowledge.NewIngestor(knowledge.IngestorOptions{
				Store:     p.Store,
				Parsers:   p.Parsers,
				Chunker:   p.Chunker,
				Embedder:  p.Embedder,
				Index:     p.Index,
				BatchSize: cfg.Knowledge.UpsertBatchSize,
				Logger:    p.Logger,
				Metrics:   p.Metrics,
			})
		},
		func(p queryEngineParams) *knowledge.QueryEngine {
			var publisher knowledge.TurnPublisher
			if p.Producer != nil {
				publisher = p.Producer
			}
			return knowledge.NewQueryEngine(knowledge.QueryEngineDeps{
				Embedder:  p.Embedder,
				Index:     p.Index,
				LLM:       p.LLM,
				Memory:    p.Memory,
				Locker:    p.Locker,
				Publisher: publisher,
				Logger:    p.Logger,
				Metrics:   p.Metrics,
			}, knowledge.QueryOptions{
				TopK:              cfg.Knowledge.TopK,
				HistoryWindow:     cfg.Knowledge.HistoryWindow,
				HighConfidenceMin: cfg.Knowledge.HighConfidenceMin,
				RolePrefilter:     cfg.Knowledge.RolePrefilter,
				ExposeSources:     cfg.Knowledge.ExposeSources,
				ParseStructured:   cfg.Knowledge.ParseStructured,
			})
		},
	}

	for _, provider := range providers {
		if err := container.Provide(provider); err != nil {
			return err
		}
	}
	return nil
}

func newFileStore(cfg config.ObjectStorageConfig, log *zap.Logger) (storage.FileStore, error) {
	if cfg.Provider == "minio" {
		return storage.NewMinIOStore(context.Background(), storage.MinIOOptions{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			UseSSL:    cfg.UseSSL,
			Logger:    log,
		})
	}
	return storage.NewLocalStore(cfg.BasePath)
}

func newEmbedder(cfg config.EmbeddingConfig, log *zap.Logger) (knowledge.Embedder, error) {
	var (
		embedder knowledge.Embedder
		err      error
	)
	switch cfg.Provider {
	case "gemini":
		embedder, err = knowledge.NewGeminiEmbedder(context.Background(), cfg.APIKey, cfg.Model, cfg.Dimensions, cfg.BatchSize)
	case "openai":
		embedder = knowledge.NewOpenAIEmbedder(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimensions, cfg.BatchSize)
	default:
		embedder = &knowledge.NoopEmbedder{}
	}
	if err != nil {
		return nil, err
	}
	if !embedder.Ready() {
		log.Warn("Embedding provider not configured, uploads and questions will fail", zap.String("provider", cfg.Provider))
	}
	return embedder, nil
}

func newVectorIndex(cfg *config.Config, log *zap.Logger, lc *Lifecycle) (knowledge.VectorIndex, error) {
	vs := cfg.Knowledge.VectorStore
	switch vs.Provider {
	case "milvus":
		index, err := knowledge.NewMilvusVectorIndex(context.Background(), knowledge.MilvusOptions{
			Address:    vs.Milvus.Address,
			Username:   vs.Milvus.Username,
			Password:   vs.Milvus.Password,
			Collection: vs.Milvus.Collection,
			VectorSize: cfg.Embedding.Dimensions,
			Distance:   vs.Milvus.Distance,
			Database:   vs.Milvus.Database,
			UseTLS:     vs.Milvus.TLS,
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		if closer, ok := index.(io.Closer); ok {
			lc.OnStop("milvus", closer.Close)
		}
		return index, nil
	case "qdrant":
		return knowledge.NewQdrantVectorIndex(knowledge.QdrantOptions{
			Endpoint:   vs.Qdrant.Endpoint,
			APIKey:     vs.Qdrant.APIKey,
			Collection: vs.Qdrant.Collection,
			VectorSize: cfg.Embedding.Dimensions,
			Distance:   vs.Qdrant.Distance,
		})
	default:
		log.Warn("Using in-memory vector index, documents are lost on restart")
		return knowledge.NewMemoryVectorIndex(cfg.Embedding.Dimensions), nil
	}
}

func newLLMClient(cfg config.AIConfig, log *zap.Logger) (llm.Client, error) {
	var (
		client llm.Client
		err    error
	)
	if cfg.Provider == "gemini" {
		client, err = llm.NewGeminiClient(context.Background(), llm.GeminiOptions{
			APIKey:      cfg.GeminiAPIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
	} else {
		client = llm.NewOpenAIClient(llm.OpenAIOptions{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
	}
	if err != nil {
		return nil, err
	}
	if !client.Ready() {
		log.Warn("LLM API key not configured, chat will not be available", zap.String("provider", cfg.Provider))
	}
	return client, nil
}

// newProducer Kafka可选，失败不阻塞启动
func newProducer(cfg config.KafkaConfig, log *zap.Logger, lc *Lifecycle) *kafka.Producer {
	if !cfg.Enabled {
		return nil
	}
	producer, err := kafka.NewProducer(cfg.Brokers, cfg.Topic, log)
	if err != nil {
		log.Warn("Failed to initialize Kafka producer", zap.Error(err))
		return nil
	}
	lc.OnStop("kafka", producer.Close)
	return producer
}
