// Package bootstrap assembles the application graph for every run mode.
package bootstrap

import (
	"context"
	"hash/fnv"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"sync_server/adapter/out/archive"
	"sync_server/adapter/out/graph"
	"sync_server/adapter/out/messaging"
	"sync_server/adapter/out/persistence"
	"sync_server/adapter/out/provider"
	"sync_server/adapter/out/registry"
	"sync_server/adapter/out/tokenstore"
	"sync_server/config"
	"sync_server/core/agent/llm"
	"sync_server/core/agent/rag"
	"sync_server/core/port/in"
	"sync_server/core/port/out"
	"sync_server/core/service/action"
	"sync_server/core/service/classify"
	"sync_server/core/service/retrieve"
	syncservice "sync_server/core/service/sync"
	"sync_server/core/service/toolmux"
	"sync_server/infra/database"
	"sync_server/pkg/cache"
	"sync_server/pkg/logger"
	"sync_server/pkg/snowflake"
)

// Dependencies is the assembled application graph. Optional stores stay
// nil when their backend is not configured; the services degrade per
// feature (no archive copies, no contact graph, local pair locks).
type Dependencies struct {
	Config *config.Config

	DB    *pgxpool.Pool
	SQLDB *sqlx.DB
	Redis *redis.Client
	Mongo *mongo.Client
	Neo4j neo4j.DriverWithContext

	// Stores
	Tokens   out.TokenStore
	Registry out.Registry
	Runs     out.SyncRunRepository
	Emails   out.EmailRepository
	Prefs    out.PreferenceRepository
	Changes  out.ProviderChangeRepository
	Vectors  out.VectorStore
	Archive  out.RawArchive
	Contacts out.ContactGraph

	// Messaging
	Queue  out.JobQueue
	Locks  out.PairLocker
	Events out.EventPublisher

	// Agent
	Gateway    out.LLMGateway
	QueryCache *cache.QueryCache

	// Providers
	Factory out.ProviderFactory

	// Services
	Syncs    in.SyncService
	Classify in.ClassifyService
	Actions  in.ActionService
	Retrieve in.RetrieveService
	Tools    in.ToolService
}

// NewDependencies builds the graph. The returned cleanup closes every
// opened connection in reverse order.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	ctx := context.Background()

	// Run, job and change-log IDs come from the process-wide snowflake
	// generator. The worker name folds into its 10-bit ID space.
	if err := snowflake.Init(snowflakeWorkerID(cfg.WorkerID)); err != nil {
		return fail(err)
	}

	// Postgres (required)
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return fail(err)
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	sqlDB, err := database.NewSQLX(cfg.DatabaseURL)
	if err != nil {
		return fail(err)
	}
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })

	if err := persistence.EnsureSchema(ctx, sqlDB); err != nil {
		return fail(err)
	}

	deps.Runs = persistence.NewSyncRunAdapter(sqlDB)
	deps.Emails = persistence.NewEmailAdapter(sqlDB)
	deps.Prefs = persistence.NewPreferenceAdapter(sqlDB)
	deps.Changes = persistence.NewProviderChangeAdapter(sqlDB)

	vectors := rag.NewPgVectorStore(db, cfg.EmbeddingDimensions)
	if err := vectors.EnsureSchema(ctx); err != nil {
		return fail(err)
	}
	deps.Vectors = vectors

	// Redis (optional: queue, locks, events, L2 query cache)
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("redis connection failed, queue and events disabled")
		} else {
			deps.Redis = redisClient
			cleanups = append(cleanups, func() { redisClient.Close() })
		}
	}
	if deps.Redis != nil {
		queue := messaging.NewStreamJobQueue(deps.Redis)
		if err := queue.EnsureGroup(ctx); err != nil {
			logger.WithError(err).Warn("consumer group setup failed")
		}
		deps.Queue = queue
		deps.Locks = messaging.NewRedisPairLocker(deps.Redis)
		deps.Events = messaging.NewRedisEventPublisher(deps.Redis)
	} else {
		logger.Warn("redis not configured: manual triggers disabled, pair locks are process-local")
		deps.Locks = messaging.NewLocalPairLocker()
	}
	deps.QueryCache = cache.NewQueryCache(deps.Redis, nil)

	// MongoDB (optional: raw content archive)
	if cfg.MongoDBURL != "" {
		mongoClient, err := archive.NewClient(cfg.MongoDBURL)
		if err != nil {
			logger.WithError(err).Warn("mongodb connection failed, raw archive disabled")
		} else {
			deps.Mongo = mongoClient
			cleanups = append(cleanups, func() { mongoClient.Disconnect(context.Background()) })

			store := archive.NewMongoArchive(mongoClient.Database(cfg.MongoDBName), cfg.ArchiveTTLDays)
			if err := store.EnsureIndexes(ctx); err != nil {
				logger.WithError(err).Warn("mongo archive index setup failed")
			}
			deps.Archive = store
		}
	} else {
		logger.Warn("mongodb not configured, raw archive disabled")
	}

	// Neo4j (optional: contact graph)
	if cfg.Neo4jURL != "" {
		driver, err := graph.NewDriver(cfg.Neo4jURL, cfg.Neo4jUsername, cfg.Neo4jPassword)
		if err != nil {
			logger.WithError(err).Warn("neo4j connection failed, contact graph disabled")
		} else {
			deps.Neo4j = driver
			cleanups = append(cleanups, func() { driver.Close(context.Background()) })

			contacts := graph.NewContactGraphAdapter(driver, "neo4j")
			if err := contacts.EnsureIndexes(ctx); err != nil {
				logger.WithError(err).Warn("neo4j index setup failed")
			}
			deps.Contacts = contacts
		}
	} else {
		logger.Warn("neo4j not configured, contact graph disabled")
	}

	// Token store and providers
	googleConf := provider.GoogleOAuthConfig(cfg)
	microsoftConf := provider.MicrosoftOAuthConfig(cfg)
	deps.Tokens = tokenstore.NewFileTokenStore(filepath.Join(cfg.DataRoot, "auth"), googleConf, microsoftConf)
	deps.Registry = registry.NewFileRegistry(filepath.Join(cfg.DataRoot, "registry"))
	deps.Factory = provider.NewFactory(cfg, deps.Tokens, googleConf, microsoftConf)

	// LLM gateway. An empty key surfaces as auth errors on first use,
	// which the classifier's breaker and the pipeline report cleanly.
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set: classification, embedding and retrieval will fail")
	}
	deps.Gateway = llm.NewClientWithConfig(llm.ClientConfig{
		APIKey:      cfg.OpenAIAPIKey,
		Model:       cfg.LLMModel,
		EmbedModel:  cfg.EmbeddingModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
	})

	// Services
	deps.Classify = classify.NewService(cfg, deps.Gateway, deps.Emails, deps.Registry, deps.Prefs, deps.Contacts)
	deps.Actions = action.NewService(cfg, deps.Factory, deps.Changes)

	pipeline := syncservice.NewPipeline(
		cfg, deps.Factory, deps.Registry, deps.Emails, deps.Runs, deps.Prefs,
		deps.Gateway, deps.Vectors, deps.Archive, deps.Contacts, deps.Events,
	)
	deps.Syncs = syncservice.NewManager(
		cfg, pipeline, deps.Tokens, deps.Runs, deps.Emails, deps.Prefs,
		deps.Queue, deps.Locks, deps.Events, deps.Classify, deps.Actions,
	)

	deps.Retrieve = retrieve.NewService(cfg, deps.Gateway, deps.Vectors, deps.QueryCache)
	deps.Tools = toolmux.NewService(cfg, deps.Tokens, deps.Factory)

	logger.Info("dependency graph ready (redis=%v mongo=%v neo4j=%v)",
		deps.Redis != nil, deps.Mongo != nil, deps.Neo4j != nil)

	return deps, cleanup, nil
}

func snowflakeWorkerID(name string) int64 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return int64(h.Sum32() % 1024)
}
