package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	mongoadapter "github.com/robertarktes/parchi/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/parchi/internal/adapters/redis"
	"github.com/robertarktes/parchi/internal/auth"
	"github.com/robertarktes/parchi/internal/clock"
	"github.com/robertarktes/parchi/internal/config"
	httphandler "github.com/robertarktes/parchi/internal/http"
	"github.com/robertarktes/parchi/internal/idempotency"
	"github.com/robertarktes/parchi/internal/issuance"
	"github.com/robertarktes/parchi/internal/observability"
	"github.com/robertarktes/parchi/internal/pass"
	"github.com/robertarktes/parchi/internal/rateLimit"
	"github.com/robertarktes/parchi/internal/storage"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ValidateAPI(); err != nil {
		log.Fatalf("invalid api config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg, "parchi-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger()
	clk := clock.NewSystem()

	store, err := storage.Open(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer store.Close()

	svc := issuance.NewService(store.Backend, clk, logger)
	checks := []httphandler.ReadinessCheck{{Name: "store", Check: store.Ping}}

	deps := httphandler.Deps{
		Service: svc,
		Passes:  pass.NewIssuer(cfg.PassSecret, cfg.PassMaxAge),
		Clock:   clk,
		Logger:  logger,
	}
	opts := httphandler.RouterOptions{
		RateLimits: httphandler.RateLimits{
			PerUser: cfg.UserRateLimit,
			PerIP:   cfg.IPRateLimit,
			Period:  time.Minute,
		},
	}

	if cfg.JWTPublicKey != "" {
		verifier, err := auth.NewJWTVerifier(cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience, clk)
		if err != nil {
			log.Fatalf("failed to configure jwt verifier: %v", err)
		}
		opts.Authenticator = verifier
	} else {
		logger.Warn("JWT_PUBLIC_KEY not set, trusting the " + auth.IdentityHeader + " header")
		opts.Authenticator = auth.HeaderAuthenticator{}
	}

	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		redisCache := redisadapter.NewCache(redisClient, cfg.EventCacheTTL)
		deps.Cache = redisCache
		opts.RateLimiter = rateLimit.NewRateLimiter(redisCache)
		opts.Idempotency = idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL)
		checks = append(checks, httphandler.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	} else {
		logger.Warn("REDIS_ADDR not set, event cache, rate limiting and idempotent replay are disabled")
	}

	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		deps.Metadata = mongoadapter.NewMetadataRepository(mongoClient.Database(cfg.MongoDB), logger)
		checks = append(checks, httphandler.ReadinessCheck{Name: "mongo", Check: func(ctx context.Context) error {
			return mongoClient.Ping(ctx, nil)
		}})
	}

	deps.Checks = checks
	r := httphandler.SetupRouter(httphandler.NewHandlers(deps), logger, opts)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).WithField("backend", cfg.StoreBackend).Info("API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown Server ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server stopped with error")
	}
	logger.Info("Server exiting")
}
