package pilotmatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gridproject/pilotmatch/internal/common/auth"
	"github.com/gridproject/pilotmatch/internal/pilotmatch/configuration"
	"github.com/gridproject/pilotmatch/internal/pilotmatch/matching"
	"github.com/gridproject/pilotmatch/internal/pilotmatch/metrics"
	"github.com/gridproject/pilotmatch/internal/pilotmatch/registry"
	"github.com/gridproject/pilotmatch/internal/pilotmatch/repository"
	"github.com/gridproject/pilotmatch/internal/pilotmatch/server"
)

// Serve wires the repositories, match engine and HTTP surface together and
// blocks until the context is cancelled or a service fails.
func Serve(ctx context.Context, config *configuration.PilotmatchConfig) error {
	log.Info("Pilotmatch server starting")
	defer log.Info("Pilotmatch server shutting down")

	db := redis.NewUniversalClient(&config.Redis)
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Error("failed to close Redis client")
		}
	}()

	// Redis may come up after us; wait briefly before giving up.
	err := retry.Do(
		func() error { return db.Ping().Err() },
		retry.Attempts(5),
		retry.Delay(time.Second),
	)
	if err != nil {
		return errors.Wrap(err, "could not connect to Redis")
	}

	taskQueueRepository := repository.NewRedisTaskQueueRepository(db)
	jobRepository := repository.NewRedisJobRepository(db)
	pilotRepository := repository.NewRedisPilotRepository(db)
	eventRepository := repository.NewRedisEventRepository(db)
	siteMaskRepository := repository.NewRedisSiteMaskRepository(db)

	var siteMask matching.SiteMaskProvider = siteMaskRepository
	if config.Matching.SiteMaskCacheDuration > 0 {
		siteMask = repository.NewCachedSiteMaskProvider(siteMaskRepository, config.Matching.SiteMaskCacheDuration)
	}

	identityRegistry := registry.NewConfigRegistry(config.Registry)
	engine := matching.NewMatchEngine(
		taskQueueRepository,
		jobRepository,
		siteMask,
		matching.NewCredentialPolicy(identityRegistry),
		matching.NewVersionGate(config.Matching.VersionGate),
		matching.NewDispatchRateLimiter(config.Matching.RateLimit),
		pilotRepository,
		eventRepository,
		metrics.ExposeMatchMetrics(),
	)

	authService := auth.NewBasicAuthService(config.Auth.BasicAuth.Users)
	matchServer := server.NewMatchServer(
		engine,
		jobRepository,
		taskQueueRepository,
		repository.NewRedisHealth(db),
		authService,
		config.Auth.AnonymousAuth,
	)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.HttpPort),
		Handler: matchServer.Router(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("Match API listening on %d", config.HttpPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
