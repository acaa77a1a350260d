// The sweeper binary runs the retry sweep on its own, for deployments that
// keep the API instances stateless and push all retry recovery to one
// worker. It claims attempts through the same unique index as the API
// instances, so running both at once is safe.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/config"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/cron"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/dispatcher"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/ratelimit"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/stats"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/store/postgres"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/sweeper"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}

	store := postgres.New(db)
	sender := dispatcher.NewHTTPSender()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitBackend == "redis" {
		limiter = ratelimit.NewRedisLimiter(redisClient)
		log.Printf("sweeper: redis rate limiter enabled (redis=%s)", cfg.RedisAddr)
	} else {
		limiter = ratelimit.NewMemoryLimiter()
		log.Println("sweeper: in-memory rate limiter enabled")
	}

	// No in-process retry scheduler here: rows written as retrying are
	// picked up by a later sweep cycle.
	executor := dispatcher.NewExecutor(store, limiter, sender).
		WithTimeout(cfg.DispatchTimeout)
	if redisClient != nil {
		executor = executor.WithStats(stats.NewRedisStats(redisClient))
	}

	sweep := sweeper.New(
		sweeper.Config{
			Interval:  cfg.SweepInterval,
			Grace:     cfg.SweepGrace,
			BatchSize: cfg.SweepBatchSize,
		},
		store,
		executor,
	)
	if cfg.SweepSchedule != "" {
		sched, err := cron.NewParser().Parse(cfg.SweepSchedule, cfg.SweepTimezone)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid SWEEP_SCHEDULE: %v\n", err)
			os.Exit(2)
		}
		sweep = sweep.WithSchedule(sched)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sweep.Run(ctx)
	}()

	log.Printf("sweeper: started (interval=%s, grace=%s, batch=%d)",
		cfg.SweepInterval, cfg.SweepGrace, cfg.SweepBatchSize)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("sweeper: received signal %v, shutting down", received)
	cancel()
	<-done
	log.Println("sweeper: stopped")
}
