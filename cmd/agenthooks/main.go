package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/api"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/circuitbreaker"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/config"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/cron"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/dispatcher"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/leaderelection"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/matcher"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/metrics"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/ratelimit"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/registry"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/scheduler"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/stats"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/store/postgres"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/sweeper"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/transport/channel"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`agenthooks - webhook delivery service for AgentForms

Usage:
  agenthooks <command>

Commands:
  serve      Start the API server and delivery pipeline
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  REDIS_ADDR                Redis address for stats / shared rate limits (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080")
  DISPATCH_TIMEOUT          Per-attempt webhook HTTP timeout (default: "30s")

  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  DISPATCHER_DRAIN_TIMEOUT  Dispatcher event drain timeout (default: "30s")
  EVENTBUS_BUFFER_SIZE      Event bus buffer capacity (default: "100")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  RATE_LIMIT_BACKEND        "memory" or "redis" (default: "memory")

  CIRCUIT_BREAKER_THRESHOLD Consecutive failures before opening (default: "5", 0 disables)
  CIRCUIT_BREAKER_COOLDOWN  Open-state cooldown before probing (default: "2m")

  SWEEP_ENABLED             Resume lost retry chains (default: "true")
  SWEEP_INTERVAL            How often to scan for due retries (default: "1m")
  SWEEP_GRACE               Age before a due retry is swept (default: "30s")
  SWEEP_BATCH_SIZE          Max chains per sweep cycle (default: "100")
  SWEEP_SCHEDULE            Optional cron expression overriding SWEEP_INTERVAL

  LEADER_LOCK_KEY           Advisory lock key shared by all instances (default: "728379")
  LEADER_RETRY_INTERVAL     Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection ping interval (default: "2s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(&cfg)

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("agenthooks: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	if err := probeThrottleSeqColumn(db); err != nil {
		if err == sql.ErrNoRows {
			fmt.Fprintln(os.Stderr, "schema error: delivery_logs.throttle_seq column missing; apply the latest schema before starting")
			return exitInvalidConfig
		}
		log.Printf("agenthooks: WARNING - schema probe failed: %v", err)
	}

	store := postgres.New(db)
	reg := registry.New(store)
	match := matcher.New(store)
	sender := dispatcher.NewHTTPSender()

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("agenthooks: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		// Start metrics HTTP server on separate port
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("agenthooks: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("agenthooks: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("agenthooks: METRICS_ENABLED not set; metrics disabled")
	}

	// Redis serves two concerns: shared per-webhook rate limiting and
	// delivery outcome stats. Both are optional.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitBackend == "redis" {
		limiter = ratelimit.NewRedisLimiter(redisClient)
		log.Printf("agenthooks: redis rate limiter enabled (redis=%s)", cfg.RedisAddr)
	} else {
		limiter = ratelimit.NewMemoryLimiter()
		log.Println("agenthooks: in-memory rate limiter enabled")
	}

	executor := dispatcher.NewExecutor(store, limiter, sender).
		WithTimeout(cfg.DispatchTimeout)
	if cfg.CircuitBreakerThreshold > 0 {
		executor = executor.WithBreaker(
			circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		log.Printf("agenthooks: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	} else {
		log.Println("agenthooks: CIRCUIT_BREAKER_THRESHOLD=0; circuit breaker disabled")
	}
	if metricsSink != nil {
		executor = executor.WithMetrics(metricsSink)
	}
	if redisClient != nil {
		executor = executor.WithStats(stats.NewRedisStats(redisClient))
		log.Printf("agenthooks: delivery stats enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("agenthooks: REDIS_ADDR not set; delivery stats disabled")
	}

	retrySched := scheduler.New(store, executor)
	executor = executor.WithRetryScheduler(retrySched)

	disp := dispatcher.New(store, match, executor).
		WithDrainTimeout(cfg.DispatcherDrainTimeout)
	if metricsSink != nil {
		disp = disp.WithMetrics(metricsSink)
	}

	// Create event bus with optional metrics
	var busOpts []channel.Option
	if metricsSink != nil {
		busOpts = append(busOpts, channel.WithMetrics(metricsSink))
	}
	bus := channel.NewEventBus(cfg.EventBusBufferSize, busOpts...)

	// Create API handler with the same store instance
	// Using a fixed user ID for single-tenant mode
	userID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	apiHandler := api.NewHandler(reg, store, disp, userID).WithHealthChecker(db)

	// Construct the sweeper before anything starts so a bad SWEEP_SCHEDULE
	// aborts cleanly instead of tearing down running goroutines.
	var sweep *sweeper.Sweeper
	if cfg.SweepEnabled {
		sweep = sweeper.New(
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
				// Validate() already checked this; belt and braces.
				fmt.Fprintf(os.Stderr, "invalid SWEEP_SCHEDULE: %v\n", err)
				return exitInvalidConfig
			}
			sweep = sweep.WithSchedule(sched)
			log.Printf("agenthooks: sweeper enabled (schedule=%q, grace=%s, batch=%d)",
				cfg.SweepSchedule, cfg.SweepGrace, cfg.SweepBatchSize)
		} else {
			log.Printf("agenthooks: sweeper enabled (interval=%s, grace=%s, batch=%d)",
				cfg.SweepInterval, cfg.SweepGrace, cfg.SweepBatchSize)
		}
	}

	// Start HTTP server with API handler
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}

	go func() {
		log.Printf("agenthooks: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("agenthooks: http server error: %v", err)
		}
	}()

	// Separate contexts for the retry scheduler, dispatcher, and sweeper
	// enable ordered shutdown.
	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())

	var schedulerWg sync.WaitGroup
	var dispatcherWg sync.WaitGroup
	var sweeperWg sync.WaitGroup
	var cancelSweeper context.CancelFunc

	schedulerWg.Add(1)
	go func() {
		defer schedulerWg.Done()
		retrySched.Run(schedulerCtx)
	}()

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx, bus.Channel())
	}()

	// Start the sweeper under leader election if enabled. Sweeping from a
	// non-leader would be safe (duplicate claims are rejected) but wasteful.
	if sweep != nil {
		var sweeperCtx context.Context
		sweeperCtx, cancelSweeper = context.WithCancel(context.Background())

		var duties sync.WaitGroup
		elector := leaderelection.New(
			db,
			cfg.LeaderLockKey,
			cfg.LeaderRetryInterval,
			cfg.LeaderHeartbeatInterval,
			func(leaderCtx context.Context) {
				duties.Add(1)
				go func() {
					defer duties.Done()
					sweep.Run(leaderCtx)
				}()
			},
			duties.Wait,
		)
		sweeperWg.Add(1)
		go func() {
			defer sweeperWg.Done()
			elector.Run(sweeperCtx)
		}()
	} else {
		log.Println("agenthooks: SWEEP_ENABLED=false; lost retry chains will not be resumed")
	}

	log.Printf("agenthooks: started (http=%s, dispatch_timeout=%s)", cfg.HTTPAddr, cfg.DispatchTimeout)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("agenthooks: received signal %v, shutting down", received)

	// Phase 1: Stop the sweeper (no new chain resumes)
	if cancelSweeper != nil {
		log.Println("agenthooks: stopping sweeper...")
		cancelSweeper()
		sweeperWg.Wait()
		log.Println("agenthooks: sweeper stopped")
	}

	// Phase 2: Stop dispatcher (drains buffered events before returning)
	log.Println("agenthooks: stopping dispatcher (draining events)...")
	cancelDispatcher()
	dispatcherWg.Wait()
	disp.Wait()
	log.Println("agenthooks: dispatcher stopped")

	// Phase 3: Stop the retry scheduler. Pending timers are dropped; their
	// retrying rows are durable and the next sweep resumes them.
	log.Println("agenthooks: stopping retry scheduler...")
	cancelScheduler()
	schedulerWg.Wait()
	log.Println("agenthooks: retry scheduler stopped")

	// Phase 4: Stop HTTP server with graceful shutdown
	log.Println("agenthooks: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("agenthooks: http server shutdown error: %v", err)
	}
	log.Println("agenthooks: http server stopped")

	// Phase 5: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		log.Println("agenthooks: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("agenthooks: metrics server shutdown error: %v", err)
		}
		log.Println("agenthooks: metrics server stopped")
	}

	log.Println("agenthooks: stopped")
	return exitSuccess
}

// logConfigWarnings flags configurations that silently weaken delivery
// guarantees.
func logConfigWarnings(cfg *config.Config) {
	if !cfg.SweepEnabled {
		log.Println("agenthooks: WARNING [P0]: SWEEP_ENABLED=false - retry chains lost to a restart will never resume")
	}
	if cfg.RateLimitBackend == "memory" {
		log.Println("agenthooks: INFO: RATE_LIMIT_BACKEND=memory - per-webhook limits are per-instance; use redis when running more than one instance")
	}
	if !cfg.MetricsEnabled {
		log.Println("agenthooks: WARNING [P1]: METRICS_ENABLED=false - no delivery visibility in production")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		log.Println("agenthooks: INFO: circuit breaker disabled - dead endpoints will be dialed on every attempt")
	}
}

// probeThrottleSeqColumn verifies the delivery_logs table carries the
// throttle_seq column the attempt-claim unique index depends on.
// Returns sql.ErrNoRows when the column is absent.
func probeThrottleSeqColumn(db *sql.DB) error {
	var column string
	return db.QueryRow(`
		SELECT column_name
		FROM information_schema.columns
		WHERE table_name = 'delivery_logs' AND column_name = 'throttle_seq'
	`).Scan(&column)
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("agenthooks version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
