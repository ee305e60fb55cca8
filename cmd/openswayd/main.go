// Command openswayd runs the media-generation orchestration service: the
// REST API, the task engine, and its background maintenance loops.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	opensway "github.com/opensway/opensway-go"
	"github.com/opensway/opensway-go/api"
	"github.com/opensway/opensway-go/internal/redisstore"
)

func main() {
	_ = godotenv.Load()
	log := opensway.NewFmtLogger()

	cfg := opensway.Config{
		Queues: map[opensway.Category]opensway.QueueLimits{
			opensway.CategoryImage: {MaxConcurrency: envInt("IMAGE_CONCURRENCY", 4), MaxDepth: envInt("IMAGE_DEPTH", 200)},
			opensway.CategoryVideo: {MaxConcurrency: envInt("VIDEO_CONCURRENCY", 1), MaxDepth: envInt("VIDEO_DEPTH", 50)},
			opensway.CategoryAudio: {MaxConcurrency: envInt("AUDIO_CONCURRENCY", 2), MaxDepth: envInt("AUDIO_DEPTH", 100)},
		},
		RateLimit:        envInt("RATE_LIMIT", 60),
		RateWindow:       envDuration("RATE_WINDOW", time.Minute),
		HeartbeatTTL:     envDuration("HEARTBEAT_TTL", 30*time.Second),
		MaxQueueWait:     envDuration("MAX_QUEUE_WAIT", 15*time.Minute),
		MaxExecutionTime: envDuration("MAX_EXECUTION_TIME", 0),
		Logger:           log,
	}

	var (
		store   opensway.TaskStore
		ledger  opensway.CreditLedger
		creator opensway.AccountCreator
	)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Errorf("invalid REDIS_URL: %v", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Errorf("redis unreachable: %v", err)
			os.Exit(1)
		}
		store = redisstore.NewStore(rdb)
		rl := redisstore.NewLedger(rdb)
		ledger, creator = rl, rl
		log.Infof("using redis store: %s", opt.Addr)
	} else {
		ms := opensway.NewMemStore()
		ml := opensway.NewMemLedger()
		store, ledger, creator = ms, ml, ml
		log.Infof("using in-memory store")
	}

	engine := opensway.NewEngine(store, ledger, cfg)
	engine.Start()
	defer engine.Stop()

	keyring := api.NewKeyring()
	// Optional bootstrap key so a fresh deployment is usable without the
	// admin endpoint.
	if raw := os.Getenv("BOOTSTRAP_API_KEY"); raw != "" {
		principal := envStr("BOOTSTRAP_PRINCIPAL", "bootstrap")
		if err := creator.CreateAccount(context.Background(), principal,
			int64(envInt("BOOTSTRAP_CREDITS", 10000)), int64(envInt("BOOTSTRAP_CEILING", 100000))); err != nil {
			log.Errorf("bootstrap account: %v", err)
			os.Exit(1)
		}
		keyring.Add(raw, principal)
		log.Infof("bootstrap key registered for principal %s", principal)
	}

	srv := api.NewServer(engine, creator, keyring, api.ServerConfig{
		AdminSecret: os.Getenv("ADMIN_SECRET"),
		Logger:      log,
	})

	addr := ":" + envStr("PORT", "8000")
	httpSrv := &http.Server{Addr: addr, Handler: srv.Router()}
	go func() {
		log.Infof("listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Infof("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
