// Command limiters-demo is a runnable example of both distributed
// limiters, each guarding an HTTP endpoint.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manenim/distlimiters/semaphore"
	"github.com/manenim/distlimiters/store"
	"github.com/manenim/distlimiters/tokenbucket"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zcfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := store.NewClient(ctx, rdb, store.WithLogger(logger))
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer s.Close()

	jobSem, err := semaphore.New(s, semaphore.Config{
		Name:     "jobs",
		Capacity: cfg.JobCapacity,
		MaxSleep: cfg.JobMaxSleep,
	}, semaphore.WithLogger(logger))
	if err != nil {
		log.Fatalf("semaphore: %v", err)
	}

	pingBucket, err := tokenbucket.New(s, tokenbucket.Config{
		Name:            "ping",
		Capacity:        cfg.PingBurst,
		RefillFrequency: cfg.PingInterval,
		RefillAmount:    cfg.PingRate,
	}, tokenbucket.WithLogger(logger))
	if err != nil {
		log.Fatalf("tokenbucket: %v", err)
	}

	mux := http.NewServeMux()

	// /job is guarded by the concurrency limiter: at most JobCapacity
	// requests run their (simulated) work at once.
	mux.HandleFunc("/job", func(w http.ResponseWriter, r *http.Request) {
		acq, err := jobSem.Acquire(r.Context())
		if err != nil {
			if store.IsMaxSleepExceeded(err) {
				http.Error(w, "too many concurrent jobs", http.StatusServiceUnavailable)
				return
			}
			logger.Error("semaphore acquire failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		defer acq.Release(context.Background())

		time.Sleep(50 * time.Millisecond) // simulated work
		fmt.Fprintln(w, "job done")
	})

	// /ping is guarded by the rate limiter: at most PingRate requests are
	// scheduled into each PingInterval slot. PingBurst caps the token
	// balance; a slot never hands out more than PingRate tokens.
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		acq, err := pingBucket.Acquire(r.Context())
		if err != nil {
			if store.IsMaxSleepExceeded(err) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			logger.Error("tokenbucket acquire failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		defer acq.Release(r.Context())

		fmt.Fprintln(w, "pong")
	})

	logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("redis", cfg.RedisAddr))
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, mux))
}
