package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/tailview/tailview/internal/config"
	"github.com/tailview/tailview/internal/handlers"
	"github.com/tailview/tailview/internal/hub"
	"github.com/tailview/tailview/internal/logging"
	"github.com/tailview/tailview/internal/registry"
	"github.com/tailview/tailview/internal/scanner"
	"github.com/tailview/tailview/internal/sshpool"
	"github.com/tailview/tailview/internal/tailer"
)

func main() {
	config.Load()

	logging.Init()
	defer logging.Close()

	srcs, err := config.LoadSources(config.Cfg.ConfigPath)
	if err != nil {
		log.Fatalf("Sources config: %v", err)
	}
	log.Printf("Config: %d files, %d directories, %d remote hosts from %s",
		len(srcs.LogFiles), len(srcs.LogDirectories), len(srcs.RemoteServers), config.Cfg.ConfigPath)

	pool := sshpool.New(sshpool.Options{
		MaxConns:    config.Cfg.PoolMaxConns,
		WaitTimeout: config.Cfg.PoolWaitTimeout,
		IdleTimeout: config.Cfg.PoolIdleTimeout,
		MaxAge:      config.Cfg.PoolMaxSessionAge,
	})
	defer pool.Close()

	h := hub.New(config.Cfg.SubscriberQueue, config.Cfg.RingLines)

	reg := registry.New(h, pool, registry.Options{
		Limits: tailer.Limits{
			MaxLineBytes: config.Cfg.MaxLineBytes,
			BacklogBytes: config.Cfg.BacklogBytes,
		},
		Backoff: tailer.BackoffPolicy{
			Base: config.Cfg.ReconnectBase,
			Cap:  config.Cfg.ReconnectCap,
		},
		MaxRetries: config.Cfg.ReconnectMaxRetries,
	})
	reg.Load(*srcs)
	defer reg.Close()

	// First reconciliation fills in the directory sources before the
	// listing endpoint can be asked about them.
	ctx := context.Background()
	reg.Rescan(ctx)

	// Interval rescans and the pool sweep run on the scheduler; local scan
	// roots additionally trigger a rescan straight from the filesystem.
	sched := cron.New()
	every := fmt.Sprintf("@every %s", config.Cfg.RescanInterval)
	if _, err := sched.AddFunc(every, func() { reg.Rescan(ctx) }); err != nil {
		log.Fatalf("Schedule rescan: %v", err)
	}
	if _, err := sched.AddFunc("@every 1m", pool.Sweep); err != nil {
		log.Fatalf("Schedule pool sweep: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	if roots := reg.WatchRoots(); len(roots) > 0 {
		stopWatch, err := scanner.Watch(roots, func() { reg.Rescan(ctx) })
		if err != nil {
			log.Printf("WARNING: directory watch unavailable, rescans are interval-only: %v", err)
		} else {
			defer stopWatch()
		}
	}

	api := &handlers.API{Hub: h, Registry: reg, Pool: pool}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	api.Routes(r)

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
