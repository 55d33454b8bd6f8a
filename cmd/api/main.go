package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"rollcall.org/internal/audit"
	"rollcall.org/internal/compare"
	"rollcall.org/internal/httpapi"
	"rollcall.org/internal/notify"
	"rollcall.org/internal/obs"
	"rollcall.org/internal/roster"
	"rollcall.org/internal/store/pg"
	redisstore "rollcall.org/internal/store/redis"
	"rollcall.org/internal/verification"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

type config struct {
	addr       string
	pgDSN      string
	redisAddr  string
	webhookURL string
	compareURL string
	threshold  float64
}

func loadConfig() config {
	cfg := config{
		addr:       os.Getenv("ROLLCALL_ADDR"),
		pgDSN:      os.Getenv("ROLLCALL_PG_DSN"),
		redisAddr:  os.Getenv("ROLLCALL_REDIS_ADDR"),
		webhookURL: os.Getenv("ROLLCALL_NOTIFY_WEBHOOK"),
		compareURL: os.Getenv("ROLLCALL_COMPARE_URL"),
	}
	if cfg.addr == "" {
		cfg.addr = ":8080"
	}
	if raw := os.Getenv("ROLLCALL_MATCH_THRESHOLD"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 || v > 1 {
			log.Fatalf("invalid ROLLCALL_MATCH_THRESHOLD: %q", raw)
		}
		cfg.threshold = v
	}
	return cfg
}

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg := loadConfig()

	// Durable side: audit rows and the section roster.
	var (
		auditRepo audit.Repository
		resolver  roster.Resolver
		probe     httpapi.ReadyProbe
	)
	if cfg.pgDSN != "" {
		store, err := pg.Open(cfg.pgDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer store.Close()
		auditRepo = store
		resolver = store
		probe.DB = store.DB()
	} else {
		log.Println("ROLLCALL_PG_DSN not set; audit rows are in-memory and lost on restart")
		auditRepo = audit.NewInMemory()
		resolver = roster.NewStatic()
	}

	// Ephemeral side: request metadata, session claims, verified sets.
	var state verification.StateStore
	if cfg.redisAddr != "" {
		rs := redisstore.Open(cfg.redisAddr)
		defer rs.Close()
		state = rs
		probe.State = rs
	} else {
		log.Println("ROLLCALL_REDIS_ADDR not set; coordinator state is in-memory, run a single replica")
		state = verification.NewInMemoryState()
	}

	// Outbound notifications.
	var dispatcher notify.Dispatcher = notify.LogDispatcher{}
	if cfg.webhookURL != "" {
		dispatcher = notify.NewWebhook(cfg.webhookURL, nil)
	}
	queue := notify.NewQueue(dispatcher)

	// Biometric comparator.
	var comparator compare.Comparator
	if cfg.compareURL != "" {
		comparator = compare.NewRemote(cfg.compareURL, nil)
	} else {
		log.Println("ROLLCALL_COMPARE_URL not set; using the in-process cosine comparator")
		comparator = compare.NewCosine()
	}

	coord := verification.NewCoordinator(state, auditRepo, resolver, queue, comparator, verification.Config{
		DefaultThreshold: cfg.threshold,
	})

	api := httpapi.New(coord, probe, version)

	srv := &http.Server{
		Addr:              cfg.addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting rollcall-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	queue.Close()
	log.Println("Stopped")
}
