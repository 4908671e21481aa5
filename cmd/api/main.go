package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vaultgate.io/internal/audit"
	"vaultgate.io/internal/auth"
	"vaultgate.io/internal/config"
	"vaultgate.io/internal/entity"
	"vaultgate.io/internal/httpapi"
	"vaultgate.io/internal/obs"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	auth.SetAssertionSecret(cfg.AssertionSecret)

	var (
		store    entity.Store
		recorder audit.Recorder
		probe    httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		pg, err := entity.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pg.Close()
		store = pg
		recorder = audit.NewLog(pg.DB())
		probe = httpapi.ReadyProbe{DB: pg.DB()}
	} else {
		// Development only: volatile store, audit goes to the log mirror via
		// the in-memory recorder.
		log.Printf("VAULTGATE_PG_DSN not set, using in-memory store")
		store = entity.NewInMemory()
		recorder = audit.NewMemory()
	}

	svc := auth.NewService(store, recorder,
		auth.WithSessionTTL(cfg.SessionTTL),
		auth.WithStoreTimeout(cfg.StoreTimeout),
		auth.WithLockoutPolicy(auth.LockoutPolicy{
			Threshold: cfg.LockoutThreshold,
			Window:    cfg.LockoutWindow,
			Duration:  cfg.LockoutDuration,
		}),
	)

	api := httpapi.New(probe, svc, httpapi.Options{
		Version:        version,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting vaultgate-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
