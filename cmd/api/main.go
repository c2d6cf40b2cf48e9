package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"mercato.dev/internal/httpapi"
	"mercato.dev/internal/identity"
	"mercato.dev/internal/kv"
	"mercato.dev/internal/obs"
	"mercato.dev/internal/token"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	secret := os.Getenv("MERCATO_AUTH_SECRET")
	if secret == "" {
		log.Fatal("MERCATO_AUTH_SECRET is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence: Postgres when a DSN is set, in-memory otherwise.
	var (
		db      *sql.DB
		entries kv.Store
	)
	if dsn := os.Getenv("MERCATO_PG_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		entries = kv.NewSQL(db)
	} else {
		entries = kv.NewMemory()
	}

	store, err := identity.NewStore(ctx, entries)
	if err != nil {
		log.Fatalf("identity store: %v", err)
	}
	store.Start(ctx)

	issuer, err := token.New(secret)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	api := httpapi.New(store, issuer, httpapi.ReadyProbe{DB: db}, version)

	handler := httpapi.RateLimit(api.Handler(), 50, 25)
	handler = httpapi.MaxBodyBytes(handler, 1<<20)

	addr := os.Getenv("MERCATO_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting mercato-api %s on %s", version, srv.Addr)

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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	cancel()
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
