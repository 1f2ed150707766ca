package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"sutmaster/internal/config"
	"sutmaster/internal/connmgr"
	"sutmaster/internal/db"
	"sutmaster/internal/events"
	"sutmaster/internal/handlers"
	"sutmaster/internal/notify"
	"sutmaster/internal/registry"
	"sutmaster/internal/sse"
	"sutmaster/internal/sshtrust"
	"sutmaster/internal/version"
	"sutmaster/internal/ws"
)

func main() {
	cfg := config.Load()
	log.Printf("SUT Master v%s starting...", version.Current)

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()
	log.Printf("Database ready (%s)", cfg.DBPath)

	bus := events.NewBus()

	master := sshtrust.NewMasterKeyManager(cfg.SSHDir)
	if ok, msg := master.EnsureKeyExists(); !ok {
		// Key exchange degrades; everything else still works.
		log.Printf("Master key unavailable: %s", msg)
	} else {
		log.Printf("Master key ready (%s)", master.Fingerprint())
	}

	keys, err := sshtrust.NewKeyStore(cfg.SSHDir, store)
	if err != nil {
		log.Fatalf("Failed to open key store: %v", err)
	}

	conns := connmgr.New(bus)

	reg, err := registry.New(store, bus, cfg.StaleTimeout)
	if err != nil {
		log.Fatalf("Failed to restore registry: %v", err)
	}
	log.Printf("Registry restored: %d paired device(s)", reg.Stats().Paired)

	broker := sse.NewBroker(cfg.SSEKeepalive)
	broker.Attach(bus)

	var notifier *notify.Notifier
	if cfg.ShoutrrrURL != "" {
		notifier = notify.New(cfg.ShoutrrrURL, bus, nil)
		notifier.Start()
		log.Println("Notifications enabled")
	}

	sweeper := registry.NewSweeper(reg, cfg.SweepInterval)
	sweeper.Start()

	hub := ws.NewHub(reg, conns, keys, master, bus)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/sut/{sut_id}", hub.HandleConnection)
	handlers.New(reg, conns, keys, master, broker, cfg.SSHUser).RegisterRoutes(mux)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		log.Printf("SUT Master listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("Shutting down...")

	sweeper.Stop()
	if notifier != nil {
		notifier.Stop()
	}
	conns.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Stopped")
}
