// Command collector is a small reference collector for tinytrack batch
// uploads: it decodes payloads, deduplicates record ids, and keeps the
// accepted records in memory for inspection. It exists for local
// development and integration testing, not production ingestion.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"filippo.io/age"
	"github.com/gorilla/mux"
	"github.com/spf13/pflag"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 10 * time.Second
	shutdownTimeout    = 10 * time.Second
)

func main() {
	addr := pflag.String("addr", ":8080", "listen address")
	dedupWindow := pflag.Duration("dedup-window", time.Hour, "how long record ids are remembered for dedup")
	identityPath := pflag.String("age-identity", "", "path to an age identity file for sealed payloads")
	pflag.Parse()

	var identity age.Identity
	if *identityPath != "" {
		raw, err := os.ReadFile(*identityPath)
		if err != nil {
			log.Fatalf("reading age identity: %v", err)
		}
		ids, err := age.ParseIdentities(strings.NewReader(string(raw)))
		if err != nil || len(ids) == 0 {
			log.Fatalf("parsing age identity: %v", err)
		}
		identity = ids[0]
	}

	handler := NewHandler(identity, *dedupWindow)

	r := mux.NewRouter()
	r.HandleFunc("/v1/track", handler.HandleTrack).Methods(http.MethodPost)
	r.HandleFunc("/v1/records", handler.HandleRecords).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      r,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		log.Printf("collector listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
