package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/calmline/calmline/internal/emergency"
	"github.com/calmline/calmline/internal/redact"
)

const maxEntryBytes = 256 << 10

func main() {
	addr := flag.String("addr", ":8099", "listen address for the emergency log receiver")
	dbPath := flag.String("db", "data/received.db", "SQLite file received entries are appended to")
	flag.Parse()

	store, err := emergency.OpenSQLiteSink(*dbPath)
	if err != nil {
		redact.Fatalf("open store: %v", err)
	}
	defer store.Close(context.Background())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newReceiver(store),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("emergency log receiver listening on %s (POST JSON to /emergency-logs)...", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		redact.Fatalf("receiver error: %v", err)
	}
}

type entryStore interface {
	Deliver(context.Context, *emergency.Entry) error
}

func newReceiver(store entryStore) http.Handler {
	mux := http.NewServeMux()
	h := func(w http.ResponseWriter, r *http.Request) { handleEntry(store, w, r) }
	mux.HandleFunc("/emergency-logs", h)
	mux.HandleFunc("/", h)
	return mux
}

func handleEntry(store entryStore, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEntryBytes+1))
	_ = r.Body.Close()
	if err != nil || len(body) > maxEntryBytes {
		http.Error(w, "entry too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}

	var e emergency.Entry
	if err := json.Unmarshal(body, &e); err != nil || e.Kind == "" {
		http.Error(w, "invalid entry", http.StatusBadRequest)
		return
	}
	if e.Severity == "" {
		e.Severity = e.Kind.Severity()
	}

	log.Printf("received emergency log: type=%s severity=%s session=%s header=%t len=%d",
		e.Kind, e.Severity, e.SessionID, strings.EqualFold(r.Header.Get("X-Emergency-Log"), "true"), len(body))

	if err := store.Deliver(r.Context(), &e); err != nil {
		redact.Logf("store entry: %v", err)
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, `{"status":"ok"}`)
}
