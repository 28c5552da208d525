package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nous-labs/contextd/pkg/channel"
	"github.com/nous-labs/contextd/pkg/session"
)

var endpoints = []string{
	"/health", "/metrics", "/v1/contexts", "/v1/contexts/recent",
	"/v1/deadletters", "/v1/events", "/v1/messages",
}

// maxMessageBytes bounds a webhook request body.
const maxMessageBytes = 1 << 20

// Handler returns the ops HTTP API.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /v1/contexts", d.handleContexts)
	mux.HandleFunc("GET /v1/contexts/recent", d.handleRecent)
	mux.HandleFunc("GET /v1/deadletters", d.handleDeadLetters)
	mux.HandleFunc("GET /v1/events", d.handleEvents)
	mux.HandleFunc("POST /v1/messages", d.handleMessage)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// queryLimit reads ?limit=, defaulting to 50 and capped at 500.
func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 50
	}
	return min(n, 500)
}

// handleHealth reports liveness plus store row counts.
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !d.healthy.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	stats, err := d.store.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	resp := map[string]any{
		"status": "ok",
		"uptime": time.Since(d.startedAt).Round(time.Second).String(),
		"store":  stats,
	}
	if rep := d.manager.LastReport(); rep != nil {
		resp["last_sweep"] = rep
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleContexts lists live contexts. ?state=open limits it to OPEN ones.
func (d *Daemon) handleContexts(w http.ResponseWriter, r *http.Request) {
	var (
		list []session.Context
		err  error
	)
	if r.URL.Query().Get("state") == "open" {
		list, err = d.store.ListOpen(r.Context())
	} else {
		list, err = d.store.ListLive(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []session.Context{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleRecent lists DONE history, newest first.
func (d *Daemon) handleRecent(w http.ResponseWriter, r *http.Request) {
	list, err := d.store.ListHistory(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []session.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (d *Daemon) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	list, err := d.store.ListDeadLetters(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []session.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleEvents streams lifecycle events over SSE. Recent events are sent
// on connect.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	evts, done := d.events.Subscribe()
	defer d.events.Unsubscribe(done)
	slog.Debug("events client connected", "subscribers", d.events.SubscriberCount())

	for _, e := range d.events.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.Marshal())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-evts:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
			flusher.Flush()
		}
	}
}

// handleMessage ingests one message posted as a channel.Message.
func (d *Daemon) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var msg channel.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode message: %w", err))
		return
	}
	if msg.Source == "" {
		msg.Source = "webhook"
	}
	// A sender clock ahead of ours would hold the window open past its
	// timeout, so the receive time bounds sent_at.
	if now := time.Now(); msg.SentAt.IsZero() || msg.SentAt.After(now) {
		msg.SentAt = now
	}
	if err := d.Ingest(r.Context(), msg); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errInvalidMessage) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "key": string(msg.Key())})
}
