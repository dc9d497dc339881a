package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/LeventeLantos/automatic-mailing/internal/model"
	"github.com/LeventeLantos/automatic-mailing/internal/repo"
)

// TriggerControl starts and stops the periodic scheduler and dispatcher.
type TriggerControl interface {
	Start() bool
	Stop() bool
	IsRunning() bool
	Status() map[string]bool
}

type MessageLister interface {
	ListMessages(ctx context.Context, status model.Status, limit, offset int) ([]model.Message, error)
}

type StatsReader interface {
	Stats(ctx context.Context, mailingIDs ...int64) (model.Stats, error)
}

type Activator interface {
	Activate(ctx context.Context, mailingID int64) error
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

const pingTimeout = 2 * time.Second

type Handler struct {
	triggers  TriggerControl
	messages  MessageLister
	stats     StatsReader
	activator Activator
	store     Pinger
}

type HandlerOption func(*Handler)

// WithReadiness makes Health ping p and answer 503 when it fails.
func WithReadiness(p Pinger) HandlerOption {
	return func(h *Handler) { h.store = p }
}

func NewHandler(t TriggerControl, messages MessageLister, stats StatsReader, a Activator, opts ...HandlerOption) *Handler {
	h := &Handler{triggers: t, messages: messages, stats: stats, activator: a}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) TriggerStatus(w http.ResponseWriter, r *http.Request) {
	h.writeTriggerState(w)
}

func (h *Handler) TriggerStart(w http.ResponseWriter, r *http.Request) {
	h.triggers.Start()
	h.writeTriggerState(w)
}

func (h *Handler) TriggerStop(w http.ResponseWriter, r *http.Request) {
	h.triggers.Stop()
	h.writeTriggerState(w)
}

func (h *Handler) writeTriggerState(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running":  h.triggers.IsRunning(),
		"triggers": h.triggers.Status(),
	})
}

// ListMessages accepts an optional status filter plus limit and offset.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		http.Error(w, "unknown status "+strconv.Quote(string(status)), http.StatusBadRequest)
		return
	}

	limit := parseInt(q.Get("limit"), 50)
	offset := parseInt(q.Get("offset"), 0)

	items, err := h.messages.ListMessages(r.Context(), status, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []model.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) AllMailingStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.stats.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) MailingStats(w http.ResponseWriter, r *http.Request) {
	id, ok := mailingID(w, r)
	if !ok {
		return
	}
	h.writeMailingStats(w, r, id)
}

// ActivateMailing runs activation synchronously and answers with the
// mailing's message counts. Activating an already started mailing changes
// nothing.
func (h *Handler) ActivateMailing(w http.ResponseWriter, r *http.Request) {
	id, ok := mailingID(w, r)
	if !ok {
		return
	}

	if _, err := h.stats.Stats(r.Context(), id); err != nil {
		writeStatsError(w, err)
		return
	}
	if err := h.activator.Activate(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeMailingStats(w, r, id)
}

func (h *Handler) writeMailingStats(w http.ResponseWriter, r *http.Request, id int64) {
	st, err := h.stats.Stats(r.Context(), id)
	if err != nil {
		writeStatsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeStatsError(w http.ResponseWriter, err error) {
	if errors.Is(err, repo.ErrMailingNotFound) {
		http.Error(w, "mailing not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func mailingID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid mailing id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
