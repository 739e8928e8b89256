package engine

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// StatusHandle exposes read-only introspection over an Engine's local
// state, meant to run alongside a scheduled sync loop rather than
// inside the sync path itself.
type StatusHandle struct {
	e *Engine
	l *slog.Logger
}

func (e *Engine) StatusHandler(l *slog.Logger) http.Handler {
	h := &StatusHandle{e: e, l: l}
	r := chi.NewRouter()
	if e.telemetry != nil {
		r.Use(e.telemetry.requestMetrics)
	}
	r.Get("/healthz", h.Healthz)
	r.Get("/tables/{tableId}/status", h.TableStatus)
	return r
}

func (h *StatusHandle) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.e.db.PingContext(r.Context()); err != nil {
		h.l.Error("healthz: database unreachable", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StatusHandle) TableStatus(w http.ResponseWriter, r *http.Request) {
	tableID := chi.URLParam(r, "tableId")

	localETag, err := h.e.currentDataETag(r.Context(), tableID)
	if err != nil {
		h.l.Error("table status: read local dataETag", "tableId", tableID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	incoming, err := h.e.HasIncomingChanges(r.Context(), tableID)
	if err != nil {
		h.l.Error("table status: check remote dataETag", "tableId", tableID, "error", err)
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"tableId":       tableID,
		"localDataETag": localETag,
		"hasIncoming":   incoming,
	})
}
