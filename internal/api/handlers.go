// Package api serves the notes API that the sync client talks to. It backs
// cmd/notesd and the end-to-end tests.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/obs"
	"github.com/kuitang/notesync/internal/remote"
)

// FaultFunc lets tests force a response status. Returning 0 serves normally.
type FaultFunc func(r *http.Request) int

// Options configures a Handler.
type Options struct {
	// Token, when set, is the only bearer token accepted.
	Token string
}

// Handler wraps the notes service and provides HTTP handlers
type Handler struct {
	svc   *Service
	token string

	mu    sync.RWMutex
	fault FaultFunc
}

// NewHandler creates a new API handler with the given notes service
func NewHandler(svc *Service, opts Options) *Handler {
	return &Handler{svc: svc, token: opts.Token}
}

// SetFault installs fn as the fault injector. Nil clears it.
func (h *Handler) SetFault(fn FaultFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fault = fn
}

// RegisterRoutes registers all notes API routes on the given mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/notes", h.guard(h.ListNotes))
	mux.HandleFunc("GET /api/notes/{id}", h.guard(h.GetNote))
	mux.HandleFunc("POST /api/notes", h.guard(h.CreateNote))
	mux.HandleFunc("PUT /api/notes/{id}", h.guard(h.UpdateNote))
	mux.HandleFunc("DELETE /api/notes/{id}", h.guard(h.DeleteNote))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, remote.Envelope[any]{Success: true})
	})
}

// guard applies fault injection and bearer auth.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		fault := h.fault
		h.mu.RUnlock()
		if fault != nil {
			if status := fault(r); status != 0 {
				writeError(w, status, http.StatusText(status))
				return
			}
		}

		if h.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
		}
		next(w, r)
	}
}

// ListNotes handles GET /api/notes
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, remote.Envelope[[]remote.WireNote]{Success: true, Data: h.svc.List()})
}

// GetNote handles GET /api/notes/{id}
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	note, err := h.svc.Get(id)
	if err != nil {
		writeCoded(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.Envelope[remote.WireNote]{Success: true, Data: note})
}

// CreateNote handles POST /api/notes
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var input notes.NoteInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	note, err := h.svc.Create(input, r.Header.Get(remote.IdempotencyHeader))
	if err != nil {
		writeCoded(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, remote.Envelope[remote.WireNote]{Success: true, Data: note})
}

// UpdateNote handles PUT /api/notes/{id}
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var patch notes.NotePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	note, err := h.svc.Update(id, patch)
	if err != nil {
		writeCoded(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.Envelope[remote.WireNote]{Success: true, Data: note})
}

// DeleteNote handles DELETE /api/notes/{id}[?permanent=true]
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	permanent := r.URL.Query().Get("permanent") == "true"

	if err := h.svc.Delete(id, permanent); err != nil {
		writeCoded(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.Envelope[any]{Success: true, Message: "Note deleted"})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid note ID: "+raw)
		return 0, false
	}
	return id, true
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an envelope with success=false
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, remote.Envelope[any]{Success: false, Message: message})
}

func writeCoded(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	status := errs.HTTPStatus(code)
	if status >= 500 {
		obs.From(r.Context()).With("pkg", "api").Error("request_failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, errs.MessageOf(err))
}
