// Package api exposes the operation core over HTTP for the desktop client:
// JSON endpoints to start and cancel operations, a websocket feed for their
// event streams, and CRUD for sessions and documents.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/modeldeck/modeldeck/internal/app"
	"github.com/modeldeck/modeldeck/internal/composer"
	"github.com/modeldeck/modeldeck/internal/drives"
	"github.com/modeldeck/modeldeck/internal/gate"
	"github.com/modeldeck/modeldeck/internal/ollama"
	"github.com/modeldeck/modeldeck/internal/ops"
	"github.com/modeldeck/modeldeck/internal/rag"
	"github.com/modeldeck/modeldeck/internal/session"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds the API layer's collaborators.
type Deps struct {
	Service  *app.Service
	Gate     *gate.Gate
	Client   *ollama.Client
	Sessions *session.Store
	Composer *composer.Composer
	RAG      *rag.Client
}

// NewHandler returns the HTTP handler for the local control API.
func NewHandler(deps Deps) http.Handler {
	hub := newStreamHub()
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Get("/models", handleListModels(deps))

	r.Post("/downloads", handleStartDownload(deps, hub))
	r.Post("/chat", handleStartChat(deps, hub))
	r.Get("/operations/{id}", handleGetOperation(deps))
	r.Delete("/operations/{id}", handleCancelOperation(deps))
	r.Get("/operations/{id}/events", handleOperationEvents(hub))

	r.Get("/sessions", handleListSessions(deps))
	r.Get("/sessions/{id}", handleGetSession(deps))
	r.Put("/sessions/{id}", handlePutSession(deps))
	r.Delete("/sessions/{id}", handleDeleteSession(deps))

	r.Post("/documents", handleUploadDocument(deps))
	r.Get("/documents", handleListDocuments(deps))
	r.Delete("/documents/{name}", handleDeleteDocument(deps))
	r.Post("/documents/query", handleQueryDocuments(deps))

	r.Get("/storage", handleStorageStatus(deps))
	r.Get("/storage/mounts", handleListMounts)

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		daemon := deps.Client.IsRunning(r.Context())
		writeJSON(w, map[string]any{
			"status":        "ok",
			"daemonRunning": daemon,
		})
	}
}

func handleListModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := deps.Client.ListModels(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "daemon_error", "failed to list models: %v", err)
			return
		}
		if models == nil {
			models = []string{}
		}
		writeJSON(w, map[string]any{"models": models})
	}
}

type downloadRequest struct {
	Model   string `json:"model"`
	Variant string `json:"variant"`
}

func handleStartDownload(deps Deps, hub *streamHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req downloadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Model == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
			return
		}

		op, events, err := deps.Service.StartDownload(req.Model, req.Variant)
		if err != nil {
			writeStartError(w, err)
			return
		}
		hub.run(op.ID, events, nil)

		writeJSON(w, map[string]string{"operationId": op.ID})
	}
}

type chatRequest struct {
	SessionID    string `json:"sessionId"`
	Model        string `json:"model"`
	Message      string `json:"message"`
	Stream       *bool  `json:"stream"`
	UseDocuments bool   `json:"useDocuments"`
}

func handleStartChat(deps Deps, hub *streamHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}
		if req.Model == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
			return
		}

		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = uuid.New().String()
		}

		history, err := loadHistory(deps.Sessions, sessionID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load session: %v", err)
			return
		}

		var snippets []string
		if req.UseDocuments && deps.RAG.Configured() {
			chunks, err := deps.RAG.Query(r.Context(), req.Message, 5)
			if err == nil {
				for _, c := range chunks {
					snippets = append(snippets, c.Text)
				}
			}
			// Retrieval failures degrade to a plain chat, not an error.
		}

		messages := deps.Composer.Compose(history, req.Message, snippets)

		stream := true
		if req.Stream != nil {
			stream = *req.Stream
		}

		op, events, err := deps.Service.StartChat(app.ChatParams{
			SessionID: sessionID,
			Model:     req.Model,
			Messages:  messages,
			Stream:    stream,
		})
		if err != nil {
			writeStartError(w, err)
			return
		}

		hub.run(op.ID, events, persistOnEnd(deps.Sessions, sessionID, req.Model, history, req.Message))

		writeJSON(w, map[string]string{
			"operationId": op.ID,
			"sessionId":   sessionID,
		})
	}
}

// loadHistory returns the stored transcript for a session, or an empty one
// for a session that does not exist yet.
func loadHistory(store *session.Store, sessionID string) ([]ollama.Message, error) {
	stored, _, err := store.LoadSession(sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	history := make([]ollama.Message, len(stored))
	for i, m := range stored {
		history[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	return history, nil
}

// persistOnEnd saves the exchange once the chat completes. Failed or
// cancelled chats leave the stored session untouched.
func persistOnEnd(store *session.Store, sessionID, model string, history []ollama.Message, userMessage string) func(ops.Event) {
	return func(ev ops.Event) {
		if ev.Type != ops.EventEnd {
			return
		}
		msgs := make([]session.Message, 0, len(history)+2)
		for _, m := range history {
			msgs = append(msgs, session.Message{Role: m.Role, Content: m.Content})
		}
		msgs = append(msgs,
			session.Message{Role: "user", Content: userMessage},
			session.Message{Role: "assistant", Content: ev.FullResponse},
		)
		if err := store.SaveSession(sessionID, msgs, model); err != nil {
			slog.Error("failed to persist completed chat",
				"session_id", sessionID, "error", err)
		}
	}
}

func handleGetOperation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		op, ok := deps.Service.Get(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "operation not found")
			return
		}
		writeJSON(w, op)
	}
}

func handleCancelOperation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !deps.Service.Cancel(id) {
			httpError(w, http.StatusNotFound, "not_found", "operation not found or already finished")
			return
		}
		writeJSON(w, map[string]string{"status": "cancelled"})
	}
}

func handleStorageStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := deps.Gate.ModelsDir()
		writeJSON(w, map[string]any{
			"configured": path != "",
			"path":       path,
			"exists":     path != "" && drives.PathExists(path),
		})
	}
}

func handleListMounts(w http.ResponseWriter, r *http.Request) {
	mounts, err := drives.ListMounts()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to list mounts: %v", err)
		return
	}
	if mounts == nil {
		mounts = []drives.Mount{}
	}
	writeJSON(w, map[string]any{"mounts": mounts})
}

// writeStartError maps an operation start failure to a status code:
// precondition failures are 412, everything else is a daemon problem.
func writeStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gate.ErrNotConfigured):
		httpError(w, http.StatusPreconditionFailed, "storage_not_configured", "%v", err)
	case errors.Is(err, gate.ErrUnreachable):
		httpError(w, http.StatusPreconditionFailed, "storage_unreachable", "%v", err)
	default:
		httpError(w, http.StatusBadGateway, "daemon_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
