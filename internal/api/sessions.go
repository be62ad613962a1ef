package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modeldeck/modeldeck/internal/session"
)

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := deps.Sessions.ListSessions()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sessions: %v", err)
			return
		}
		if sessions == nil {
			sessions = []session.Session{}
		}
		writeJSON(w, map[string]any{"sessions": sessions})
	}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		messages, model, err := deps.Sessions.LoadSession(id)
		if errors.Is(err, session.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load session: %v", err)
			return
		}

		writeJSON(w, map[string]any{
			"id":       id,
			"model":    model,
			"messages": messages,
		})
	}
}

type putSessionRequest struct {
	Model    string            `json:"model"`
	Messages []session.Message `json:"messages"`
}

func handlePutSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req putSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if err := deps.Sessions.SaveSession(id, req.Messages, req.Model); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save session: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "saved"})
	}
}

func handleDeleteSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Sessions.DeleteSession(id)
		if errors.Is(err, session.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete session: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}
