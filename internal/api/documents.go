package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modeldeck/modeldeck/internal/rag"
)

type uploadRequest struct {
	Path string `json:"path"`
}

func handleUploadDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.RAG.Configured() {
			httpError(w, http.StatusPreconditionFailed, "documents_not_configured", "document store is not configured")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req uploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}

		result, err := deps.RAG.UploadDocument(r.Context(), req.Path)
		if err != nil {
			httpError(w, http.StatusBadGateway, "documents_error", "upload failed: %v", err)
			return
		}
		writeJSON(w, result)
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.RAG.Configured() {
			writeJSON(w, map[string]any{"configured": false, "documents": []rag.Document{}})
			return
		}

		docs, err := deps.RAG.ListDocuments(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "documents_error", "failed to list documents: %v", err)
			return
		}
		if docs == nil {
			docs = []rag.Document{}
		}
		writeJSON(w, map[string]any{"configured": true, "documents": docs})
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.RAG.Configured() {
			httpError(w, http.StatusPreconditionFailed, "documents_not_configured", "document store is not configured")
			return
		}

		name := chi.URLParam(r, "name")
		deleted, err := deps.RAG.DeleteDocument(r.Context(), name)
		if err != nil {
			httpError(w, http.StatusBadGateway, "documents_error", "delete failed: %v", err)
			return
		}
		if !deleted {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

type queryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"topK"`
}

func handleQueryDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.RAG.Configured() {
			httpError(w, http.StatusPreconditionFailed, "documents_not_configured", "document store is not configured")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if req.TopK <= 0 {
			req.TopK = 5
		}

		chunks, err := deps.RAG.Query(r.Context(), req.Query, req.TopK)
		if err != nil {
			httpError(w, http.StatusBadGateway, "documents_error", "query failed: %v", err)
			return
		}
		if chunks == nil {
			chunks = []rag.Chunk{}
		}
		writeJSON(w, map[string]any{"chunks": chunks})
	}
}
