package api

import (
	"net/http"
	"strings"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
)

type ChatRequest struct {
	Question string `json:"question"`
	JobID    *int64 `json:"job_id"`
}

// handleSearch returns vector, lexical, and action-item hits side by side.
func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		jobID, ok := queryJobID(w, r)
		if !ok {
			return
		}
		limit := parseIntParam(r, "limit", defaultSearchLimit, maxSearchLimit)
		if limit == 0 {
			limit = defaultSearchLimit
		}
		res, err := deps.Searcher.Search(r.Context(), q, jobID, limit)
		if err != nil {
			writeStoreError(w, "search", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Chat == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "chat is not configured")
			return
		}
		var req ChatRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}
		ans, err := deps.Chat.Ask(r.Context(), req.Question, req.JobID)
		if err != nil {
			writeStoreError(w, "chat", err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
	}
}
