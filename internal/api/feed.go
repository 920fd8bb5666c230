package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/sitewalk/internal/storage"
)

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", defaultListLimit, maxListLimit)
		jobs, err := deps.Store.ListJobs(r.Context(), truthy(r.URL.Query().Get("active")), limit)
		if err != nil {
			writeStoreError(w, "jobs", err)
			return
		}
		if jobs == nil {
			jobs = []storage.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		job, err := deps.Store.GetJob(r.Context(), id)
		if err != nil {
			writeStoreError(w, "job", err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleListNotifications(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", defaultListLimit, maxListLimit)
		ns, err := deps.Store.ListNotifications(r.Context(), truthy(r.URL.Query().Get("unread")), limit)
		if err != nil {
			writeStoreError(w, "notifications", err)
			return
		}
		if ns == nil {
			ns = []storage.Notification{}
		}
		writeJSON(w, http.StatusOK, ns)
	}
}

func handleReadNotification(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		if id == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "id is required")
			return
		}
		if err := deps.Store.MarkNotificationRead(r.Context(), id); err != nil {
			writeStoreError(w, "notification", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleReadAllNotifications(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Store.MarkAllNotificationsRead(r.Context())
		if err != nil {
			writeStoreError(w, "notifications", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
	}
}

func handleListActionItems(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := queryJobID(w, r)
		if !ok {
			return
		}
		items, err := deps.Store.ListActionItems(r.Context(), storage.ActionItemFilter{
			JobID:    jobID,
			OpenOnly: truthy(r.URL.Query().Get("open")),
			Contains: r.URL.Query().Get("q"),
			Limit:    parseIntParam(r, "limit", defaultListLimit, maxListLimit),
		})
		if err != nil {
			writeStoreError(w, "action items", err)
			return
		}
		if items == nil {
			items = []storage.ActionItem{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleToggleActionItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		item, err := deps.Store.ToggleActionItem(r.Context(), id)
		if err != nil {
			writeStoreError(w, "action item", err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}
