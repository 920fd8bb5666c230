package api

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/kalambet/sitewalk/internal/storage"
)

type CreateSessionRequest struct {
	AudioPath string `json:"audio_path"`
	VoiceTag  string `json:"voice_tag"`
	JobID     *int64 `json:"job_id"`
}

type CreateAttachmentRequest struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// handleCreateSession registers an uploaded recording and starts processing
// it in the background.
func handleCreateSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSessionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		req.AudioPath = strings.TrimSpace(req.AudioPath)
		if req.AudioPath == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "audio_path is required")
			return
		}
		if req.JobID != nil {
			if _, err := deps.Store.GetJob(r.Context(), *req.JobID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					httpError(w, http.StatusBadRequest, "invalid_request_error", "job %d does not exist", *req.JobID)
					return
				}
				writeStoreError(w, "job", err)
				return
			}
		}

		sess, err := deps.Store.CreateSession(r.Context(), req.AudioPath, strings.TrimSpace(req.VoiceTag), req.JobID)
		if err != nil {
			writeStoreError(w, "session", err)
			return
		}
		if err := deps.Runner.Process(r.Context(), sess.ID); err != nil {
			slog.Error("starting session run", "session_id", sess.ID, "error", err)
			httpError(w, http.StatusServiceUnavailable, "api_error", "session %d stored but processing could not start: %v", sess.ID, err)
			return
		}
		writeJSON(w, http.StatusAccepted, sess)
	}
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := queryJobID(w, r)
		if !ok {
			return
		}
		limit := parseIntParam(r, "limit", defaultListLimit, maxListLimit)
		sessions, err := deps.Store.ListSessions(r.Context(), jobID, limit)
		if err != nil {
			writeStoreError(w, "sessions", err)
			return
		}
		if sessions == nil {
			sessions = []storage.Session{}
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

func handleGetSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		sess, err := deps.Store.GetSession(r.Context(), id)
		if err != nil {
			writeStoreError(w, "session", err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

// handleDeleteSession soft-deletes the Session together with its chunks.
func handleDeleteSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := deps.Store.DeleteSession(r.Context(), id); err != nil {
			writeStoreError(w, "session", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleProcessSession starts a run for a Session still in the uploaded state.
func handleProcessSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		sess, err := deps.Store.GetSession(r.Context(), id)
		if err != nil {
			writeStoreError(w, "session", err)
			return
		}
		if sess.Status != storage.StatusUploaded {
			httpError(w, http.StatusConflict, "conflict", "session %d is %s, only uploaded sessions can be processed", id, sess.Status)
			return
		}
		startRun(w, r, deps, sess)
	}
}

// handleRetrySession resets an errored Session and replays it from the start.
func handleRetrySession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := deps.Store.ResetForRetry(r.Context(), id); err != nil {
			writeStoreError(w, "session", err)
			return
		}
		sess, err := deps.Store.GetSession(r.Context(), id)
		if err != nil {
			writeStoreError(w, "session", err)
			return
		}
		startRun(w, r, deps, sess)
	}
}

func startRun(w http.ResponseWriter, r *http.Request, deps AppDeps, sess storage.Session) {
	if err := deps.Runner.Process(r.Context(), sess.ID); err != nil {
		httpError(w, http.StatusServiceUnavailable, "api_error", "starting run: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

type attachTarget int

const (
	attachToSession attachTarget = iota
	attachToJob
)

// handleCreateAttachment registers a plan document already on disk. Analysis
// happens during the next pipeline run that sees it.
func handleCreateAttachment(deps AppDeps, target attachTarget) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req CreateAttachmentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		req.Path = strings.TrimSpace(req.Path)
		if req.Path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}
		if req.Filename == "" {
			req.Filename = filepath.Base(req.Path)
		}

		var sessionID, jobID *int64
		switch target {
		case attachToSession:
			if _, err := deps.Store.GetSession(r.Context(), id); err != nil {
				writeStoreError(w, "session", err)
				return
			}
			sessionID = &id
		case attachToJob:
			if _, err := deps.Store.GetJob(r.Context(), id); err != nil {
				writeStoreError(w, "job", err)
				return
			}
			jobID = &id
		}

		att, err := deps.Store.CreateAttachment(r.Context(), sessionID, jobID, req.Filename, req.Path)
		if err != nil {
			writeStoreError(w, "attachment", err)
			return
		}
		writeJSON(w, http.StatusCreated, att)
	}
}

// handleListAttachments lists the plans a Session's run will consider: its
// own attachments plus those of its Job.
func handleListAttachments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		sess, err := deps.Store.GetSession(r.Context(), id)
		if err != nil {
			writeStoreError(w, "session", err)
			return
		}
		atts, err := deps.Store.ListAttachments(r.Context(), sess.ID, sess.JobID)
		if err != nil {
			writeStoreError(w, "attachments", err)
			return
		}
		if atts == nil {
			atts = []storage.Attachment{}
		}
		writeJSON(w, http.StatusOK, atts)
	}
}
