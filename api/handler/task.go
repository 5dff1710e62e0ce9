package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"skuld/api/model"
)

const maxCompletionBody = 8 << 20

// NextTask long-polls the in-process queue for one task of a runtime. It is
// only mounted usefully in local mode; with stream queues workers read the
// streams directly.
func (h *Handler) NextTask(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tasks == nil {
		writeError(w, http.StatusNotFound, "task pull is only available in local mode")
		return
	}
	wait := h.settings.TaskPollWait
	if wait <= 0 {
		wait = 25 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	task, err := h.deps.Tasks.Next(ctx, chi.URLParam(r, "runtime"))
	if errors.Is(err, context.DeadlineExceeded) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		// client went away
		return
	}
	writeJSON(w, task)
}

// Complete accepts a completion over HTTP and publishes it on the result
// channel, so it takes the same path as one published by a worker.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	if h.deps.Results == nil {
		writeError(w, http.StatusNotFound, "completion push is not enabled")
		return
	}
	jobID := chi.URLParam(r, "jobId")
	data, err := io.ReadAll(io.LimitReader(r.Body, maxCompletionBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if _, err := model.ParseCompletion(data, jobID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.deps.Results.Publish(r.Context(), h.settings.ResultPrefix+jobID, string(data)); err != nil {
		h.log.WithField("correlationId", jobID).WithError(err).Error("complete: publish failed")
		writeError(w, http.StatusBadGateway, "result channel unavailable")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
