package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"skuld/api/correlator"
	"skuld/api/dispatch"
)

const maxInvokeBody = 6 << 20

type invokeRequest struct {
	Input         json.RawMessage `json:"input"`
	ModelID       string          `json:"modelId"`
	Async         bool            `json:"async"`
	CorrelationID string          `json:"correlationId"`
}

type acceptedResponse struct {
	Status string `json:"status"`
	JobID  string `json:"jobId"`
}

// Invoke dispatches a function. Sync callers block until the completion or
// the wait ceiling; a TIMEOUT outcome is a normal 200 response.
func (h *Handler) Invoke(w http.ResponseWriter, r *http.Request) {
	functionID := chi.URLParam(r, "id")

	var body invokeRequest
	data, err := io.ReadAll(io.LimitReader(r.Body, maxInvokeBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(data) > maxInvokeBody {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	if q := r.URL.Query().Get("async"); q != "" {
		async, err := strconv.ParseBool(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid async flag")
			return
		}
		body.Async = body.Async || async
	}

	task, err := h.deps.Dispatcher.Dispatch(r.Context(), dispatch.Request{
		FunctionID:    functionID,
		Input:         body.Input,
		ModelID:       body.ModelID,
		Async:         body.Async,
		CorrelationID: body.CorrelationID,
	})
	if err != nil {
		h.writeDispatchError(w, functionID, err)
		return
	}

	if body.Async {
		writeJSONStatus(w, http.StatusAccepted, acceptedResponse{Status: "ACCEPTED", JobID: task.CorrelationID})
		return
	}

	evt, err := h.deps.Waiter.Await(r.Context(), task.CorrelationID, task.FunctionID, h.settings.SyncWaitTimeout)
	switch {
	case errors.Is(err, correlator.ErrAlreadyWaiting):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		// Caller went away. The result still lands in the job store.
		h.log.WithFields(logrus.Fields{"correlationId": task.CorrelationID, "functionId": functionID}).
			WithError(err).Info("invoke: caller disconnected before completion")
		return
	}
	writeJSON(w, evt)
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, functionID string, err error) {
	switch {
	case errors.Is(err, dispatch.ErrFunctionNotFound):
		writeError(w, http.StatusNotFound, "function not found")
	case errors.Is(err, dispatch.ErrInvalidCorrelationID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrDuplicateCorrelationID):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrEnqueue):
		h.log.WithField("functionId", functionID).WithError(err).Error("invoke: enqueue failed")
		writeError(w, http.StatusBadGateway, "task queue unavailable")
	default:
		h.log.WithField("functionId", functionID).WithError(err).Error("invoke: dispatch failed")
		writeError(w, http.StatusInternalServerError, "dispatch failed")
	}
}

// JobStatus returns the stored completion or a pending marker. Expired
// records read as pending.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	evt, ok, err := h.deps.Jobs.Get(r.Context(), jobID)
	if err != nil {
		h.log.WithField("correlationId", jobID).WithError(err).Error("jobs: lookup failed")
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	if !ok {
		writeJSON(w, map[string]string{"status": "pending", "jobId": jobID})
		return
	}
	writeJSON(w, evt)
}
