package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"skuld/api/model"
	"skuld/api/registry"
)

type clusterResponse struct {
	model.ClusterView
	InstanceID string `json:"instanceId"`
	// Shared is false when the view covers only workers that reported to
	// this instance.
	Shared bool `json:"shared"`
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var hb model.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := h.deps.Registry.RecordHeartbeat(hb); err != nil {
		if errors.Is(err, registry.ErrMissingWorkerID) {
			writeError(w, http.StatusBadRequest, "workerId is required")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.deps.Relay != nil {
		if err := h.deps.Relay.Publish(r.Context(), hb); err != nil {
			h.log.WithField("workerId", hb.WorkerID).WithError(err).Warn("heartbeat: relay failed")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.deps.Registry.ListWorkers())
}

func (h *Handler) ClusterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, clusterResponse{
		ClusterView: h.deps.Registry.Aggregate(),
		InstanceID:  h.settings.InstanceID,
		Shared:      h.deps.Relay != nil,
	})
}
