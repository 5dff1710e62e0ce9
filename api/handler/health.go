package handler

import (
	"net/http"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"skuld/api/health"
)

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health == nil {
		writeJSON(w, health.Report{Status: consulapi.HealthPassing, Checks: map[string]string{}, CheckedAt: time.Now()})
		return
	}
	report := h.deps.Health.Check(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, status, report)
}

func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"version":    h.settings.Version,
		"instanceId": h.settings.InstanceID,
	})
}
