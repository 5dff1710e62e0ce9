package model

import "time"

// Heartbeat is what a worker pushes on every tick.
type Heartbeat struct {
	WorkerID      string         `json:"workerId"`
	Status        string         `json:"status"`
	Pools         map[string]int `json:"pools"`
	ActiveJobs    int            `json:"activeJobs"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
}

// WorkerRecord is the liveness entry for one worker.
type WorkerRecord struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Pools         map[string]int `json:"pools"`
	ActiveJobs    int            `json:"activeJobs"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
	LastSeen      time.Time      `json:"lastSeen"`
	Healthy       bool           `json:"healthy"`
}

// ClusterView aggregates healthy workers only.
type ClusterView struct {
	Workers          int            `json:"workers"`
	Healthy          int            `json:"healthy"`
	Pools            map[string]int `json:"pools"`
	ActiveJobs       int            `json:"activeJobs"`
	MaxUptimeSeconds float64        `json:"maxUptimeSeconds"`
}
