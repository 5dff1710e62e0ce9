package model

import (
	"encoding/json"
	"time"
)

// TaskMessage is one dispatched invocation. It is immutable once enqueued.
type TaskMessage struct {
	CorrelationID  string            `json:"correlationId"`
	FunctionID     string            `json:"functionId"`
	Runtime        string            `json:"runtime"`
	MemoryMB       int               `json:"memoryMb"`
	PackageURI     string            `json:"packageUri"`
	PackageURL     string            `json:"packageUrl,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
	Input          json.RawMessage   `json:"input,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	ModelID        string            `json:"modelId,omitempty"`
	Async          bool              `json:"async"`
	EnqueuedAt     time.Time         `json:"enqueuedAt"`
}
