package model

import "time"

// Function is the dispatch-time metadata of a deployed function.
type Function struct {
	ID              string            `json:"id" yaml:"id"`
	Name            string            `json:"name" yaml:"name"`
	Runtime         string            `json:"runtime" yaml:"runtime"`
	MemoryMB        int               `json:"memoryMb" yaml:"memory"`
	PackageURI      string            `json:"packageUri" yaml:"package"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	ModelID         string            `json:"modelId,omitempty" yaml:"model,omitempty"`
	InvocationCount int64             `json:"invocationCount" yaml:"-"`
	CreatedAt       time.Time         `json:"createdAt" yaml:"-"`
	UpdatedAt       time.Time         `json:"updatedAt" yaml:"-"`
}

// ExecutionLog is the persisted form of a completion, with output already
// truncated to the storage limit.
type ExecutionLog struct {
	CorrelationID string    `json:"correlationId"`
	FunctionID    string    `json:"functionId"`
	Status        Status    `json:"status"`
	DurationMs    int64     `json:"durationMs"`
	MemoryUsedMB  float64   `json:"memoryUsedMb"`
	ExitCode      int       `json:"exitCode"`
	Stdout        string    `json:"stdout"`
	Stderr        string    `json:"stderr"`
	CompletedAt   time.Time `json:"completedAt"`
}
