package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
	StatusTimeout Status = "TIMEOUT"
)

var ErrInvalidCompletion = errors.New("invalid completion event")

// CompletionEvent is the canonical worker-reported outcome of one task.
type CompletionEvent struct {
	CorrelationID string          `json:"correlationId"`
	FunctionID    string          `json:"functionId"`
	Status        Status          `json:"status"`
	DurationMs    int64           `json:"durationMs"`
	MemoryUsedMB  float64         `json:"memoryUsedMb"`
	Stdout        string          `json:"stdout,omitempty"`
	Stderr        string          `json:"stderr,omitempty"`
	ExitCode      int             `json:"exitCode"`
	Result        json.RawMessage `json:"result,omitempty"`
	CompletedAt   time.Time       `json:"completedAt"`
}

func (e *CompletionEvent) Duration() time.Duration {
	return time.Duration(e.DurationMs) * time.Millisecond
}

// TimeoutEvent is the synthetic outcome handed to a waiter whose deadline
// fired before any completion arrived.
func TimeoutEvent(correlationID, functionID string, waited time.Duration, at time.Time) *CompletionEvent {
	return &CompletionEvent{
		CorrelationID: correlationID,
		FunctionID:    functionID,
		Status:        StatusTimeout,
		DurationMs:    waited.Milliseconds(),
		ExitCode:      -1,
		CompletedAt:   at,
	}
}

// completionWire accepts the field spellings different worker runtimes emit.
type completionWire struct {
	CorrelationID    *string  `json:"correlationId"`
	CorrelationIDAlt *string  `json:"correlation_id"`
	RequestID        *string  `json:"requestId"`
	RequestIDAlt     *string  `json:"request_id"`
	ID               *string  `json:"id"`
	FunctionID       *string  `json:"functionId"`
	FunctionIDAlt    *string  `json:"function_id"`
	Function         *string  `json:"function"`
	Status           *string  `json:"status"`
	Outcome          *string  `json:"outcome"`
	DurationMs       *float64 `json:"durationMs"`
	DurationMsAlt    *float64 `json:"duration_ms"`
	DurationSeconds  *float64 `json:"duration"`
	MemoryUsedMB     *float64 `json:"memoryUsedMb"`
	MemoryUsedMBAlt  *float64 `json:"memory_used_mb"`
	PeakMemoryMB     *float64 `json:"peakMemoryMb"`
	Stdout           *string  `json:"stdout"`
	Stderr           *string  `json:"stderr"`
	Output           *string  `json:"output"`
	ExitCode         *int     `json:"exitCode"`
	ExitCodeAlt      *int     `json:"exit_code"`

	Result      json.RawMessage `json:"result"`
	Body        json.RawMessage `json:"body"`
	CompletedAt *time.Time      `json:"completedAt"`
}

// ParseCompletion decodes and normalizes one broadcast payload. channelID is
// the correlation id carried by the channel name; when both it and the payload
// carry an id they must agree.
func ParseCompletion(payload []byte, channelID string) (*CompletionEvent, error) {
	var w completionWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCompletion, err)
	}

	evt := &CompletionEvent{}

	id := firstString(w.CorrelationID, w.CorrelationIDAlt, w.RequestID, w.RequestIDAlt, w.ID)
	switch {
	case id == "":
		id = channelID
	case channelID != "" && id != channelID:
		return nil, fmt.Errorf("%w: payload id %q does not match channel id %q", ErrInvalidCompletion, id, channelID)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: missing correlation id", ErrInvalidCompletion)
	}
	evt.CorrelationID = id
	evt.FunctionID = firstString(w.FunctionID, w.FunctionIDAlt, w.Function)

	exitCode, hasExit := firstInt(w.ExitCode, w.ExitCodeAlt)
	evt.ExitCode = exitCode

	rawStatus := firstString(w.Status, w.Outcome)
	if rawStatus == "" {
		if !hasExit {
			return nil, fmt.Errorf("%w: missing status", ErrInvalidCompletion)
		}
		rawStatus = "success"
		if exitCode != 0 {
			rawStatus = "error"
		}
	}
	status, err := NormalizeStatus(rawStatus)
	if err != nil {
		return nil, err
	}
	evt.Status = status

	switch {
	case w.DurationMs != nil:
		evt.DurationMs = int64(*w.DurationMs)
	case w.DurationMsAlt != nil:
		evt.DurationMs = int64(*w.DurationMsAlt)
	case w.DurationSeconds != nil:
		evt.DurationMs = int64(*w.DurationSeconds * 1000)
	}
	if evt.DurationMs < 0 {
		return nil, fmt.Errorf("%w: negative duration", ErrInvalidCompletion)
	}

	for _, m := range []*float64{w.MemoryUsedMB, w.MemoryUsedMBAlt, w.PeakMemoryMB} {
		if m != nil {
			evt.MemoryUsedMB = *m
			break
		}
	}

	evt.Stdout = firstString(w.Stdout, w.Output)
	evt.Stderr = firstString(w.Stderr)

	switch {
	case len(w.Result) > 0 && string(w.Result) != "null":
		evt.Result = w.Result
	case len(w.Body) > 0 && string(w.Body) != "null":
		evt.Result = w.Body
	}
	if w.CompletedAt != nil {
		evt.CompletedAt = *w.CompletedAt
	}
	return evt, nil
}

// NormalizeStatus maps producer spellings onto the three canonical outcomes.
func NormalizeStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "succeeded", "ok", "completed":
		return StatusSuccess, nil
	case "error", "failed", "failure", "fail":
		return StatusError, nil
	case "timeout", "timed_out", "timedout":
		return StatusTimeout, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidCompletion, s)
}

// TruncateOutput cuts s to at most max bytes on a rune boundary and appends a
// visible marker naming how much was dropped.
func TruncateOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n...[truncated %d bytes]", len(s)-cut)
}

// ExecutionLogFrom derives the persisted log row for an event.
func ExecutionLogFrom(evt *CompletionEvent, maxOutput int) *ExecutionLog {
	return &ExecutionLog{
		CorrelationID: evt.CorrelationID,
		FunctionID:    evt.FunctionID,
		Status:        evt.Status,
		DurationMs:    evt.DurationMs,
		MemoryUsedMB:  evt.MemoryUsedMB,
		ExitCode:      evt.ExitCode,
		Stdout:        TruncateOutput(evt.Stdout, maxOutput),
		Stderr:        TruncateOutput(evt.Stderr, maxOutput),
		CompletedAt:   evt.CompletedAt,
	}
}

func firstString(vals ...*string) string {
	for _, v := range vals {
		if v != nil && strings.TrimSpace(*v) != "" {
			return strings.TrimSpace(*v)
		}
	}
	return ""
}

func firstInt(vals ...*int) (int, bool) {
	for _, v := range vals {
		if v != nil {
			return *v, true
		}
	}
	return 0, false
}
