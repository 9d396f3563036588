package sandbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the outcome of an execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// TimeLayout formats the execution start time.
const TimeLayout = "2006-01-02 15:04:05"

// Result is the envelope produced for every execution. Payload holds the
// stringified value on success and the fault message on error.
type Result struct {
	Status  Status
	Payload string
	Err     error
	Output  string
	Calls   int
	Started time.Time
	Elapsed time.Duration
}

// OK reports whether the execution succeeded.
func (r *Result) OK() bool {
	return r.Status == StatusSuccess
}

// ExecutionTime is the start time as "YYYY-MM-DD HH:MM:SS".
func (r *Result) ExecutionTime() string {
	return r.Started.Format(TimeLayout)
}

// TotalTime is the elapsed time in seconds with three decimals.
func (r *Result) TotalTime() string {
	return fmt.Sprintf("%.3f", r.Elapsed.Seconds())
}

// Category returns the fault category, or "" on success.
func (r *Result) Category() string {
	return Classify(r.Err)
}

type successEnvelope struct {
	Status        Status `json:"status"`
	Result        string `json:"result"`
	ExecutionTime string `json:"execution_time"`
	TotalTime     string `json:"total_time"`
}

type errorEnvelope struct {
	Status        Status `json:"status"`
	Error         string `json:"error"`
	ExecutionTime string `json:"execution_time"`
	TotalTime     string `json:"total_time"`
}

// MarshalJSON encodes the wire envelope: status, result or error,
// execution_time and total_time.
func (r *Result) MarshalJSON() ([]byte, error) {
	if r.OK() {
		return json.Marshal(successEnvelope{
			Status:        r.Status,
			Result:        r.Payload,
			ExecutionTime: r.ExecutionTime(),
			TotalTime:     r.TotalTime(),
		})
	}
	return json.Marshal(errorEnvelope{
		Status:        StatusError,
		Error:         r.Payload,
		ExecutionTime: r.ExecutionTime(),
		TotalTime:     r.TotalTime(),
	})
}

// Envelope returns the wire envelope as a map, for callers that add keys.
func (r *Result) Envelope() map[string]any {
	env := map[string]any{
		"status":         r.Status,
		"execution_time": r.ExecutionTime(),
		"total_time":     r.TotalTime(),
	}
	if r.OK() {
		env["result"] = r.Payload
	} else {
		env["error"] = r.Payload
	}
	return env
}
