// Package runpod is a client for the RunPod serverless job API.
package runpod

import (
	"encoding/json"
	"strings"
)

// JobStatus is the lifecycle state RunPod reports for a job.
type JobStatus string

const (
	StatusInQueue    JobStatus = "IN_QUEUE"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
	StatusTimedOut   JobStatus = "TIMED_OUT"
)

// Terminal reports whether no further polling should happen.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Known reports whether s is one of the documented statuses.
func (s JobStatus) Known() bool {
	switch s {
	case StatusInQueue, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Input is the body of a run request, wrapped in {"input": ...} on the wire.
type Input struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Stream      bool    `json:"stream"`
}

type runRequest struct {
	Input Input `json:"input"`
}

// RunResponse is returned by POST /v2/{endpointId}/run.
type RunResponse struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
}

// StatusResponse is returned by GET /v2/{endpointId}/status/{jobId}.
type StatusResponse struct {
	ID            string          `json:"id"`
	Status        JobStatus       `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	DelayTime     int64           `json:"delayTime,omitempty"`
	ExecutionTime int64           `json:"executionTime,omitempty"`
}

// ErrorMessage renders the error field, which RunPod sends either as a
// string or as an object.
func (r StatusResponse) ErrorMessage() string {
	if len(r.Error) == 0 || string(r.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil {
		return s
	}
	return string(r.Error)
}

// ---------------------------------------------------------------------------
// Output flattening
// ---------------------------------------------------------------------------

type outputItem struct {
	Choices []struct {
		Tokens json.RawMessage `json:"tokens"`
	} `json:"choices"`
}

// Tokens flattens a completed job's output into its token fragments, in
// order. Only the first choice of each item is used. Items that do not
// carry a token list are skipped; an output that is not a list yields no
// tokens.
func Tokens(output json.RawMessage) []string {
	var items []json.RawMessage
	if err := json.Unmarshal(output, &items); err != nil {
		return nil
	}

	var tokens []string
	for _, raw := range items {
		var item outputItem
		if err := json.Unmarshal(raw, &item); err != nil || len(item.Choices) == 0 {
			continue
		}
		var fragments []string
		if err := json.Unmarshal(item.Choices[0].Tokens, &fragments); err != nil {
			continue
		}
		tokens = append(tokens, fragments...)
	}
	return tokens
}

// Text is the concatenation of Tokens.
func Text(output json.RawMessage) string {
	return strings.Join(Tokens(output), "")
}
