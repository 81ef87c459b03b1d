package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/abdhe/runpod-relay/pkg/resilience"
	"github.com/abdhe/runpod-relay/pkg/runpod"
)

// SubmissionError means RunPod rejected the job or could not be reached.
// It is reported to the client before any stream is opened.
type SubmissionError struct {
	Status int    // upstream HTTP status, 500 when none was received
	Body   string // upstream response body, if any
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("submission failed (status %d): %s", e.Status, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("submission failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("submission failed (status %d)", e.Status)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Message is the short, client-facing description of the failure.
func (e *SubmissionError) Message() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.Status)
}

func newSubmissionError(err error) *SubmissionError {
	var serr *SubmissionError
	if errors.As(err, &serr) {
		return serr
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return &SubmissionError{Status: http.StatusServiceUnavailable, Err: err}
	}
	var apiErr *runpod.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return &SubmissionError{Status: status, Body: apiErr.Body, Err: err}
	}
	return &SubmissionError{Status: http.StatusInternalServerError, Err: err}
}

// JobFailedError means RunPod reported a terminal failure for the job.
type JobFailedError struct {
	JobID         string
	Status        runpod.JobStatus
	ServerMessage string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("RunPod job failed: %s", e.ServerMessage)
}

// TimeoutError means the poll budget ran out before a terminal status.
type TimeoutError struct {
	JobID      string
	LastStatus runpod.JobStatus
	Attempts   int
	Elapsed    time.Duration
}

func (e *TimeoutError) Error() string {
	last := string(e.LastStatus)
	if last == "" {
		last = "none"
	}
	return fmt.Sprintf("Timeout waiting for RunPod job after %s (%d attempts). Last status: %s",
		e.Elapsed.Round(time.Second), e.Attempts, last)
}

// StatusUnavailableError means too many status reads failed in a row.
type StatusUnavailableError struct {
	JobID    string
	Failures int
	Err      error
}

func (e *StatusUnavailableError) Error() string {
	return fmt.Sprintf("RunPod job status unavailable after %d consecutive failures: %v", e.Failures, e.Err)
}

func (e *StatusUnavailableError) Unwrap() error { return e.Err }

// IsTransient classifies a status read error. Transient errors are logged
// and polling continues; anything else ends the poll.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *runpod.APIError
	return errors.As(err, &apiErr)
}

// ErrorLine renders err as the trailing line of a failed stream.
func ErrorLine(err error) string {
	return "Error: " + err.Error() + "\n"
}

// Outcome is the metrics/ledger label for the result of a poll.
func Outcome(err error) string {
	var (
		failed  *JobFailedError
		timeout *TimeoutError
		unavail *StatusUnavailableError
	)
	switch {
	case err == nil:
		return "completed"
	case errors.As(err, &failed):
		return "failed"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &unavail):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
