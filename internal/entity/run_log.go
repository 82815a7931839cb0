package entity

import (
	"errors"
	"time"
)

// RunStatus is the lifecycle state of a RunLog.
type RunStatus string

const (
	RunStarted   RunStatus = "STARTED"
	RunSuccess   RunStatus = "SUCCESS"
	RunFailed    RunStatus = "FAILED"
	RunTimeout   RunStatus = "TIMEOUT"
	RunCancelled RunStatus = "CANCELLED"
)

// ErrRunAlreadyTerminal is returned when a finished run is asked to finish again.
var ErrRunAlreadyTerminal = errors.New("run already in a terminal state")

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunTimeout, RunCancelled:
		return true
	}
	return false
}

// IsFailure reports whether the status counts as a failed attempt.
func (s RunStatus) IsFailure() bool {
	return s == RunFailed || s == RunTimeout || s == RunCancelled
}

// RunLog mirrors the `run_logs` table: the durable record of one scrape attempt.
type RunLog struct {
	ID            string
	MappingID     int64
	Status        RunStatus
	URL           string
	UserAgent     string
	Headers       map[string]string
	Selectors     SelectorSet
	StartedAt     time.Time
	CompletedAt   *time.Time
	DurationMs    *int64
	Fields        *ExtractedFields
	ErrorMessage  string
	ErrorCode     string
	ErrorCategory ErrorCategory
	HTTPStatus    int
	ProxyID       *int64
	PageLoadMs    int64
	ParseMs       int64
	PreviousRunID string
}

// AttemptInfo carries the measurements recorded with a terminal transition.
type AttemptInfo struct {
	HTTPStatus int
	ProxyID    *int64
	PageLoadMs int64
	ParseMs    int64
}

// Complete moves the run to SUCCESS.
func (r *RunLog) Complete(at time.Time, fields ExtractedFields, info AttemptInfo) error {
	if err := r.finish(RunSuccess, at, info); err != nil {
		return err
	}
	r.Fields = &fields
	return nil
}

// Fail moves the run to status, which must be a failure state, and records
// the error detail carried by cause.
func (r *RunLog) Fail(status RunStatus, at time.Time, cause error, info AttemptInfo) error {
	if !status.IsFailure() {
		return errors.New("fail requires a failure status, got " + string(status))
	}
	if err := r.finish(status, at, info); err != nil {
		return err
	}
	r.ErrorCategory = CategoryOf(cause)
	r.ErrorCode = CodeOf(cause)
	if cause != nil {
		r.ErrorMessage = cause.Error()
	}
	if se := AsScrapeError(cause); se != nil && se.HTTPStatus != 0 {
		r.HTTPStatus = se.HTTPStatus
	}
	return nil
}

func (r *RunLog) finish(status RunStatus, at time.Time, info AttemptInfo) error {
	if r.Status.IsTerminal() {
		return ErrRunAlreadyTerminal
	}
	if at.Before(r.StartedAt) {
		at = r.StartedAt
	}
	d := at.Sub(r.StartedAt).Milliseconds()
	r.Status = status
	r.CompletedAt = &at
	r.DurationMs = &d
	r.HTTPStatus = info.HTTPStatus
	r.ProxyID = info.ProxyID
	r.PageLoadMs = info.PageLoadMs
	r.ParseMs = info.ParseMs
	return nil
}

// RunFilter narrows RunLog statistics. Zero fields are ignored.
type RunFilter struct {
	MappingID *int64
	From      *time.Time
	To        *time.Time
}

// RunCounts is the raw aggregate a RunLog store returns for a filter.
type RunCounts struct {
	ByStatus           map[RunStatus]int64
	FailuresByCategory map[ErrorCategory]int64
	AvgDurationMs      float64
}

// RunStatistics summarizes terminal runs.
type RunStatistics struct {
	Total              int64                   `json:"total"`
	Successes          int64                   `json:"successes"`
	Failures           int64                   `json:"failures"`
	InProgress         int64                   `json:"in_progress"`
	SuccessRate        float64                 `json:"success_rate"`
	FailuresByCategory map[ErrorCategory]int64 `json:"failures_by_category"`
	AvgDurationMs      float64                 `json:"avg_duration_ms"`
}
