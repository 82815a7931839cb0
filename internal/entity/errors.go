package entity

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCategory classifies why a scrape attempt failed.
type ErrorCategory string

const (
	CategoryNetwork          ErrorCategory = "NETWORK"
	CategoryTimeout          ErrorCategory = "TIMEOUT"
	CategoryBlocked          ErrorCategory = "BLOCKED"
	CategoryHTTPStatus       ErrorCategory = "HTTP_STATUS"
	CategoryParse            ErrorCategory = "PARSE"
	CategoryExtraction       ErrorCategory = "EXTRACTION"
	CategoryPoolExhausted    ErrorCategory = "POOL_EXHAUSTED"
	CategoryValidation       ErrorCategory = "VALIDATION"
	CategoryHandlerException ErrorCategory = "HANDLER_EXCEPTION"
	CategoryCancelled        ErrorCategory = "CANCELLED"
	CategoryUnknown          ErrorCategory = "UNKNOWN"
)

// ScrapeError is a categorized scrape failure. The underlying error is
// preserved and reachable through errors.Is/As.
type ScrapeError struct {
	Category   ErrorCategory
	Code       string
	HTTPStatus int
	Err        error
}

// NewScrapeError builds a ScrapeError. The code defaults to the category.
func NewScrapeError(category ErrorCategory, code string, httpStatus int, err error) *ScrapeError {
	if code == "" {
		code = string(category)
	}
	return &ScrapeError{Category: category, Code: code, HTTPStatus: httpStatus, Err: err}
}

func (e *ScrapeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Category, e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *ScrapeError) Unwrap() error {
	return e.Err
}

// AsScrapeError returns the first ScrapeError in err's chain, or nil.
func AsScrapeError(err error) *ScrapeError {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// CategoryOf classifies err. Uncategorized errors fall back on context
// errors, then UNKNOWN.
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	if se := AsScrapeError(err); se != nil {
		return se.Category
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, context.Canceled):
		return CategoryCancelled
	}
	return CategoryUnknown
}

// CodeOf returns the machine-readable code of err.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if se := AsScrapeError(err); se != nil {
		return se.Code
	}
	return string(CategoryOf(err))
}
