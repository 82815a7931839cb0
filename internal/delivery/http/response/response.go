package response

import (
	"time"

	"github.com/user/price-scraper-service/internal/entity"
)

// RunResponse is the API view of entity.RunLog.
type RunResponse struct {
	ID            string                  `json:"id"`
	MappingID     int64                   `json:"mapping_id"`
	Status        string                  `json:"status"`
	URL           string                  `json:"url"`
	StartedAt     time.Time               `json:"started_at"`
	CompletedAt   *time.Time              `json:"completed_at,omitempty"`
	DurationMs    *int64                  `json:"duration_ms,omitempty"`
	Fields        *entity.ExtractedFields `json:"fields,omitempty"`
	ErrorCategory string                  `json:"error_category,omitempty"`
	ErrorCode     string                  `json:"error_code,omitempty"`
	ErrorMessage  string                  `json:"error_message,omitempty"`
	HTTPStatus    int                     `json:"http_status,omitempty"`
	ProxyID       *int64                  `json:"proxy_id,omitempty"`
	PageLoadMs    int64                   `json:"page_load_ms"`
	ParseMs       int64                   `json:"parse_ms"`
	PreviousRunID string                  `json:"previous_run_id,omitempty"`
}

func NewRunResponse(run *entity.RunLog) RunResponse {
	return RunResponse{
		ID:            run.ID,
		MappingID:     run.MappingID,
		Status:        string(run.Status),
		URL:           run.URL,
		StartedAt:     run.StartedAt,
		CompletedAt:   run.CompletedAt,
		DurationMs:    run.DurationMs,
		Fields:        run.Fields,
		ErrorCategory: string(run.ErrorCategory),
		ErrorCode:     run.ErrorCode,
		ErrorMessage:  run.ErrorMessage,
		HTTPStatus:    run.HTTPStatus,
		ProxyID:       run.ProxyID,
		PageLoadMs:    run.PageLoadMs,
		ParseMs:       run.ParseMs,
		PreviousRunID: run.PreviousRunID,
	}
}

// RunChainResponse lists a retry chain, oldest attempt first.
type RunChainResponse struct {
	Runs []RunResponse `json:"runs"`
}
