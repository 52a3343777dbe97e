package model

import (
	"encoding/json"
	"time"
)

// AmendmentState is the processing state of an amendment record.
type AmendmentState string

const (
	AmendmentDownloaded AmendmentState = "downloaded"
	AmendmentProcessing AmendmentState = "processing"
	AmendmentProcessed  AmendmentState = "processed"
	AmendmentFailed     AmendmentState = "failed"
	AmendmentCancelled  AmendmentState = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s AmendmentState) Terminal() bool {
	switch s {
	case AmendmentProcessed, AmendmentFailed, AmendmentCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
func (s AmendmentState) CanTransition(next AmendmentState) bool {
	switch s {
	case AmendmentDownloaded:
		return next == AmendmentProcessing
	case AmendmentProcessing:
		return next == AmendmentProcessed || next == AmendmentFailed || next == AmendmentCancelled
	}
	return false
}

// Amendment represents a downloaded update document for a framework.
type Amendment struct {
	ID                string          `json:"id"`
	FrameworkID       string          `json:"framework_id"`
	FrameworkName     string          `json:"framework_name"`
	AmendmentDate     string          `json:"amendment_date"` // YYYY-MM-DD
	DocumentURL       string          `json:"document_url"`
	LocalPath         string          `json:"local_path"`
	ObjectURL         string          `json:"object_url,omitempty"`
	State             AmendmentState  `json:"state"`
	CancelRequested   bool            `json:"cancel_requested"`
	Cancelled         bool            `json:"cancelled"`
	ProcessedDate     *time.Time      `json:"processed_date,omitempty"`
	ProcessingError   string          `json:"processing_error,omitempty"`
	OutputFile        string          `json:"output_file,omitempty"`
	ExtractionSummary json.RawMessage `json:"extraction_summary,omitempty"`
	MatchingResult    json.RawMessage `json:"compliance_matching_result,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
