package models

import "time"

// These structs define the JSON payloads of the extractor's HTTP surface.

// TriggerResponse is returned by the manual extraction trigger.
type TriggerResponse struct {
	Status           string    `json:"status"`
	Message          string    `json:"message"`
	Timestamp        time.Time `json:"timestamp"`
	RunID            string    `json:"runId,omitempty"`
	RecordsProcessed int       `json:"recordsProcessed,omitempty"`
	TotalRecords     int       `json:"totalRecords,omitempty"`
	BatchFile        string    `json:"batchFile,omitempty"`
}

// StatusResponse reports coordinator availability and the current checkpoint.
type StatusResponse struct {
	Status     string           `json:"status"`
	Message    string           `json:"message"`
	Timestamp  time.Time        `json:"timestamp"`
	Phase      string           `json:"phase"`
	Checkpoint *ExtractionState `json:"checkpoint,omitempty"`
}

// ExtractionResult summarises a finished extraction run.
type ExtractionResult struct {
	RunID            string `json:"runId"`
	BatchFile        string `json:"batchFile"`
	TotalRecords     int    `json:"totalRecords"`
	RecordsProcessed int    `json:"recordsProcessed"`
	PagesFetched     int    `json:"pagesFetched"`
	Resumed          bool   `json:"resumed"`
}
