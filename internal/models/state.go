package models

import "time"

// ExtractionState is the durable checkpoint of one paginated extraction run.
// LastSuccessfulOffset is the offset of the last page whose records are on disk;
// BatchBytes is the raw batch file size at that point.
type ExtractionState struct {
	RunID                string     `json:"runId" firestore:"runId"`
	LastSuccessfulOffset int        `json:"lastSuccessfulOffset" firestore:"lastSuccessfulOffset"`
	TotalRecords         int        `json:"totalRecords" firestore:"totalRecords"`
	PageSize             int        `json:"pageSize" firestore:"pageSize"`
	RecordsProcessed     int        `json:"recordsProcessed" firestore:"recordsProcessed"`
	PagesFetched         int        `json:"pagesFetched" firestore:"pagesFetched"`
	BatchFile            string     `json:"batchFile" firestore:"batchFile"`
	BatchBytes           int64      `json:"batchBytes" firestore:"batchBytes"`
	InProgress           bool       `json:"inProgress" firestore:"inProgress"`
	Completed            bool       `json:"completed" firestore:"completed"`
	StartedAt            time.Time  `json:"startedAt" firestore:"startedAt"`
	LastUpdatedAt        time.Time  `json:"lastUpdatedAt" firestore:"lastUpdatedAt"`
	FinishedAt           *time.Time `json:"finishedAt,omitempty" firestore:"finishedAt,omitempty"`
}

// NewExtractionState creates an active state positioned before the first page.
func NewExtractionState(runID, batchFile string, totalRecords, pageSize int, now time.Time) *ExtractionState {
	return &ExtractionState{
		RunID:         runID,
		TotalRecords:  totalRecords,
		PageSize:      pageSize,
		BatchFile:     batchFile,
		InProgress:    true,
		StartedAt:     now,
		LastUpdatedAt: now,
	}
}

// IsActive reports whether the state belongs to a run that has not finished.
func (s *ExtractionState) IsActive() bool {
	return s != nil && s.InProgress && !s.Completed
}

// NextOffset is the offset of the next page to fetch. Offsets always advance by
// the page size, whatever the previous page actually returned.
func (s *ExtractionState) NextOffset() int {
	if s.PagesFetched == 0 {
		return 0
	}
	return s.LastSuccessfulOffset + s.PageSize
}

// HasMorePages applies the source's paging contract to the last persisted page.
func (s *ExtractionState) HasMorePages() bool {
	if s.PagesFetched == 0 {
		return s.TotalRecords > 0
	}
	return s.LastSuccessfulOffset+s.PageSize < s.TotalRecords
}

// RecordPage advances the checkpoint after a page at offset has been appended.
// The offset never moves backwards and RecordsProcessed never exceeds TotalRecords.
func (s *ExtractionState) RecordPage(offset, count int, batchBytes int64, now time.Time) {
	if s.PagesFetched == 0 || offset > s.LastSuccessfulOffset {
		s.LastSuccessfulOffset = offset
	}
	s.PagesFetched++
	s.RecordsProcessed += count
	if s.RecordsProcessed > s.TotalRecords {
		s.TotalRecords = s.RecordsProcessed
	}
	s.BatchBytes = batchBytes
	s.LastUpdatedAt = now
}

// MarkCompleted closes the run.
func (s *ExtractionState) MarkCompleted(now time.Time) {
	s.Completed = true
	s.InProgress = false
	s.FinishedAt = &now
	s.LastUpdatedAt = now
}
