package models

import "time"

// BatchManifest describes a fully transformed batch. The counts are taken from the
// output files, so TotalRecords == ValidRecords + InvalidRecords always holds.
type BatchManifest struct {
	SourceBatchID      string    `json:"sourceBatchId"`
	RawFilePath        string    `json:"rawFilePath"`
	SuccessFilePath    string    `json:"successFilePath"`
	DeadLetterFilePath string    `json:"deadLetterFilePath"`
	TotalRecords       int       `json:"totalRecords"`
	ValidRecords       int       `json:"validRecords"`
	InvalidRecords     int       `json:"invalidRecords"`
	ProcessedAt        time.Time `json:"processedAt"`
}

// ManifestFile is one deliverable referenced by a manifest.
type ManifestFile struct {
	Path    string
	Records int
}

// Files lists the manifest's files that hold at least one record.
func (m *BatchManifest) Files() []ManifestFile {
	candidates := []ManifestFile{
		{Path: m.RawFilePath, Records: m.TotalRecords},
		{Path: m.SuccessFilePath, Records: m.ValidRecords},
		{Path: m.DeadLetterFilePath, Records: m.InvalidRecords},
	}
	var files []ManifestFile
	for _, f := range candidates {
		if f.Path != "" && f.Records > 0 {
			files = append(files, f)
		}
	}
	return files
}

// DeliveryReceipt proves a local file was uploaded. Its presence makes a
// re-upload of the same path a no-op.
type DeliveryReceipt struct {
	FilePath   string    `json:"filePath" firestore:"filePath"`
	RemoteName string    `json:"remoteName" firestore:"remoteName"`
	Target     string    `json:"target" firestore:"target"`
	Checksum   string    `json:"checksum" firestore:"checksum"`
	Size       int64     `json:"size" firestore:"size"`
	Encrypted  bool      `json:"encrypted" firestore:"encrypted"`
	UploadedAt time.Time `json:"uploadedAt" firestore:"uploadedAt"`
}

// FileMetadata is the per-file bookkeeping row kept by the deliverer.
type FileMetadata struct {
	Filename      string     `json:"filename" firestore:"filename"`
	FilePath      string     `json:"filePath" firestore:"filePath"`
	TotalRecords  int        `json:"totalRecords" firestore:"totalRecords"`
	SourceBatchID string     `json:"sourceBatchId" firestore:"sourceBatchId"`
	ProcessedAt   time.Time  `json:"processedAt" firestore:"processedAt"`
	Delivered     bool       `json:"delivered" firestore:"delivered"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty" firestore:"deliveredAt,omitempty"`
}

// TransformProgress is the restart checkpoint for one raw batch going through the
// transform stage.
type TransformProgress struct {
	BatchID           string    `json:"batchId" firestore:"batchId"`
	RawFile           string    `json:"rawFile" firestore:"rawFile"`
	SuccessFile       string    `json:"successFile" firestore:"successFile"`
	DeadLetterFile    string    `json:"deadLetterFile" firestore:"deadLetterFile"`
	LinesProcessed    int       `json:"linesProcessed" firestore:"linesProcessed"`
	SuccessBytes      int64     `json:"successBytes" firestore:"successBytes"`
	DeadLetterBytes   int64     `json:"deadLetterBytes" firestore:"deadLetterBytes"`
	Completed         bool      `json:"completed" firestore:"completed"`
	ManifestPublished bool      `json:"manifestPublished" firestore:"manifestPublished"`
	Attempts          int       `json:"attempts" firestore:"attempts"`
	LastError         string    `json:"lastError,omitempty" firestore:"lastError,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt" firestore:"updatedAt"`
}
