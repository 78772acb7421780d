package iceberg

const (
	StatusAdded    = 1
	StatusExisting = 2
	StatusDeleted  = 3
)

// ManifestEntry tracks one data file of a snapshot.
type ManifestEntry struct {
	Status         int32    `json:"status"`
	SnapshotID     int64    `json:"snapshot_id"`
	SequenceNumber int64    `json:"sequence_number"`
	DataFile       DataFile `json:"data_file"`
}

type DataFile struct {
	FilePath      string            `json:"file_path"`
	FileFormat    string            `json:"file_format"`
	Partition     map[string]string `json:"partition"`
	RecordCount   int64             `json:"record_count"`
	FileSizeBytes int64             `json:"file_size_bytes"`
	Metrics       FileMetrics       `json:"metrics"`
}

// FileMetrics are keyed by field ID.
type FileMetrics struct {
	ValueCounts     map[int]int64 `json:"value_counts"`
	NullValueCounts map[int]int64 `json:"null_value_counts"`
}
