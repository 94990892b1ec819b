package storage

// Transfer is one finished relay as recorded in the journal.
type Transfer struct {
	ID         string `json:"id"`
	FileID     string `json:"file_id"`
	Status     string `json:"status"`
	Bytes      int64  `json:"bytes"`
	Partial    bool   `json:"partial"`
	Error      string `json:"error,omitempty"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`
}
