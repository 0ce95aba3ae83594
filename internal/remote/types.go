package remote

// Wire shapes for the record-store HTTP API.

// SaveResponse is returned from POST /records. The timestamp is assigned
// by the server and is authoritative: the local copy must adopt it.
type SaveResponse struct {
	Success   bool   `json:"success"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// batchDeleteRequest is the payload for POST /records/batch-delete.
type batchDeleteRequest struct {
	IDs []string `json:"ids"`
}

// pullRequest is the payload for POST /sync/pull.
type pullRequest struct {
	Since int64 `json:"since"`
}

// checkBatchRequest is the payload for POST /images/check-batch.
type checkBatchRequest struct {
	Hashes []string `json:"hashes"`
}

// checkBatchResponse is returned from POST /images/check-batch.
type checkBatchResponse struct {
	Results map[string]bool `json:"results"`
}

// putImageResponse is returned from PUT /images/:hash. Existed means the
// server already had the bytes and discarded the upload.
type putImageResponse struct {
	Success bool `json:"success"`
	Existed bool `json:"existed"`
}

// ChangeEvent is one message from the /sync/events websocket feed.
type ChangeEvent struct {
	Type      string   `json:"type"`
	RecordID  string   `json:"recordId,omitempty"`
	RecordIDs []string `json:"recordIds,omitempty"`
}

// Change event types.
const (
	EventRecordChanged  = "record-changed"
	EventRecordsDeleted = "records-deleted"
)
