// Package models holds the data types shared between the local store, the
// remote gateway client, and the sync engine. All timestamps are Unix
// milliseconds; a record's Timestamp is the authoritative version marker
// assigned by the server on save.
package models

// HashLen is the length of a hex-encoded content digest.
const HashLen = 64

// ImageRef is a single image slot in a record. It is either an inline
// payload (not yet uploaded) or a content hash (already uploaded). Once a
// hash is confirmed to exist remotely the payload is never sent again.
type ImageRef struct {
	Hash string `json:"hash,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// Uploaded reports whether the ref carries a confirmed content hash.
func (r ImageRef) Uploaded() bool {
	return len(r.Hash) == HashLen
}

// ImageKind distinguishes scanned pages from extracted question images.
type ImageKind string

const (
	KindPage     ImageKind = "page"
	KindQuestion ImageKind = "question"
)

// Record is a full exam record: scanned pages plus the question images
// extracted from them. ID is stable across local and remote copies.
type Record struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Timestamp      int64      `json:"timestamp"`
	Pages          []ImageRef `json:"pages"`
	QuestionImages []ImageRef `json:"questionImages"`
}

// Metadata returns the lightweight listing form of the record.
func (r *Record) Metadata() RecordMetadata {
	return RecordMetadata{
		ID:        r.ID,
		Name:      r.Name,
		Timestamp: r.Timestamp,
		PageCount: len(r.Pages),
	}
}

// RecordMetadata is the listing form used for reconciliation, so full
// payloads never cross the wire just to compare timestamps.
type RecordMetadata struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
	PageCount int    `json:"pageCount"`
}

// PendingActionType is the kind of remote operation queued in the outbox.
type PendingActionType string

const (
	ActionSave   PendingActionType = "save"
	ActionDelete PendingActionType = "delete"
)

// PendingAction is one queued remote operation. The outbox keys entries by
// record id, so a newer action for the same record replaces the older one.
type PendingAction struct {
	Type      PendingActionType `json:"type"`
	RecordID  string            `json:"recordId"`
	Timestamp int64             `json:"timestamp"`
	Record    *Record           `json:"record,omitempty"`
}

// SyncState is the persisted process-wide sync cursor.
type SyncState struct {
	LastSyncTime int64 `json:"lastSyncTime"`
	IsOnline     bool  `json:"isOnline"`
}

// ConflictResolution names the winning side of a last-write-wins conflict.
type ConflictResolution string

const (
	ResolutionLocal  ConflictResolution = "local"
	ResolutionRemote ConflictResolution = "remote"
)

// ConflictInfo records one detected conflict and how it was resolved.
// Produced by reconciliation, never mutated afterwards.
type ConflictInfo struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	LocalTimestamp  int64              `json:"localTimestamp"`
	RemoteTimestamp int64              `json:"remoteTimestamp"`
	Resolution      ConflictResolution `json:"resolution"`
}

// UploadTask is one image payload flagged for upload. ID identifies the
// task in results; Hash is the content digest of Payload.
type UploadTask struct {
	ID      string
	Hash    string
	Payload []byte
	Kind    ImageKind
}

// UploadResult is the per-task outcome of an upload batch. Skipped tasks
// (hash already confirmed remote) count as successes without a PUT.
type UploadResult struct {
	ID      string
	Hash    string
	Kind    ImageKind
	Success bool
	Skipped bool
	Error   string
}

// PullResult is the response of a pull-since request: records changed on
// the server after the given watermark, ids deleted there, and the server
// clock at the time of the pull.
type PullResult struct {
	Records  []Record `json:"records"`
	Deleted  []string `json:"deleted"`
	SyncTime int64    `json:"syncTime"`
}

// SyncResult is what every public engine operation returns. A failed sync
// never surfaces as a panic or error value: Success is false and Errors
// holds human-readable messages instead.
type SyncResult struct {
	Success        bool           `json:"success"`
	Cancelled      bool           `json:"cancelled"`
	Pushed         int            `json:"pushed"`
	Pulled         int            `json:"pulled"`
	Deleted        int            `json:"deleted"`
	ImagesUploaded int            `json:"imagesUploaded"`
	ImagesSkipped  int            `json:"imagesSkipped"`
	Conflicts      []ConflictInfo `json:"conflicts,omitempty"`
	Errors         []string       `json:"errors,omitempty"`
}

// AuditEntry is one line of the persisted sync history.
type AuditEntry struct {
	Time           int64    `json:"time"`
	Trigger        string   `json:"trigger"`
	Pushed         []string `json:"pushed,omitempty"`
	Pulled         []string `json:"pulled,omitempty"`
	ImagesUploaded int      `json:"imagesUploaded"`
	ImagesSkipped  int      `json:"imagesSkipped"`
	Errors         []string `json:"errors,omitempty"`
}
