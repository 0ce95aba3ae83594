package errors

import "errors"

// Engine errors.
var (
	ErrSyncInFlight   = errors.New("a sync operation is already in progress")
	ErrCancelled      = errors.New("cancelled by user")
	ErrRecordNotFound = errors.New("record not found")
)

// Transport errors.
var (
	ErrOffline      = errors.New("remote store unreachable")
	ErrUploadFailed = errors.New("image upload failed")
)
