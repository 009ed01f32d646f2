package server

import "errors"

var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrDocumentExists    = errors.New("document already exists")
	ErrDuplicateSnapshot = errors.New("snapshot id already used")
	ErrRetriesExhausted  = errors.New("storage retries exhausted")
)
