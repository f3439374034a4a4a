// Package storage holds the persistence adapters behind the detection
// pipeline: a MinIO artifact store for stills and clips and a PostgreSQL
// store for accounts, detection logs and notification records.
package storage

import (
	"errors"
	"path/filepath"
	"strings"
)

// StorageError represents a storage operation error
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotExist returns true if the error indicates the object doesn't exist
func IsNotExist(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode == 404
	}
	return false
}

// IsAccessDenied returns true if the error indicates access was denied
func IsAccessDenied(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode == 403
	}
	return false
}

// detectContentType guesses a content type from the file extension
func detectContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".mp4":
		return "video/mp4"
	case ".avi":
		return "video/x-msvideo"
	default:
		return "application/octet-stream"
	}
}
