package session

import "errors"

var (
	// ErrSessionClosed is returned by every Session operation after teardown,
	// including a viewer blocked in Next.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotFound reports a lookup for a key that has no session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAlreadyRecording is returned by StartRecording on an active session.
	ErrAlreadyRecording = errors.New("session is already recording")
	// ErrNotRecording is returned by RotateRecording when nothing is being recorded.
	ErrNotRecording = errors.New("session is not recording")
)
