package domain

import (
	"errors"
	"fmt"
)

// ErrAuthentication is returned when webhook verification does not match.
var ErrAuthentication = errors.New("webhook verification failed")

// ErrSessionNotFound is returned when deleting a user with no mapping.
var ErrSessionNotFound = errors.New("session not found")

// DownloadError reports a failed audio fetch from the messaging platform.
type DownloadError struct {
	MediaID string
	Status  int
	Err     error
}

func (e *DownloadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("download media %s: status %d: %v", e.MediaID, e.Status, e.Err)
	}
	return fmt.Sprintf("download media %s: %v", e.MediaID, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// TranscriptionError wraps a TranscriptionResult that reported failure.
type TranscriptionError struct {
	Reason string
}

func (e *TranscriptionError) Error() string { return "transcription failed: " + e.Reason }

// SessionCreationError is returned by the session registry when the engine
// could not create a session.
type SessionCreationError struct {
	UserKey string
	Err     error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("create session for %s: %v", e.UserKey, e.Err)
}

func (e *SessionCreationError) Unwrap() error { return e.Err }

// EngineError carries the upstream status and body of a failed engine call.
// Status is 0 for transport failures.
type EngineError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *EngineError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("engine %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *EngineError) Unwrap() error { return e.Err }

// DeliveryError is returned when the messaging platform rejects a send.
type DeliveryError struct {
	RecipientID string
	Status      int
	Body        string
	Err         error
}

func (e *DeliveryError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("deliver to %s: %v", e.RecipientID, e.Err)
	}
	return fmt.Sprintf("deliver to %s: status %d: %s", e.RecipientID, e.Status, e.Body)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
