// Package syncerr defines the error taxonomy shared by the sync engine.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSyncInProgress        = errors.New("sync already in progress")
	ErrJobNotFound           = errors.New("sync job not found")
	ErrInvalidStatus         = errors.New("invalid status transition")
	ErrInvalidJobID          = errors.New("invalid job id")
	ErrInvalidInput          = errors.New("invalid input")
	ErrProvider              = errors.New("provider error")
	ErrTimeout               = errors.New("timeout")
	ErrCancelled             = errors.New("cancelled")
	ErrDatabase              = errors.New("database error")
	ErrInternal              = errors.New("internal error")
	ErrNotFound              = errors.New("not found")
	ErrNotAuthenticated      = errors.New("not authenticated")
	ErrProviderNotRegistered = errors.New("provider not registered")
	ErrNetworkRestricted     = errors.New("network restricted")
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one of
// the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrInternal
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind returns the taxonomy name of err, or "internal" when err carries no
// known marker.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSyncInProgress):
		return "sync_in_progress"
	case errors.Is(err, ErrJobNotFound):
		return "job_not_found"
	case errors.Is(err, ErrInvalidStatus):
		return "invalid_status"
	case errors.Is(err, ErrInvalidJobID):
		return "invalid_job_id"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, ErrProviderNotRegistered):
		return "provider_not_registered"
	case errors.Is(err, ErrNetworkRestricted):
		return "network_restricted"
	case errors.Is(err, ErrProvider):
		return "provider"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrDatabase):
		return "database"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "sync failure"
	}
	return strings.Join(parts, ": ")
}
