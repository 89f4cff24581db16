// Package errors provides structured error handling with stable codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request errors
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// Experiment catalog errors
	CodeExperimentNotFound   Code = "EXPERIMENT_NOT_FOUND"
	CodeExperimentNotRunning Code = "EXPERIMENT_NOT_RUNNING"

	// Selection errors
	CodeNoReachableVariant Code = "NO_REACHABLE_VARIANT"

	// Storage errors
	CodePersistenceConflict Code = "PERSISTENCE_CONFLICT"
	CodeStorageUnavailable  Code = "STORAGE_UNAVAILABLE"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeExperimentNotFound:
		return http.StatusNotFound
	case CodeExperimentNotRunning:
		return http.StatusConflict
	case CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		// NO_REACHABLE_VARIANT is operator misconfiguration; PERSISTENCE_CONFLICT
		// is recovered internally and only reaches a response when recovery fails.
		return http.StatusInternalServerError
	}
}
