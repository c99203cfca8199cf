package errors

import "net/http"

// Pipeline error codes. Record-level rule violations are data, not errors,
// and never appear here.
const (
	CodeInputInvalid         = "PIPELINE_INPUT_INVALID"
	CodeTapeNotFound         = "PIPELINE_TAPE_NOT_FOUND"
	CodePersistenceFailed    = "PIPELINE_PERSISTENCE_FAILED"
	CodeOutputFailed         = "PIPELINE_OUTPUT_FAILED"
	CodeArchiveFailed        = "PIPELINE_ARCHIVE_FAILED"
	CodeRunCancelled         = "PIPELINE_RUN_CANCELLED"
	CodePhaseFailed          = "PIPELINE_PHASE_FAILED"
	CodeAsyncUnavailable     = "PIPELINE_ASYNC_UNAVAILABLE"
	CodeStorageFailed        = "STORAGE_OPERATION_FAILED"
	CodeStoragePathForbidden = "STORAGE_PATH_FORBIDDEN"
	CodeInternal             = "INTERNAL_ERROR"
)

// Run lookup and request codes.
const (
	CodeRunNotFound       = "RUN_NOT_FOUND"
	CodeInvalidRunRequest = "INVALID_RUN_REQUEST"
)

// ErrRunNotFoundf creates a run not found error.
func ErrRunNotFoundf(runID string) *AppError {
	return &AppError{
		Code:       CodeRunNotFound,
		Message:    "pipeline run not found",
		HTTPStatus: http.StatusNotFound,
		Params:     map[string]interface{}{"run_id": runID},
		Err:        ErrNotFound,
	}
}

// ErrInputInvalidf creates an input error for a malformed or unreadable tape.
func ErrInputInvalidf(path string, err error) *AppError {
	return &AppError{
		Code:       CodeInputInvalid,
		Message:    "input tape is malformed or unreadable",
		HTTPStatus: http.StatusUnprocessableEntity,
		Params:     map[string]interface{}{"path": path},
		Err:        err,
	}
}

// ErrPersistencef wraps a run record store failure.
func ErrPersistencef(op string, err error) *AppError {
	return &AppError{
		Code:       CodePersistenceFailed,
		Message:    "run record store write failed",
		HTTPStatus: http.StatusInternalServerError,
		Params:     map[string]interface{}{"op": op},
		Err:        err,
	}
}
