package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New(CodeRunNotFound, "pipeline run not found", http.StatusNotFound),
			want: "RUN_NOT_FOUND: pipeline run not found",
		},
		{
			name: "with wrapped error",
			err:  Wrap(fmt.Errorf("db error"), CodePersistenceFailed, "store failure", http.StatusInternalServerError),
			want: "PIPELINE_PERSISTENCE_FAILED: store failure: db error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap(inner, "CODE", "msg", 500)

	if !errors.Is(appErr, inner) {
		t.Error("errors.Is should match inner error")
	}
}

func TestIsAppError(t *testing.T) {
	appErr := ErrRunNotFoundf("run-1")
	wrapped := fmt.Errorf("wrapped: %w", appErr)

	got, ok := IsAppError(wrapped)
	if !ok {
		t.Fatal("IsAppError should return true for wrapped AppError")
	}
	if got.Code != CodeRunNotFound {
		t.Errorf("Code = %q, want %q", got.Code, CodeRunNotFound)
	}
	if got.Params["run_id"] != "run-1" {
		t.Errorf("Params[run_id] = %v, want run-1", got.Params["run_id"])
	}
	if !errors.Is(wrapped, ErrNotFound) {
		t.Error("run not found should match ErrNotFound")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
	err := fmt.Errorf("ingest: %w", ErrInputInvalidf("tapes/a.csv", errors.New("bad header")))
	if got := CodeOf(err); got != CodeInputInvalid {
		t.Errorf("CodeOf = %q, want %q", got, CodeInputInvalid)
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantStatus int
	}{
		{"NotFound", NotFound("NF", "not found"), http.StatusNotFound},
		{"BadRequest", BadRequest("BR", "bad request"), http.StatusBadRequest},
		{"Conflict", Conflict("CF", "conflict"), http.StatusConflict},
		{"Unprocessable", Unprocessable("UP", "unprocessable"), http.StatusUnprocessableEntity},
		{"Internal", Internal("IE", "internal"), http.StatusInternalServerError},
		{"Persistence", ErrPersistencef("commit", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.HTTPStatus != tt.wantStatus {
				t.Errorf("HTTPStatus = %d, want %d", tt.err.HTTPStatus, tt.wantStatus)
			}
		})
	}
}
