package githost

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
)

var (
	// ErrNotFound is returned for 404 responses on reads that have no
	// absent-result form.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a ref that already exists.
	ErrAlreadyExists = errors.New("already exists")
)

// APIError is a failed hosting-service call.
type APIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// wrapError classifies a go-github failure. 404 wraps ErrNotFound; a 422 or
// any message saying the ref already exists wraps ErrAlreadyExists.
func wrapError(op string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	status := getStatusCode(resp)
	switch {
	case status == http.StatusNotFound:
		err = fmt.Errorf("%w: %w", ErrNotFound, err)
	case status == http.StatusUnprocessableEntity, mentionsExisting(err):
		err = fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}
	return &APIError{Op: op, StatusCode: status, Err: err}
}

func mentionsExisting(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "reference already exists")
}

// IsNotFound reports whether err is a 404 from the hosting service.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err says the target already exists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

func getStatusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}
