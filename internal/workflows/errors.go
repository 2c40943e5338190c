package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"
)

// errTypeInvalidInput marks activity inputs that can never succeed.
const errTypeInvalidInput = "InvalidInput"

// WrapActivityError wraps an activity error with the failing operation. A
// non-retryable application error in the chain keeps its type and stays
// non-retryable at the workflow boundary.
func WrapActivityError(operation string, err error) error {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.NonRetryable() {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("%s: %s", operation, appErr.Error()), appErr.Type(), err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

func invalidInput(err error) error {
	return temporal.NewNonRetryableApplicationError(err.Error(), errTypeInvalidInput, err)
}
