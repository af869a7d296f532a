package llm

import (
	"errors"
	"fmt"
)

// TransportError wraps network and provider-side failures: timeouts,
// connection errors, 5xx and 429 responses. These are the retryable class.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StructuredOutputError reports that a model failed to produce schema-valid
// JSON within the configured retry budget. Raw carries the last reply.
type StructuredOutputError struct {
	Model    string
	Attempts int
	Raw      string
	Err      error
}

func (e *StructuredOutputError) Error() string {
	return fmt.Sprintf("structured output from %s failed after %d attempts: %v", e.Model, e.Attempts, e.Err)
}

func (e *StructuredOutputError) Unwrap() error { return e.Err }

// ContextOverflowError reports that a prompt cannot fit the model's window
// even after pruning.
type ContextOverflowError struct {
	Model     string
	Estimated int
	Limit     int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("prompt for %s estimated at %d tokens exceeds window of %d", e.Model, e.Estimated, e.Limit)
}

// IsRetryable reports whether an error is worth retrying at the transport level.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
