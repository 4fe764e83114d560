package main

import "errors"

// Error kinds surfaced by the pipeline. Stage code wraps these with
// fmt.Errorf("...: %w", ...) so callers branch with errors.Is and the
// audit trail keeps the full chain.
var (
	// ErrInvalidInput is the caller's fault and is never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrClassificationUnavailable covers model errors and timeouts during
	// gatekeeping. Transient: retried with backoff, then surfaced.
	ErrClassificationUnavailable = errors.New("classification unavailable")

	// ErrModelUnavailable covers model errors and timeouts outside the
	// gatekeeper stage (synthesis). Transient, retried with backoff.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrContextIndexUnavailable is non-fatal: the pipeline proceeds with
	// empty context and records the degradation.
	ErrContextIndexUnavailable = errors.New("context index unavailable")

	// ErrSynthesisFormat means the model returned output that does not
	// parse into a valid draft. Retried once with a stricter prompt.
	ErrSynthesisFormat = errors.New("synthesis format")

	// ErrPublish wraps tracker failures with the raw tracker response
	// preserved for operator triage. Retried once, idempotently.
	ErrPublish = errors.New("publish failed")
)

// errKind returns the stable name of the sentinel behind err, for audit
// records and HTTP responses.
func errKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrClassificationUnavailable):
		return "classification_unavailable"
	case errors.Is(err, ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, ErrContextIndexUnavailable):
		return "context_index_unavailable"
	case errors.Is(err, ErrSynthesisFormat):
		return "synthesis_format"
	case errors.Is(err, ErrPublish):
		return "publish_error"
	default:
		return "internal"
	}
}
