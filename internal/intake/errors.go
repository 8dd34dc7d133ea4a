package intake

import "errors"

// Guard and orchestration rejections. The API layer maps these to stable
// client-visible statuses; wrapped causes stay server-side.
var (
	// ErrNotAbsolute rejects relative or empty document paths.
	ErrNotAbsolute = errors.New("pdf_path must be an absolute path")

	// ErrNotFound signals a missing or unreadable document.
	ErrNotFound = errors.New("PDF not found")

	// ErrWrongType rejects paths that are not regular .pdf files.
	ErrWrongType = errors.New("pdf_path must point to a .pdf file")

	// ErrOutsideAllowlist rejects canonical paths with no allowlisted ancestor.
	ErrOutsideAllowlist = errors.New("pdf_path is outside allowed directories")

	// ErrUnknownParser rejects force_parser values outside the recognized set.
	ErrUnknownParser = errors.New("invalid parser")

	// ErrQueueFull is the backpressure rejection at admission time.
	ErrQueueFull = errors.New("job queue is full")

	// ErrBreakerOpen is returned while the circuit breaker refuses backend calls.
	ErrBreakerOpen = errors.New("circuit breaker is open")

	// ErrTimeout marks a job whose backend call exceeded its deadline.
	ErrTimeout = errors.New("processing timed out")

	// ErrJobNotFound signals an unknown job id.
	ErrJobNotFound = errors.New("job not found")
)
