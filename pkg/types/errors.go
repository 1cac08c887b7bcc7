package types

import "errors"

// Error kinds shared by every core package. Packages wrap these with context
// using fmt.Errorf("pkg: ...: %w", kind); callers match with [errors.Is].
var (
	// ErrInvalidInput reports empty or short buffers, non-finite samples, or
	// feature vectors of mismatched length.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidConfig reports a configuration rejected at construction time.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrNotInitialized reports use of a component that was never constructed
	// or has been closed.
	ErrNotInitialized = errors.New("not initialized")

	// ErrInsufficientData reports a score request before enough frames exist,
	// or against an empty or missing master call.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrSessionNotFound reports an unknown or destroyed session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrProcessingFailed reports an internal, recoverable transform failure.
	ErrProcessingFailed = errors.New("processing failed")

	// ErrFFTFailed reports a failure inside the FFT backend.
	ErrFFTFailed = errors.New("fft failed")
)

// ErrInvalidSession is an alias of [ErrSessionNotFound].
var ErrInvalidSession = ErrSessionNotFound
