package data

import "errors"

// Sentinel errors shared by the cache, downloader and lifecycle packages.
// Callers branch on them with errors.Is.
var (
	ErrNotFound   = errors.New("model not found")
	ErrInvalidID  = errors.New("invalid model id")
	ErrNotBundled = errors.New("model is not bundled")

	// ErrNetwork wraps metadata or artifact fetch failures. Retrying is the
	// caller's decision.
	ErrNetwork = errors.New("network error")

	ErrSizeMismatch         = errors.New("artifact size mismatch")
	ErrTooSmall             = errors.New("artifact below minimum plausible size")
	ErrChecksumMismatch     = errors.New("artifact checksum mismatch")
	ErrUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")

	// ErrCacheWrite covers disk full, permissions and rename failures.
	ErrCacheWrite = errors.New("cache write failed")

	// ErrCancelled is the terminal outcome of a cancelled download. It is not
	// a failure and is never recorded as one.
	ErrCancelled = errors.New("download cancelled")

	ErrModelNotReady = errors.New("model not ready")
)

// IsIntegrity reports whether err is one of the integrity failures.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrSizeMismatch) ||
		errors.Is(err, ErrTooSmall) ||
		errors.Is(err, ErrChecksumMismatch)
}
