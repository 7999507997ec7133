package domain

import "errors"

var (
	// ErrNotReady is returned when scoring is requested before artifacts are published.
	ErrNotReady = errors.New("model not ready")

	// ErrFeatureMismatch is returned when feature names disagree with the loaded artifacts.
	ErrFeatureMismatch = errors.New("feature mismatch")

	// ErrArtifactLoad wraps any failure while reading or decoding the artifact bundle.
	ErrArtifactLoad = errors.New("artifact load failed")

	// ErrInvalidTransaction is returned when a transaction fails input validation.
	ErrInvalidTransaction = errors.New("invalid transaction")
)
