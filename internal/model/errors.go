package model

import "errors"

type ProviderError struct {
	Code       string
	Message    string
	Retryable  bool
	StatusCode int
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// AsProviderError unwraps err looking for a ProviderError.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsAbsent reports whether err says the remote object no longer exists.
// Index deletion treats this as success so expiry sweeps stay idempotent.
func IsAbsent(err error) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.StatusCode == 404
}

// IsRetryableProviderError reports whether the provider marked err as
// transient (rate limit, 5xx, network timeout).
func IsRetryableProviderError(err error) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.Retryable
}
