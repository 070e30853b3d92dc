package discovery

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConfig marks a target whose configuration cannot be crawled.
	ErrConfig = errors.New("invalid target configuration")
	// ErrScoring marks a candidate missing mandatory fields.
	ErrScoring = errors.New("malformed candidate")
	// ErrRateLimited is returned when a fetch is attempted without a valid permit
	// or the remote answers 429.
	ErrRateLimited = errors.New("rate limited")
)

// FetchErrorKind classifies network failures.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchTimeout     FetchErrorKind = "timeout"
	FetchUnreachable FetchErrorKind = "unreachable"
	FetchRateLimited FetchErrorKind = "rate_limited"
	FetchHTTPError   FetchErrorKind = "http_error"
)

// FetchError is returned by Fetcher implementations.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == FetchHTTPError:
		return fmt.Sprintf("fetch %s: http %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRateLimited) match rate-limited fetch failures.
func (e *FetchError) Is(target error) bool {
	return target == ErrRateLimited && e.Kind == FetchRateLimited
}

// HTTPStatusError builds the FetchError for a non-success status code. 429 is
// reported as rate limited.
func HTTPStatusError(rawURL string, status int) *FetchError {
	if status == http.StatusTooManyRequests {
		return &FetchError{Kind: FetchRateLimited, StatusCode: status, URL: rawURL}
	}
	return &FetchError{Kind: FetchHTTPError, StatusCode: status, URL: rawURL}
}

// ErrorKind is the run-level error taxonomy used for scheduling decisions.
type ErrorKind string

// Run error kinds.
const (
	KindConfig         ErrorKind = "config_error"
	KindTransientFetch ErrorKind = "transient_fetch_error"
	KindPermanentFetch ErrorKind = "permanent_fetch_error"
	KindRateLimited    ErrorKind = "rate_limited"
	KindScoring        ErrorKind = "scoring_error"
)

// Classify maps an error from any stage of a run onto an ErrorKind. Errors
// that carry no classification (store outages and the like) are transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrConfig) {
		return KindConfig
	}
	if errors.Is(err, ErrScoring) {
		return KindScoring
	}
	if errors.Is(err, ErrRateLimited) {
		return KindRateLimited
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.Kind == FetchHTTPError && fe.StatusCode >= 400 && fe.StatusCode < 500 {
			return KindPermanentFetch
		}
		return KindTransientFetch
	}
	return KindTransientFetch
}

// Retryable reports whether the scheduler should retry the target with backoff.
func (k ErrorKind) Retryable() bool {
	return k == KindTransientFetch || k == KindRateLimited
}
