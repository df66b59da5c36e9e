package connector

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// FaultKind classifies a connector failure. The orchestrator's retry behavior
// is driven entirely by this classification.
type FaultKind int

const (
	// FaultTransient covers network errors and vendor 5xx responses.
	FaultTransient FaultKind = iota
	// FaultAuthExpired means the access token was rejected.
	FaultAuthExpired
	// FaultRateLimited means the vendor throttled us; RetryAfter holds the
	// vendor-supplied minimum wait.
	FaultRateLimited
	// FaultPermanent covers non-auth 4xx responses and malformed payloads.
	FaultPermanent
)

func (k FaultKind) String() string {
	switch k {
	case FaultAuthExpired:
		return "auth_expired"
	case FaultRateLimited:
		return "rate_limited"
	case FaultPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Fault is the error type every connector returns for a failed vendor call.
type Fault struct {
	Kind       FaultKind
	RetryAfter time.Duration
	Err        error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}

	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault wraps err with a classification.
func NewFault(kind FaultKind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// NewRateLimited wraps err as a rate-limit fault with the vendor wait.
func NewRateLimited(retryAfter time.Duration, err error) *Fault {
	return &Fault{Kind: FaultRateLimited, RetryAfter: retryAfter, Err: err}
}

// KindOf extracts the fault kind from err. Unclassified errors (context
// cancellation aside) are treated as transient so they stay retryable.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}

	return FaultTransient
}

// RetryAfterOf extracts the vendor-supplied wait from a rate-limit fault,
// zero otherwise.
func RetryAfterOf(err error) time.Duration {
	var f *Fault
	if errors.As(err, &f) && f.Kind == FaultRateLimited {
		return f.RetryAfter
	}

	return 0
}

// ClassifyResponse maps an HTTP response to a fault, or nil when the status
// indicates success. Shared by the connector implementations.
func ClassifyResponse(resp *http.Response, err error) *Fault {
	if err != nil {
		return NewFault(FaultTransient, err)
	}

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return NewFault(FaultAuthExpired, fmt.Errorf("vendor returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewRateLimited(parseRetryAfter(resp), fmt.Errorf("vendor returned 429"))
	case resp.StatusCode >= 500:
		return NewFault(FaultTransient, fmt.Errorf("vendor returned %d", resp.StatusCode))
	default:
		return NewFault(FaultPermanent, fmt.Errorf("vendor returned %d", resp.StatusCode))
	}
}

const defaultRetryAfter = time.Minute

func parseRetryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return defaultRetryAfter
	}

	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}

	return defaultRetryAfter
}
