// Package providers classifies LLMProvider errors for the Agent Loop's
// retry logic (spec.md §4.8). It owns no provider adapters or transport
// (explicit Non-goal) — only the error-shape/classification contract an
// adapter's errors are expected to satisfy.
package providers

import (
	"errors"
	"net/http"
	"strings"
)

// FailoverReason categorizes an LLM call failure for the Agent Loop's
// retry/abort decision (spec.md §4.8, §7).
type FailoverReason string

const (
	// FailoverBilling indicates payment/quota issues (HTTP 402).
	FailoverBilling FailoverReason = "billing"

	// FailoverRateLimit indicates rate limiting (HTTP 429, RateLimitError).
	FailoverRateLimit FailoverReason = "rate_limit"

	// FailoverAuth indicates authentication/authorization failure
	// (HTTP 401/403, AuthenticationError, PermissionDeniedError).
	FailoverAuth FailoverReason = "auth"

	// FailoverTimeout indicates the call exceeded its deadline
	// (APITimeoutError).
	FailoverTimeout FailoverReason = "timeout"

	// FailoverConnection indicates a transport-level failure reaching the
	// provider (APIConnectionError, connection reset/refused).
	FailoverConnection FailoverReason = "connection"

	// FailoverServerError indicates server-side issues (HTTP 5xx,
	// InternalServerError, ServiceUnavailableError, "overloaded").
	FailoverServerError FailoverReason = "server_error"

	// FailoverInvalidRequest indicates client-side issues (HTTP 400,
	// BadRequestError).
	FailoverInvalidRequest FailoverReason = "invalid_request"

	// FailoverModelUnavailable indicates the model is not available
	// (HTTP 404, NotFoundError).
	FailoverModelUnavailable FailoverReason = "model_unavailable"

	// FailoverContentFilter indicates the call was blocked by the
	// provider's content policy.
	FailoverContentFilter FailoverReason = "content_filter"

	// FailoverUnknown indicates an unclassified error.
	FailoverUnknown FailoverReason = "unknown"
)

// IsRetryable reports whether the Agent Loop should retry a call that
// failed for this reason (spec.md §4.8's retryable list: 429, 5xx, rate
// limit, overloaded, timeout, connection reset/refused).
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case FailoverRateLimit, FailoverTimeout, FailoverServerError, FailoverConnection:
		return true
	default:
		return false
	}
}

// ShouldFailover reports whether the error warrants trying a different
// model/provider rather than retrying the same one.
func (r FailoverReason) ShouldFailover() bool {
	switch r {
	case FailoverBilling, FailoverAuth, FailoverModelUnavailable:
		return true
	default:
		return false
	}
}

// ProviderError is the structured error shape an LLMProvider
// implementation may return from Complete; the Agent Loop only requires
// that errors be classifiable via ClassifyError, but wrapping them in a
// ProviderError lets a provider skip substring sniffing and set Reason
// directly.
type ProviderError struct {
	Reason    FailoverReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string

	parts = append(parts, "["+string(e.Reason)+"]")

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause, classifying it via ClassifyError.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   FailoverUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus attaches an HTTP status code and reclassifies accordingly.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Reason = classifyStatusCode(status)
	return e
}

// WithCode attaches a provider-specific error code and reclassifies if the
// code is recognized.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorName(code); reason != FailoverUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID attaches the provider's request id for debugging.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// retryableSubstrings are message fragments spec.md §4.8 names as
// retryable, checked case-insensitively.
var retryableSubstrings = []string{
	"429", "rate limit", "rate_limit",
	"overloaded",
	"timeout", "deadline exceeded", "context deadline",
	"connection reset", "connection refused",
	"500", "502", "503", "504", "internal server", "server error",
}

// nonRetryableSubstrings are message fragments spec.md §4.8 names as
// non-retryable, checked case-insensitively. Checked before the retryable
// list loses to more specific content (e.g. "403" shouldn't fall through
// to a retryable match).
var nonRetryableSubstrings = []string{
	"401", "403", "400", "404",
	"unauthorized", "authentication", "permission denied", "forbidden",
	"bad request", "not found", "content_filter", "content policy",
}

// namedClasses maps the exact provider SDK error-class names spec.md
// §4.8 lists to their FailoverReason, independent of message substring
// matching.
var namedClasses = map[string]FailoverReason{
	"apiconnectionerror":      FailoverConnection,
	"ratelimiterror":          FailoverRateLimit,
	"internalservererror":     FailoverServerError,
	"serviceunavailableerror": FailoverServerError,
	"apitimeouterror":         FailoverTimeout,
	"authenticationerror":     FailoverAuth,
	"badrequesterror":         FailoverInvalidRequest,
	"notfounderror":           FailoverModelUnavailable,
	"permissiondeniederror":   FailoverAuth,
}

// ClassifyError inspects err's type name and message and returns the
// FailoverReason spec.md §4.8's retry/non-retry lists assign it.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}

	if providerErr, ok := GetProviderError(err); ok && providerErr.Reason != FailoverUnknown {
		return providerErr.Reason
	}

	errStr := strings.ToLower(err.Error())

	for name, reason := range namedClasses {
		if strings.Contains(errStr, name) {
			return reason
		}
	}

	for _, substr := range nonRetryableSubstrings {
		if strings.Contains(errStr, substr) {
			return classifyNonRetryableSubstring(substr)
		}
	}

	for _, substr := range retryableSubstrings {
		if strings.Contains(errStr, substr) {
			return classifyRetryableSubstring(substr)
		}
	}

	return FailoverUnknown
}

func classifyNonRetryableSubstring(substr string) FailoverReason {
	switch substr {
	case "401", "403", "unauthorized", "authentication", "permission denied", "forbidden":
		return FailoverAuth
	case "400", "bad request":
		return FailoverInvalidRequest
	case "404", "not found":
		return FailoverModelUnavailable
	case "content_filter", "content policy":
		return FailoverContentFilter
	default:
		return FailoverUnknown
	}
}

func classifyRetryableSubstring(substr string) FailoverReason {
	switch substr {
	case "429", "rate limit", "rate_limit":
		return FailoverRateLimit
	case "timeout", "deadline exceeded", "context deadline":
		return FailoverTimeout
	case "connection reset", "connection refused":
		return FailoverConnection
	default:
		return FailoverServerError
	}
}

// classifyStatusCode returns a FailoverReason for an HTTP status code.
func classifyStatusCode(status int) FailoverReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailoverAuth
	case status == http.StatusPaymentRequired:
		return FailoverBilling
	case status == http.StatusTooManyRequests:
		return FailoverRateLimit
	case status == http.StatusBadRequest:
		return FailoverInvalidRequest
	case status == http.StatusNotFound:
		return FailoverModelUnavailable
	case status >= 500:
		return FailoverServerError
	default:
		return FailoverUnknown
	}
}

// classifyErrorName returns a FailoverReason for an exact provider-SDK
// error-class/code name (case-insensitive).
func classifyErrorName(name string) FailoverReason {
	if reason, ok := namedClasses[strings.ToLower(name)]; ok {
		return reason
	}
	switch strings.ToLower(name) {
	case "billing_error", "insufficient_quota":
		return FailoverBilling
	case "model_not_found", "model_not_available":
		return FailoverModelUnavailable
	case "content_policy_violation", "content_filter":
		return FailoverContentFilter
	default:
		return FailoverUnknown
	}
}

// IsProviderError reports whether err's chain contains a *ProviderError.
func IsProviderError(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr)
}

// GetProviderError extracts a *ProviderError from err's chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable reports whether the Agent Loop should retry err (spec.md
// §4.8's retry classification).
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}

// ShouldFailover reports whether err warrants trying a different
// provider/model rather than retrying the same one.
func ShouldFailover(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.ShouldFailover()
	}
	return ClassifyError(err).ShouldFailover()
}
