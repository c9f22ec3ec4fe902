// ABOUTME: Error taxonomy mapping heterogeneous provider failures to recovery actions
// ABOUTME: Classify folds sentinels, HTTP status hints, and message sniffing into one Class

package backend

import (
	"context"
	"errors"
	"strings"
)

// Sentinel errors adapters return (or wrap) for conditions the dispatcher
// acts on. Everything else classifies as unknown and spends retry budget.
var (
	// ErrConfigurationMissing means no credential or endpoint is configured
	// at all. Fatal for the request, never retried.
	ErrConfigurationMissing = errors.New("backend not configured")
	// ErrConversationNotFound means the provider lost the referenced
	// conversation; the stored record must be destroyed.
	ErrConversationNotFound = errors.New("conversation not found upstream")
	// ErrContextLengthExceeded means the conversation outgrew the provider's
	// window; the stored record must be destroyed.
	ErrContextLengthExceeded = errors.New("context length exceeded")
	// ErrRateLimited means the credential in use was throttled; rotate and
	// retry without spending budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrTimeout means the provider did not answer in time.
	ErrTimeout = errors.New("backend timed out")
	// ErrUnauthorized means the provider rejected the credential. Providers
	// behind reverse proxies report this spuriously, so it only decays the
	// retry budget fractionally.
	ErrUnauthorized = errors.New("unauthorized")
)

// Class is the recovery action a failure maps to.
type Class int

const (
	ClassUnknown Class = iota
	ClassConfigurationMissing
	ClassConversationNotFound
	ClassContextLengthExceeded
	ClassRateLimited
	ClassTimeout
	ClassUnauthorized
)

// String returns the class name used in logs and usage records.
func (c Class) String() string {
	switch c {
	case ClassConfigurationMissing:
		return "configuration_missing"
	case ClassConversationNotFound:
		return "conversation_not_found"
	case ClassContextLengthExceeded:
		return "context_length_exceeded"
	case ClassRateLimited:
		return "rate_limited"
	case ClassTimeout:
		return "timeout"
	case ClassUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// markers recognized in raw provider messages. Providers rarely agree on a
// wire format for failures, so classification falls back to sniffing the
// message the way the original operators did by hand.
var (
	rateLimitMarkers = []string{
		"rate limit", "ratelimited", "throttled", "too many requests", "429",
	}
	unauthorizedMarkers = []string{
		"unauthorized", "unauthorizedrequest", "401", "invalid api key",
		"token expired", "access denied",
	}
	notFoundMarkers = []string{
		"conversation not found",
	}
	contextMarkers = []string{
		"context_length_exceeded", "context length", "maximum context",
	}
	timeoutMarkers = []string{
		"timed out", "timeout", "deadline exceeded",
	}
)

// Classify maps any error an adapter returned onto the recovery taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	switch {
	case errors.Is(err, ErrConfigurationMissing):
		return ClassConfigurationMissing
	case errors.Is(err, ErrConversationNotFound):
		return ClassConversationNotFound
	case errors.Is(err, ErrContextLengthExceeded):
		return ClassContextLengthExceeded
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrUnauthorized):
		return ClassUnauthorized
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range notFoundMarkers {
		if strings.Contains(msg, marker) {
			return ClassConversationNotFound
		}
	}
	for _, marker := range contextMarkers {
		if strings.Contains(msg, marker) {
			return ClassContextLengthExceeded
		}
	}
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return ClassRateLimited
		}
	}
	for _, marker := range unauthorizedMarkers {
		if strings.Contains(msg, marker) {
			return ClassUnauthorized
		}
	}
	for _, marker := range timeoutMarkers {
		if strings.Contains(msg, marker) {
			return ClassTimeout
		}
	}
	return ClassUnknown
}
