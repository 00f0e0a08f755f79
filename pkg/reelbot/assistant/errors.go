package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a failed completion call into a user-facing cause.
type ErrorKind int

const (
	// KindUnavailable covers failures without a provider status: network
	// errors, timeouts, empty answers.
	KindUnavailable ErrorKind = iota
	KindAuth
	KindNotFound
	KindQuota
	KindServer
	KindMissingKey
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindQuota:
		return "quota"
	case KindServer:
		return "server"
	case KindMissingKey:
		return "missing_key"
	default:
		return "unknown"
	}
}

// Classify maps a Completer error to its ErrorKind.
func Classify(err error) ErrorKind {
	if errors.Is(err, ErrMissingAPIKey) {
		return KindMissingKey
	}
	var apierr *APIError
	if !errors.As(err, &apierr) {
		return KindUnavailable
	}

	text := strings.ToLower(apierr.Reason + " " + apierr.Body)
	switch apierr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusPaymentRequired:
		return KindQuota
	case http.StatusBadRequest:
		if strings.Contains(text, "credits") ||
			strings.Contains(text, "insufficient_quota") ||
			strings.Contains(text, "billing") {
			return KindQuota
		}
	}
	if strings.Contains(text, "model_not_found") {
		return KindNotFound
	}
	return KindServer
}

// Notice returns the fixed user-facing message for a failed completion.
func Notice(err error) string {
	switch Classify(err) {
	case KindMissingKey:
		return "❌ API key missing. Ask the bot owner to set GROQ_API_KEY."
	case KindAuth:
		return "❌ Invalid AI API key. Contact the bot owner."
	case KindNotFound:
		return "❌ AI model not found. Contact the bot owner."
	case KindQuota:
		return "❌ AI credits low. Contact the bot owner."
	case KindServer:
		var apierr *APIError
		errors.As(err, &apierr)
		return fmt.Sprintf("❌ Server error %d. Please try later.", apierr.StatusCode)
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return "⌛ The AI took too long to answer. Please try again."
		}
		return "❌ Failed to answer. Please try again."
	}
}
