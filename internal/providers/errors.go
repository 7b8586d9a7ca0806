package providers

import (
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

// ErrNoProvider indicates no generation provider is configured.
var ErrNoProvider = errors.New("no provider configured")

// IsRateLimit reports whether the error looks like an upstream rate
// limit or transient overload. The turn executor retries exactly once
// on these before degrading to a synthetic reply.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}

	var oaiErr *openai.APIError
	if errors.As(err, &oaiErr) {
		return oaiErr.HTTPStatusCode == 429 || oaiErr.HTTPStatusCode == 529
	}

	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		return antErr.StatusCode == 429 || antErr.StatusCode == 529
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "overloaded")
}
