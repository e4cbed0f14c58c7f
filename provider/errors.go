package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"claude-bridge/types"
)

// classifyHTTPStatus maps an upstream non-2xx response into spec §7's error
// taxonomy. body is the (possibly truncated) response payload, inspected
// only to distinguish OverloadedError from a generic APIError on a 5xx.
func classifyHTTPStatus(status int, body string) *types.ProviderError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewProviderError(types.KindAuthentication, "upstream rejected credentials", status, nil)
	case status == http.StatusBadRequest:
		return types.NewProviderError(types.KindInvalidRequest, firstLine(body), status, nil)
	case status == http.StatusTooManyRequests:
		return types.NewProviderError(types.KindRateLimit, "upstream rate limit exceeded", status, nil)
	case status >= 500 && looksOverloaded(body):
		return types.NewProviderError(types.KindOverloaded, "upstream reported overload", status, nil)
	case status >= 500:
		return types.NewProviderError(types.KindAPIError, firstLine(body), status, nil)
	default:
		return types.NewProviderError(types.KindAPIError, firstLine(body), status, nil)
	}
}

func looksOverloaded(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "overloaded") || strings.Contains(lower, "capacity")
}

func firstLine(body string) string {
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[:i]
	}
	const maxLen = 500
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	return body
}

// classifyTransportErr maps a failure that never produced an HTTP response
// at all: cancellation, a dial/read timeout, connection reset, DNS failure.
func classifyTransportErr(err error) *types.ProviderError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return types.NewProviderError(types.KindCancelled, "request cancelled", 0, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.NewProviderError(types.KindNetwork, "upstream timed out", 0, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewProviderError(types.KindNetwork, "upstream timed out", 0, err)
	}
	return types.NewProviderError(types.KindNetwork, "upstream request failed", 0, err)
}
