package rate

import (
	"net/http"
	"strings"

	"snowpulse/logger"
)

// ReportRateLimitExceeded increments the rate limit exceeded counter for the
// given provider and endpoint and emits the metric to CloudWatch.
func ReportRateLimitExceeded(log *logger.Log, provider, endpoint, key string) {
	component := strings.ToLower(provider) + "_client"
	l := log.WithComponent(component)
	fields := logger.Fields{
		"provider": strings.ToLower(provider),
		"endpoint": endpoint,
		"key":      key,
	}
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportAuthRejected records a response that refused the API credential.
func ReportAuthRejected(log *logger.Log, provider, endpoint, key string) {
	component := strings.ToLower(provider) + "_client"
	l := log.WithComponent(component)
	fields := logger.Fields{
		"provider": strings.ToLower(provider),
		"endpoint": endpoint,
		"key":      key,
	}
	l.LogMetric(component, "auth_rejected", int64(1), "counter", fields)
	l.WithFields(fields).Error("api key rejected")
}

// detectLimit inspects the status and body returned by the upstream and
// determines whether it signals a rate limit or a rejected credential.
func detectLimit(status int, msg string) (rateLimit bool, authRejected bool) {
	lowerMsg := strings.ToLower(msg)
	rateLimit = status == http.StatusTooManyRequests ||
		strings.Contains(lowerMsg, "exceeded the maximum requests") ||
		strings.Contains(lowerMsg, "too many requests")
	authRejected = status == http.StatusUnauthorized || status == http.StatusForbidden ||
		(strings.Contains(lowerMsg, "api key") && (strings.Contains(lowerMsg, "unknown") || strings.Contains(lowerMsg, "invalid")))
	return
}

// ReportLimitFromResponse checks the response for rate limit or credential
// errors and records the matching metrics. It reports whether the response
// was a rate limit.
func ReportLimitFromResponse(log *logger.Log, provider, endpoint, key string, status int, msg string) bool {
	rateLimit, authRejected := detectLimit(status, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, provider, endpoint, key)
	}
	if authRejected {
		ReportAuthRejected(log, provider, endpoint, key)
	}
	return rateLimit
}
