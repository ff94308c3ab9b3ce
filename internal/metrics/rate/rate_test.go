package rate

import (
	"bytes"
	"testing"

	"snowpulse/logger"
)

func TestReportRateLimitExceeded(t *testing.T) {
	log := logger.Logger()
	log.SetOutput(&bytes.Buffer{})
	ReportRateLimitExceeded(log, "polygon", "/v2/aggs/ticker/AAPL/prev", "AAPL")

	warns, _ := logger.ComponentCounts("polygon_client")
	if warns < 1 {
		t.Fatalf("expected warn to be counted for polygon_client")
	}
}

func TestDetectLimit(t *testing.T) {
	cases := []struct {
		status int
		msg    string
		rate   bool
		auth   bool
	}{
		{429, "", true, false},
		{200, "You've exceeded the maximum requests per minute", true, false},
		{401, "Unknown API Key", false, true},
		{403, "NOT_AUTHORIZED", false, true},
		{500, "internal error", false, false},
		{200, "hello world", false, false},
	}
	for _, c := range cases {
		rl, auth := detectLimit(c.status, c.msg)
		if rl != c.rate {
			t.Errorf("status %d %q: expected rateLimit %v got %v", c.status, c.msg, c.rate, rl)
		}
		if auth != c.auth {
			t.Errorf("status %d %q: expected auth %v got %v", c.status, c.msg, c.auth, auth)
		}
	}
}

func TestReportLimitFromResponse(t *testing.T) {
	log := logger.Logger()
	log.SetOutput(&bytes.Buffer{})
	if !ReportLimitFromResponse(log, "polygon", "/v2/reference/news", "", 429, "") {
		t.Fatalf("429 should be reported as a rate limit")
	}
	if ReportLimitFromResponse(log, "polygon", "/v2/reference/news", "", 502, "bad gateway") {
		t.Fatalf("502 is not a rate limit")
	}
}
