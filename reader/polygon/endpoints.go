package polygon

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// DailyBars returns the adjusted daily bars of ticker between from and to,
// both inclusive.
func (c *Client) DailyBars(ctx context.Context, ticker string, from, to time.Time) ([]map[string]any, error) {
	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/day/%s/%s",
		url.PathEscape(ticker), from.Format(dateLayout), to.Format(dateLayout))
	body, err := c.Get(ctx, path, url.Values{"adjusted": {"true"}})
	if err != nil {
		return nil, err
	}
	return Results(body), nil
}

// PreviousClose returns the previous trading day's bar of ticker.
func (c *Client) PreviousClose(ctx context.Context, ticker string) ([]map[string]any, error) {
	path := fmt.Sprintf("/v2/aggs/ticker/%s/prev", url.PathEscape(ticker))
	body, err := c.Get(ctx, path, url.Values{"adjusted": {"true"}})
	if err != nil {
		return nil, err
	}
	return Results(body), nil
}

// News returns the most recent articles mentioning any of tickers, newest
// first.
func (c *Client) News(ctx context.Context, tickers []string, limit int) ([]map[string]any, error) {
	params := url.Values{
		"ticker": {strings.Join(tickers, ",")},
		"limit":  {strconv.Itoa(limit)},
		"sort":   {"published_utc"},
		"order":  {"desc"},
	}
	body, err := c.Get(ctx, "/v2/reference/news", params)
	if err != nil {
		return nil, err
	}
	return Results(body), nil
}

// Results extracts the objects of the "results" array. A missing array
// yields no results; entries that are not objects are skipped.
func Results(body map[string]any) []map[string]any {
	raw, ok := body["results"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
