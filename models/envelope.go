package models

import (
	"time"
)

// Source tags carried in RECORD_METADATA.source.
const (
	SourceHistoricalDaily = "historical_daily"
	SourcePeriodicAgg     = "periodic_agg"
	SourcePeriodicNews    = "periodic_news"
)

// Metadata describes where and when a record was ingested. Ticker is empty
// for records that are not tied to a single symbol (news).
type Metadata struct {
	IngestedAt time.Time `json:"ingested_at"`
	Source     string    `json:"source"`
	Ticker     string    `json:"ticker,omitempty"`
}

// Map returns the metadata as structured data for sinks that store it as a
// document column.
func (m Metadata) Map() map[string]any {
	out := map[string]any{
		"ingested_at": m.IngestedAt.UTC().Format(time.RFC3339Nano),
		"source":      m.Source,
	}
	if m.Ticker != "" {
		out["ticker"] = m.Ticker
	}
	return out
}

// Envelope is one row of a raw table. Content is the decoded upstream
// payload and is never a pre-serialized string.
type Envelope struct {
	Content  map[string]any `json:"RECORD_CONTENT"`
	Metadata Metadata       `json:"RECORD_METADATA"`
}

// NewEnvelope wraps content with metadata stamped at now.
func NewEnvelope(content map[string]any, source, ticker string, now time.Time) Envelope {
	if content == nil {
		content = map[string]any{}
	}
	return Envelope{
		Content: content,
		Metadata: Metadata{
			IngestedAt: now.UTC(),
			Source:     source,
			Ticker:     ticker,
		},
	}
}

// WithTicker returns a shallow copy of bar with the ticker field set.
func WithTicker(bar map[string]any, ticker string) map[string]any {
	out := make(map[string]any, len(bar)+1)
	for k, v := range bar {
		out[k] = v
	}
	out["ticker"] = ticker
	return out
}
