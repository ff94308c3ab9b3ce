package models

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func TestEnvelopeJSON(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	env := NewEnvelope(WithTicker(map[string]any{"c": 101.5}, "AAPL"), SourcePeriodicAgg, "AAPL", now)

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	content, ok := out["RECORD_CONTENT"].(map[string]any)
	if !ok {
		t.Fatalf("content must stay an object, got %T", out["RECORD_CONTENT"])
	}
	if content["ticker"] != "AAPL" || content["c"] != 101.5 {
		t.Errorf("unexpected content: %v", content)
	}
	meta := out["RECORD_METADATA"].(map[string]any)
	if meta["source"] != SourcePeriodicAgg || meta["ticker"] != "AAPL" {
		t.Errorf("unexpected metadata: %v", meta)
	}
}

func TestNewsMetadataHasNoTicker(t *testing.T) {
	env := NewEnvelope(map[string]any{"id": "a1"}, SourcePeriodicNews, "", time.Now())
	if _, ok := env.Metadata.Map()["ticker"]; ok {
		t.Fatalf("news metadata must not carry a ticker")
	}

	data, err := json.Marshal(env.Metadata)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := out["ticker"]; ok {
		t.Fatalf("ticker should be omitted: %s", data)
	}
}

func TestWithTickerDoesNotMutateInput(t *testing.T) {
	bar := map[string]any{"o": 1.0}
	out := WithTicker(bar, "MSFT")
	if _, ok := bar["ticker"]; ok {
		t.Fatalf("input map was mutated")
	}
	if out["ticker"] != "MSFT" || out["o"] != 1.0 {
		t.Fatalf("unexpected output: %v", out)
	}
}

func TestNewEnvelopeNilContent(t *testing.T) {
	env := NewEnvelope(nil, SourceHistoricalDaily, "TSLA", time.Now())
	if env.Content == nil {
		t.Fatalf("content must never be nil")
	}
}
