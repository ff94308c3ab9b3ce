package writer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	kafka "github.com/segmentio/kafka-go"

	"snowpulse/config"
	"snowpulse/models"
)

var testChannel = config.ChannelConfig{Client: "agg_client", Table: "RAW_AGGREGATES", Channel: "agg_channel"}

func sampleRows() []models.Envelope {
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	return []models.Envelope{
		models.NewEnvelope(map[string]any{"ticker": "AAPL", "c": 190.1}, models.SourcePeriodicAgg, "AAPL", now),
		models.NewEnvelope(map[string]any{"ticker": "MSFT", "c": 410.2}, models.SourcePeriodicAgg, "MSFT", now),
	}
}

func TestParseWindow(t *testing.T) {
	w, err := parseWindow("6", "8", 2)
	if err != nil {
		t.Fatalf("parseWindow: %v", err)
	}
	if w.Start != 6 || w.End != 8 {
		t.Fatalf("unexpected window %+v", w)
	}

	cases := []struct{ start, end string }{
		{"x", "2"},
		{"0", "y"},
		{"0", "3"},
	}
	for _, c := range cases {
		if _, err := parseWindow(c.start, c.end, 2); err == nil {
			t.Errorf("parseWindow(%s,%s) should fail", c.start, c.end)
		}
	}
}

func TestNewUnknownSink(t *testing.T) {
	if _, err := New(context.Background(), config.SinkConfig{Type: "snowflake"}, testChannel, "test"); err == nil {
		t.Fatal("expected error for unknown sink type")
	}
}

func TestNewKafkaRequiresBrokers(t *testing.T) {
	cfg := config.Default().Sink
	cfg.Type = config.SinkKafka
	if _, err := New(context.Background(), cfg, testChannel, "test"); err == nil {
		t.Fatal("expected error without brokers")
	}
}

func TestFileChannel(t *testing.T) {
	dir := t.TempDir()
	client, err := New(context.Background(), config.SinkConfig{Type: config.SinkFile, File: config.FileConfig{Dir: dir}}, testChannel, "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Close()
	if client.Name() != "agg_client" || client.Table() != "RAW_AGGREGATES" {
		t.Fatalf("unexpected client identity %s/%s", client.Name(), client.Table())
	}

	ch, err := client.OpenChannel(context.Background(), "agg_channel")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if err := ch.AppendRows(context.Background(), sampleRows(), "0", "2"); err != nil {
		t.Fatalf("AppendRows: %v", err)
	}
	if err := ch.AppendRows(context.Background(), sampleRows()[:1], "2", "3"); err != nil {
		t.Fatalf("AppendRows: %v", err)
	}
	if err := ch.AppendRows(context.Background(), sampleRows(), "3", "4"); err == nil {
		t.Fatal("mismatched window should be rejected")
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := ch.AppendRows(context.Background(), sampleRows()[:1], "3", "4"); err == nil {
		t.Fatal("append after close should fail")
	}

	f, err := os.Open(filepath.Join(dir, "RAW_AGGREGATES", "agg_channel.ndjson"))
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line map[string]any
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	if _, ok := lines[0]["RECORD_CONTENT"].(map[string]any); !ok {
		t.Errorf("content must be an object, got %T", lines[0]["RECORD_CONTENT"])
	}
}

type fakeMessageWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeMessageWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeMessageWriter) Close() error {
	f.closed = true
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafkaChannel(t *testing.T) {
	fake := &fakeMessageWriter{}
	client := newKafkaClient(testChannel, "snowpulse.raw_aggregates", fake)
	ch, err := client.OpenChannel(context.Background(), "agg_channel")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	if err := ch.AppendRows(context.Background(), sampleRows(), "6", "8"); err != nil {
		t.Fatalf("AppendRows: %v", err)
	}
	if len(fake.msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(fake.msgs))
	}
	first := fake.msgs[0]
	if string(first.Key) != "AAPL" {
		t.Errorf("key = %s, want AAPL", first.Key)
	}
	if header(first, "row_offset") != "6" || header(fake.msgs[1], "row_offset") != "7" {
		t.Errorf("unexpected row offsets")
	}
	if header(first, "start_offset") != "6" || header(first, "end_offset") != "8" {
		t.Errorf("unexpected window headers: %v", first.Headers)
	}

	var env map[string]any
	if err := json.Unmarshal(first.Value, &env); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if _, ok := env["RECORD_CONTENT"].(map[string]any); !ok {
		t.Errorf("content must be an object")
	}

	if err := client.Close(); err != nil || !fake.closed {
		t.Fatalf("Close: %v closed=%v", err, fake.closed)
	}
}

func TestKafkaNewsKeyedByChannel(t *testing.T) {
	fake := &fakeMessageWriter{}
	client := newKafkaClient(config.ChannelConfig{Client: "news_client", Table: "RAW_NEWS"}, "snowpulse.raw_news", fake)
	ch, _ := client.OpenChannel(context.Background(), "news_channel")
	rows := []models.Envelope{models.NewEnvelope(map[string]any{"id": "a1"}, models.SourcePeriodicNews, "", time.Now())}
	if err := ch.AppendRows(context.Background(), rows, "0", "1"); err != nil {
		t.Fatalf("AppendRows: %v", err)
	}
	if string(fake.msgs[0].Key) != "news_channel" {
		t.Errorf("key = %s, want news_channel", fake.msgs[0].Key)
	}
}

func TestKafkaWriteFailure(t *testing.T) {
	fake := &fakeMessageWriter{err: errors.New("broker down")}
	client := newKafkaClient(testChannel, "t", fake)
	ch, _ := client.OpenChannel(context.Background(), "agg_channel")
	if err := ch.AppendRows(context.Background(), sampleRows(), "0", "2"); err == nil {
		t.Fatal("expected write failure")
	}
}

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3ChannelNDJSON(t *testing.T) {
	fake := &fakePutter{}
	cfg := config.S3Config{Bucket: "snowpulse-raw", Prefix: "snowpulse", Format: "json"}
	client := newS3Client(cfg, testChannel, "1.0.0", fake)
	client.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

	ch, _ := client.OpenChannel(context.Background(), "agg_channel")
	if err := ch.AppendRows(context.Background(), sampleRows(), "0", "2"); err != nil {
		t.Fatalf("AppendRows: %v", err)
	}
	if len(fake.inputs) != 1 {
		t.Fatalf("uploads = %d, want 1", len(fake.inputs))
	}
	in := fake.inputs[0]
	key := *in.Key
	wantPrefix := "snowpulse/table=RAW_AGGREGATES/channel=agg_channel/year=2025/month=03/day=04/hour=05/"
	if !strings.HasPrefix(key, wantPrefix) || !strings.HasSuffix(key, ".ndjson") {
		t.Errorf("unexpected key %s", key)
	}
	if !strings.Contains(key, "00000000000000000000-00000000000000000002_") {
		t.Errorf("key should carry the offset window: %s", key)
	}
	if *in.Bucket != "snowpulse-raw" || in.Metadata["end-offset"] != "2" || in.Metadata["snowpulse-version"] != "1.0.0" {
		t.Errorf("unexpected input: %+v", in)
	}
	if lines := bytes.Count(fake.bodies[0], []byte("\n")); lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}
}

func TestS3ChannelParquet(t *testing.T) {
	fake := &fakePutter{}
	cfg := config.S3Config{Bucket: "snowpulse-raw", Prefix: "snowpulse", Format: "parquet", Compression: "snappy"}
	client := newS3Client(cfg, testChannel, "1.0.0", fake)

	ch, _ := client.OpenChannel(context.Background(), "agg_channel")
	if err := ch.AppendRows(context.Background(), sampleRows(), "4", "6"); err != nil {
		t.Fatalf("AppendRows: %v", err)
	}
	body := fake.bodies[0]
	if len(body) < 8 || string(body[:4]) != "PAR1" || string(body[len(body)-4:]) != "PAR1" {
		t.Fatalf("body is not a parquet file (%d bytes)", len(body))
	}
	if !strings.HasSuffix(*fake.inputs[0].Key, ".parquet") {
		t.Errorf("unexpected key %s", *fake.inputs[0].Key)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	ups, err := fs.Glob(migrationFiles, "migrations/*.up.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	downs, _ := fs.Glob(migrationFiles, "migrations/*.down.sql")
	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("expected paired migrations, got %d up and %d down", len(ups), len(downs))
	}
}
