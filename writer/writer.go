// Package writer delivers envelopes to append-only, offset-tracked sinks.
// Each raw table is reached through one IngestClient that opens a single
// IngestChannel.
package writer

import (
	"context"
	"fmt"
	"strconv"

	"snowpulse/config"
	"snowpulse/internal/offset"
	"snowpulse/models"
)

// IngestChannel appends rows to one raw table. The offsets are decimal
// tokens of the half-open window [startOffset, endOffset) that the rows
// occupy in the channel.
type IngestChannel interface {
	Name() string
	AppendRows(ctx context.Context, rows []models.Envelope, startOffset, endOffset string) error
	Close() error
}

// IngestClient opens channels bound to its table.
type IngestClient interface {
	Name() string
	Table() string
	OpenChannel(ctx context.Context, name string) (IngestChannel, error)
	Close() error
}

// New builds the client selected by cfg.Type for the table described by ch.
func New(ctx context.Context, cfg config.SinkConfig, ch config.ChannelConfig, version string) (IngestClient, error) {
	switch cfg.Type {
	case config.SinkPostgres:
		return NewPostgresClient(ctx, cfg.Postgres, ch)
	case config.SinkS3:
		return NewS3Client(ctx, cfg.S3, ch, version)
	case config.SinkKafka:
		return NewKafkaClient(cfg.Kafka, ch)
	case config.SinkFile:
		return NewFileClient(cfg.File, ch)
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}

// parseWindow decodes the offset tokens and checks that they cover exactly
// n rows.
func parseWindow(startOffset, endOffset string, n int) (offset.Window, error) {
	start, err := strconv.ParseInt(startOffset, 10, 64)
	if err != nil {
		return offset.Window{}, fmt.Errorf("invalid start offset %q: %w", startOffset, err)
	}
	end, err := strconv.ParseInt(endOffset, 10, 64)
	if err != nil {
		return offset.Window{}, fmt.Errorf("invalid end offset %q: %w", endOffset, err)
	}
	w := offset.Window{Start: start, End: end}
	if w.Len() != int64(n) {
		return offset.Window{}, fmt.Errorf("offset window [%d,%d) does not match %d rows", start, end, n)
	}
	return w, nil
}
