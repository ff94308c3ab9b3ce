package writer

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"snowpulse/internal/offset"
	"snowpulse/models"
)

// parquetRow is one envelope in columnar form. Content and metadata stay
// structured: they are JSON-typed columns.
type parquetRow struct {
	RecordContent  string `parquet:"name=record_content, type=BYTE_ARRAY, convertedtype=JSON"`
	RecordMetadata string `parquet:"name=record_metadata, type=BYTE_ARRAY, convertedtype=JSON"`
	Source         string `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	Ticker         string `parquet:"name=ticker, type=BYTE_ARRAY, convertedtype=UTF8"`
	IngestedAt     int64  `parquet:"name=ingested_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	RowOffset      int64  `parquet:"name=row_offset, type=INT64"`
}

// memoryFileWriter implements source.ParquetFile over a byte buffer.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return mfw, nil }

// Seek only reports the write position; the parquet writer never seeks
// backwards.
func (mfw *memoryFileWriter) Seek(int64, int) (int64, error) { return int64(mfw.buffer.Len()), nil }
func (mfw *memoryFileWriter) Read(b []byte) (int, error)     { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error)    { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                   { return nil }
func (mfw *memoryFileWriter) Bytes() []byte                  { return mfw.buffer.Bytes() }

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "zstd":
		return parquet.CompressionCodec_ZSTD
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// encodeParquet renders rows as a single in-memory parquet file.
func encodeParquet(rows []models.Envelope, window offset.Window, compression string) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := pqwriter.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for i, row := range rows {
		content, metadata, err := encodeDocuments(row)
		if err != nil {
			pw.WriteStop()
			return nil, err
		}
		record := parquetRow{
			RecordContent:  string(content),
			RecordMetadata: string(metadata),
			Source:         row.Metadata.Source,
			Ticker:         row.Metadata.Ticker,
			IngestedAt:     row.Metadata.IngestedAt.UnixMilli(),
			RowOffset:      window.Start + int64(i),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}
