package writer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"snowpulse/config"
	"snowpulse/logger"
	"snowpulse/models"
)

// FileClient writes NDJSON files under dir/<table>/. It is meant for local
// development.
type FileClient struct {
	name  string
	table string
	dir   string
	log   *logger.Log
}

func NewFileClient(cfg config.FileConfig, ch config.ChannelConfig) (*FileClient, error) {
	dir := filepath.Join(cfg.Dir, ch.Table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sink directory: %w", err)
	}
	c := &FileClient{name: ch.Client, table: ch.Table, dir: dir, log: logger.GetLogger()}
	c.log.WithComponent("file_channel").WithFields(logger.Fields{
		"client": ch.Client,
		"table":  ch.Table,
		"dir":    dir,
	}).Debug("file client initialized")
	return c, nil
}

func (c *FileClient) Name() string  { return c.name }
func (c *FileClient) Table() string { return c.table }

// OpenChannel opens <channel>.ndjson for appending.
func (c *FileClient) OpenChannel(_ context.Context, name string) (IngestChannel, error) {
	path := filepath.Join(c.dir, name+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open channel file: %w", err)
	}
	c.log.WithComponent("file_channel").WithFields(logger.Fields{"table": c.table, "channel": name, "path": path}).Info("channel opened")
	return &fileChannel{name: name, table: c.table, file: f, log: c.log}, nil
}

func (c *FileClient) Close() error { return nil }

type fileChannel struct {
	name  string
	table string
	mu    sync.Mutex
	file  *os.File
	log   *logger.Log
}

func (ch *fileChannel) Name() string { return ch.name }

func (ch *fileChannel) AppendRows(_ context.Context, rows []models.Envelope, startOffset, endOffset string) error {
	if _, err := parseWindow(startOffset, endOffset, len(rows)); err != nil {
		return err
	}
	data, err := encodeNDJSON(rows)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.file == nil {
		return fmt.Errorf("channel %s is closed", ch.name)
	}
	if _, err := ch.file.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", ch.file.Name(), err)
	}
	if err := ch.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", ch.file.Name(), err)
	}

	logger.LogDataFlowEntry(ch.log.WithComponent("file_channel").WithFields(logger.Fields{
		"start_offset": startOffset,
		"end_offset":   endOffset,
	}), ch.name, ch.table, len(rows), "rows")
	return nil
}

func (ch *fileChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.file == nil {
		return nil
	}
	err := ch.file.Close()
	ch.file = nil
	return err
}
