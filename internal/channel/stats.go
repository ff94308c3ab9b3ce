package channel

import (
	"context"
	"sort"
	"sync"
	"time"

	"snowpulse/logger"
)

// TableStats counts what happened to the batches bound for one raw table.
type TableStats struct {
	BatchesAppended int64
	RowsAppended    int64
	BatchesDropped  int64
	RowsDropped     int64
	FetchErrors     int64
	LastOffset      int64
}

// Stats holds delivery counters per table. Pollers write to it and the
// runtime report reads it, so every access goes through statsMutex.
type Stats struct {
	tables     map[string]*TableStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewStats() *Stats {
	return &Stats{
		tables: make(map[string]*TableStats),
		log:    logger.GetLogger(),
	}
}

func (s *Stats) table(name string) *TableStats {
	ts, ok := s.tables[name]
	if !ok {
		ts = &TableStats{}
		s.tables[name] = ts
	}
	return ts
}

// RecordAppend notes a delivered batch ending at offset end.
func (s *Stats) RecordAppend(table string, rows int, end int64) {
	s.statsMutex.Lock()
	ts := s.table(table)
	ts.BatchesAppended++
	ts.RowsAppended += int64(rows)
	ts.LastOffset = end
	s.statsMutex.Unlock()
}

// RecordDrop notes a batch that failed to append and was discarded.
func (s *Stats) RecordDrop(table string, rows int) {
	s.statsMutex.Lock()
	ts := s.table(table)
	ts.BatchesDropped++
	ts.RowsDropped += int64(rows)
	s.statsMutex.Unlock()
}

// RecordFetchError notes a failed upstream fetch for a key of table.
func (s *Stats) RecordFetchError(table string) {
	s.statsMutex.Lock()
	s.table(table).FetchErrors++
	s.statsMutex.Unlock()
}

func (s *Stats) Get(table string) TableStats {
	s.statsMutex.RLock()
	defer s.statsMutex.RUnlock()
	if ts, ok := s.tables[table]; ok {
		return *ts
	}
	return TableStats{}
}

// Snapshot copies the counters of every table seen so far.
func (s *Stats) Snapshot() map[string]TableStats {
	s.statsMutex.RLock()
	defer s.statsMutex.RUnlock()
	out := make(map[string]TableStats, len(s.tables))
	for name, ts := range s.tables {
		out[name] = *ts
	}
	return out
}

// Fields flattens the snapshot into log fields for the runtime report.
func (s *Stats) Fields() logger.Fields {
	fields := logger.Fields{}
	for name, ts := range s.Snapshot() {
		fields[name+"_rows_appended"] = ts.RowsAppended
		fields[name+"_rows_dropped"] = ts.RowsDropped
		fields[name+"_fetch_errors"] = ts.FetchErrors
		fields[name+"_offset"] = ts.LastOffset
	}
	return fields
}

// StartMetricsReporting publishes the per-table counters every interval
// until ctx is done.
func (s *Stats) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.logChannelStats()
			}
		}
	}()
}

func (s *Stats) logChannelStats() {
	snapshot := s.Snapshot()
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	log := s.log.WithComponent("channels")
	for _, name := range names {
		ts := snapshot[name]
		fields := logger.Fields{"table": name}
		log.LogMetric("channels", "rows_ingested", ts.RowsAppended, "counter", fields)
		log.LogMetric("channels", "rows_dropped", ts.RowsDropped, "counter", fields)
		log.LogMetric("channels", "fetch_errors", ts.FetchErrors, "counter", fields)
	}
}
