// Package poller runs the fetch, transform and append cycle of one raw
// table. A Poller is built by one of NewHistorical, NewAggregate or NewNews;
// all three share the same core and differ only in what they fetch and how
// they are scheduled.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"snowpulse/internal/channel"
	"snowpulse/internal/dedup"
	"snowpulse/internal/offset"
	"snowpulse/logger"
	"snowpulse/models"
	"snowpulse/writer"
)

// State is the position of a poller in its cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateAppending
	StateParked
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateAppending:
		return "appending"
	case StateParked:
		return "parked"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarketData is the upstream API used by the pollers.
type MarketData interface {
	DailyBars(ctx context.Context, ticker string, from, to time.Time) ([]map[string]any, error)
	PreviousClose(ctx context.Context, ticker string) ([]map[string]any, error)
	News(ctx context.Context, tickers []string, limit int) ([]map[string]any, error)
}

// Deps are the collaborators every poller needs.
type Deps struct {
	Client        writer.IngestClient
	Channel       string
	Stats         *channel.Stats
	AppendTimeout time.Duration
}

type fetchFunc func(ctx context.Context, key string) ([]models.Envelope, error)

// Poller repeatedly fetches every key, appends the collected envelopes as
// one batch and waits for the next cycle. The offset counter is owned by
// the poller goroutine and is never shared.
type Poller struct {
	name  string
	table string
	keys  []string
	fetch fetchFunc

	// afterCycle runs once at the end of every completed cycle.
	afterCycle func()
	// seen is set for news pollers only.
	seen *dedup.SeenSet

	interval time.Duration
	// once pollers run a single complete cycle and then park.
	once   bool
	park   time.Duration
	loaded bool

	client        writer.IngestClient
	channel       writer.IngestChannel
	offsets       offset.Counter
	stats         *channel.Stats
	appendTimeout time.Duration

	state     atomic.Int32
	total     atomic.Int64
	closeOnce sync.Once
	closeErr  error
	log       *logger.Log
}

func newPoller(ctx context.Context, name string, deps Deps) (*Poller, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("%s: ingest client is required", name)
	}
	ch, err := deps.Client.OpenChannel(ctx, deps.Channel)
	if err != nil {
		return nil, fmt.Errorf("%s: open channel %s: %w", name, deps.Channel, err)
	}
	stats := deps.Stats
	if stats == nil {
		stats = channel.NewStats()
	}
	timeout := deps.AppendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Poller{
		name:          name,
		table:         deps.Client.Table(),
		client:        deps.Client,
		channel:       ch,
		stats:         stats,
		appendTimeout: timeout,
		log:           logger.GetLogger(),
	}, nil
}

// Name returns the poller's component name.
func (p *Poller) Name() string { return p.name }

// State returns the current state.
func (p *Poller) State() State { return State(p.state.Load()) }

// Total returns the number of rows appended so far.
func (p *Poller) Total() int64 { return p.total.Load() }

// Offset returns the start of the next offset window.
func (p *Poller) Offset() int64 { return p.offsets.Position() }

func (p *Poller) setState(s State) {
	for {
		cur := p.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if p.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Run loops until ctx is done. The first cycle starts immediately.
func (p *Poller) Run(ctx context.Context) error {
	log := p.log.WithComponent(p.name).WithFields(logger.Fields{"table": p.table, "channel": p.channel.Name()})
	log.WithFields(logger.Fields{"keys": len(p.keys), "interval": p.interval.String()}).Info("poller started")

	for {
		if _, err := p.FetchAndIngest(ctx); err != nil {
			log.WithError(err).Debug("cycle finished with errors")
		}
		if ctx.Err() != nil {
			log.Info("poller stopped")
			return nil
		}

		if p.once && p.loaded {
			p.setState(StateParked)
			if !wait(ctx, p.park) {
				log.Info("poller stopped")
				return nil
			}
			log.Debug("parked poller woke, load already complete")
			continue
		}

		p.setState(StateIdle)
		if !wait(ctx, p.interval) {
			log.Info("poller stopped")
			return nil
		}
	}
}

// FetchAndIngest runs one cycle and returns the number of rows appended.
// Per-key fetch errors are logged and skipped. An append failure drops the
// batch and is returned. When ctx is done between keys the cycle stops
// early and still appends what it collected.
func (p *Poller) FetchAndIngest(ctx context.Context) (int, error) {
	if p.once && p.loaded {
		return 0, nil
	}
	log := p.log.WithComponent(p.name)

	p.setState(StateFetching)
	start := time.Now()
	var (
		batch       []models.Envelope
		interrupted bool
		failed      int
	)
	for _, key := range p.keys {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		rows, err := p.fetch(ctx, key)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				log.WithFields(logger.Fields{"ticker": key}).Debug("fetch interrupted by shutdown")
				interrupted = true
				break
			}
			failed++
			p.stats.RecordFetchError(p.table)
			log.WithError(err).WithFields(logger.Fields{"ticker": key}).Error("fetch failed")
			continue
		}
		batch = append(batch, rows...)
	}
	logger.LogPerformanceEntry(log, p.name, "fetch", time.Since(start), logger.Fields{
		"keys":   len(p.keys),
		"failed": failed,
		"rows":   len(batch),
	})

	var appendErr error
	appended := 0
	if len(batch) > 0 {
		if appendErr = p.appendBatch(ctx, batch); appendErr == nil {
			appended = len(batch)
		}
	} else {
		log.Debug("no new records this cycle")
	}

	if p.afterCycle != nil {
		p.afterCycle()
	}
	if p.once && !interrupted {
		p.loaded = true
	}
	return appended, appendErr
}

// appendBatch delivers batch on a context detached from shutdown, so rows
// collected before a shutdown request are still appended.
func (p *Poller) appendBatch(ctx context.Context, batch []models.Envelope) error {
	window := p.offsets.Next(len(batch))
	log := p.log.WithComponent(p.name).WithFields(logger.Fields{
		"table":        p.table,
		"rows":         len(batch),
		"start_offset": window.Start,
		"end_offset":   window.End,
	})

	p.setState(StateAppending)
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.appendTimeout)
	defer cancel()

	if err := p.channel.AppendRows(appendCtx, batch, window.StartToken(), window.EndToken()); err != nil {
		p.stats.RecordDrop(p.table, len(batch))
		log.WithError(err).Error("append failed, batch dropped")
		p.log.LogMetric(p.name, "rows_dropped", int64(len(batch)), "counter", logger.Fields{"table": p.table})
		return fmt.Errorf("append %d rows to %s: %w", len(batch), p.table, err)
	}

	total := p.total.Add(int64(len(batch)))
	p.stats.RecordAppend(p.table, len(batch), window.End)
	log.WithFields(logger.Fields{"total_ingested": total}).Info("rows appended")
	logger.LogDataFlowEntry(log, p.name, p.table, len(batch), "envelope")
	p.log.LogMetric(p.name, "rows_ingested", int64(len(batch)), "counter", logger.Fields{"table": p.table})
	return nil
}

// Close closes the channel and then the client. Only the first call does
// any work; later calls return the same result.
func (p *Poller) Close() error {
	p.closeOnce.Do(func() {
		p.state.Store(int32(StateClosed))
		var errs []error
		if err := p.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel %s: %w", p.channel.Name(), err))
		}
		if err := p.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close client %s: %w", p.client.Name(), err))
		}
		p.closeErr = errors.Join(errs...)

		p.log.WithComponent(p.name).WithFields(logger.Fields{
			"table":          p.table,
			"total_ingested": p.total.Load(),
		}).Info("poller closed")
	})
	return p.closeErr
}

// wait sleeps for d and reports false if ctx ended first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
