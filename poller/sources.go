package poller

import (
	"context"
	"strings"
	"time"

	"snowpulse/config"
	"snowpulse/internal/dedup"
	"snowpulse/logger"
	"snowpulse/models"
)

const (
	HistoricalComponent = "historical_poller"
	AggregateComponent  = "aggregate_poller"
	NewsComponent       = "news_poller"
)

// newsKey is the single fetch key of the news poller, which asks for all
// tickers in one request.
const newsKey = "*"

// NewHistorical builds the poller that loads lookback days of daily bars
// per ticker once and then parks until shutdown.
func NewHistorical(ctx context.Context, api MarketData, tickers []string, cfg config.HistoricalConfig, deps Deps) (*Poller, error) {
	p, err := newPoller(ctx, HistoricalComponent, deps)
	if err != nil {
		return nil, err
	}
	lookback := cfg.LookbackDays
	if lookback <= 0 {
		lookback = 30
	}
	p.keys = append([]string(nil), tickers...)
	p.once = true
	p.park = cfg.Park
	if p.park <= 0 {
		p.park = time.Hour
	}
	p.fetch = func(ctx context.Context, ticker string) ([]models.Envelope, error) {
		now := time.Now().UTC()
		to := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		from := to.AddDate(0, 0, -lookback)
		bars, err := api.DailyBars(ctx, ticker, from, to)
		if err != nil {
			return nil, err
		}
		return wrapBars(bars, ticker, models.SourceHistoricalDaily, now), nil
	}
	return p, nil
}

// NewAggregate builds the poller that fetches the previous-day bar of
// every ticker each interval.
func NewAggregate(ctx context.Context, api MarketData, tickers []string, cfg config.AggregateConfig, deps Deps) (*Poller, error) {
	p, err := newPoller(ctx, AggregateComponent, deps)
	if err != nil {
		return nil, err
	}
	p.keys = append([]string(nil), tickers...)
	p.interval = cfg.Interval
	if p.interval <= 0 {
		p.interval = 60 * time.Second
	}
	p.fetch = func(ctx context.Context, ticker string) ([]models.Envelope, error) {
		bars, err := api.PreviousClose(ctx, ticker)
		if err != nil {
			return nil, err
		}
		return wrapBars(bars, ticker, models.SourcePeriodicAgg, time.Now()), nil
	}
	return p, nil
}

// NewNews builds the poller that fetches recent articles for all tickers
// each interval and forwards only ids it has not seen before.
func NewNews(ctx context.Context, api MarketData, tickers []string, cfg config.NewsConfig, deps Deps) (*Poller, error) {
	p, err := newPoller(ctx, NewsComponent, deps)
	if err != nil {
		return nil, err
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 50
	}
	seenCap, seenKeep := cfg.SeenCap, cfg.SeenKeep
	if seenCap <= 0 {
		seenCap = 5000
	}
	if seenKeep <= 0 || seenKeep > seenCap {
		seenKeep = seenCap / 2
	}
	seen := dedup.NewSeenSet(seenCap, seenKeep)
	symbols := append([]string(nil), tickers...)

	p.seen = seen
	p.keys = []string{newsKey}
	p.interval = cfg.Interval
	if p.interval <= 0 {
		p.interval = 300 * time.Second
	}
	p.fetch = func(ctx context.Context, _ string) ([]models.Envelope, error) {
		articles, err := api.News(ctx, symbols, limit)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		out := make([]models.Envelope, 0, len(articles))
		skipped := 0
		for _, article := range articles {
			id := articleID(article)
			if id == "" || !seen.Add(id) {
				skipped++
				continue
			}
			out = append(out, models.NewEnvelope(article, models.SourcePeriodicNews, "", now))
		}
		p.log.WithComponent(NewsComponent).WithFields(logger.Fields{
			"articles": len(articles),
			"new":      len(out),
			"skipped":  skipped,
		}).Debug("news fetched")
		return out, nil
	}
	p.afterCycle = func() {
		if evicted := seen.Trim(); evicted > 0 {
			p.log.WithComponent(NewsComponent).WithFields(logger.Fields{
				"evicted": evicted,
				"kept":    seen.Len(),
			}).Debug("seen set trimmed")
		}
	}
	return p, nil
}

func wrapBars(bars []map[string]any, ticker, source string, now time.Time) []models.Envelope {
	out := make([]models.Envelope, 0, len(bars))
	for _, bar := range bars {
		out = append(out, models.NewEnvelope(models.WithTicker(bar, ticker), source, ticker, now))
	}
	return out
}

func articleID(article map[string]any) string {
	id, ok := article["id"].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(id)
}
