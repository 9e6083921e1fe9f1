package ingest

import (
	"context"
	"log/slog"
	"time"

	"banwatch/internal/aggregate"
	"banwatch/internal/model"
	"banwatch/internal/parse"
	"banwatch/internal/storage"
)

// Pipeline fans lines from all sources into one event stream feeding
// the aggregator and the optional storage sink.
type Pipeline struct {
	agg    *aggregate.Aggregator
	store  storage.Store
	events chan model.LogEvent
	logger *slog.Logger
}

func NewPipeline(agg *aggregate.Aggregator, store storage.Store, buffer int, logger *slog.Logger) *Pipeline {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Pipeline{
		agg:    agg,
		store:  store,
		events: make(chan model.LogEvent, buffer),
		logger: logger,
	}
}

// HandleLine parses one raw line and queues the event. Lines that match
// no pattern are counted and dropped.
func (p *Pipeline) HandleLine(ctx context.Context, line string, source model.SourceKind) bool {
	ev, ok := parse.Parse(line, source)
	if !ok {
		p.agg.CountSkipped()
		return false
	}
	return p.send(ctx, ev)
}

func (p *Pipeline) send(ctx context.Context, ev model.LogEvent) bool {
	select {
	case p.events <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if p.logger != nil {
			p.logger.Warn("event channel full, dropping event", "source", ev.Source, "timestamp", ev.Timestamp)
		}
		return false
	}
}

// Run consumes the event stream until ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			p.agg.Ingest(ev)
			if p.store != nil {
				if err := p.store.SaveEvent(ctx, ev); err != nil && p.logger != nil {
					p.logger.Warn("event store write failed", "err", err)
				}
			}
		}
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
