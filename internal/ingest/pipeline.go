// Package ingest accepts syslog over TCP and writes parsed records to the log
// store.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus-qen/logsentry/internal/events"
	"github.com/marcus-qen/logsentry/internal/metrics"
	"github.com/marcus-qen/logsentry/internal/syslog"
	"go.uber.org/zap"
)

// Appender is the log store write contract.
type Appender interface {
	Append(ctx context.Context, rec syslog.Record) (int64, error)
}

// IngestedRecord is the detail carried by record.ingested events.
type IngestedRecord struct {
	ID     int64         `json:"id"`
	Record syslog.Record `json:"record"`
}

// Pipeline parses decoded messages and appends them to the store.
type Pipeline struct {
	store  Appender
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewPipeline creates a pipeline. bus may be nil.
func NewPipeline(store Appender, bus *events.Bus, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:  store,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Handle parses msg and stores the resulting record. Parsing never fails;
// the returned error is a store failure, already logged and counted.
func (p *Pipeline) Handle(ctx context.Context, msg string) error {
	rec := syslog.ParseAt(msg, p.now())
	metrics.RecordParsed(syslog.DetectFormat(msg))

	id, err := p.store.Append(ctx, rec)
	if err != nil {
		metrics.StoreErrorsTotal.Inc()
		p.logger.Warn("failed to store log record",
			zap.String("hostname", rec.Hostname),
			zap.String("app_name", rec.AppName),
			zap.Error(err))
		return fmt.Errorf("append record: %w", err)
	}

	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:    events.RecordIngested,
			Summary: fmt.Sprintf("%s %s: %s", rec.Hostname, rec.AppName, rec.Message),
			Detail:  IngestedRecord{ID: id, Record: rec},
		})
	}
	return nil
}
