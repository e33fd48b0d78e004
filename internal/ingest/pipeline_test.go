package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/logsentry/internal/events"
	"github.com/marcus-qen/logsentry/internal/logstore"
	"github.com/marcus-qen/logsentry/internal/syslog"
	"go.uber.org/zap"
)

type failingAppender struct{}

func (failingAppender) Append(context.Context, syslog.Record) (int64, error) {
	return 0, errors.New("disk full")
}

func TestPipeline_StoresAndPublishes(t *testing.T) {
	store, err := logstore.Open(logstore.DriverSQLite, filepath.Join(t.TempDir(), "logs.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer func() { _ = store.Close() }()

	bus := events.NewBus(8)
	ch := bus.Subscribe("tail")
	defer bus.Unsubscribe("tail")

	p := NewPipeline(store, bus, zap.NewNop())
	if err := p.Handle(context.Background(), "<34>1 2026-03-04T10:00:00Z host su - ID47 - 'su root' failed"); err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if err := p.Handle(context.Background(), "not syslog at all"); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	entries, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 stored records, got %d", len(entries))
	}
	if entries[1].Record.AppName != "su" || entries[1].Record.Severity != 2 {
		t.Fatalf("unexpected parsed record: %+v", entries[1].Record)
	}
	if entries[0].Record.Facility != syslog.FallbackFacility || entries[0].Record.Message != "not syslog at all" {
		t.Fatalf("unexpected fallback record: %+v", entries[0].Record)
	}

	select {
	case evt := <-ch:
		if evt.Type != events.RecordIngested {
			t.Fatalf("event type = %s", evt.Type)
		}
		detail, ok := evt.Detail.(IngestedRecord)
		if !ok || detail.ID != entries[1].ID {
			t.Fatalf("unexpected event detail: %#v", evt.Detail)
		}
	case <-time.After(time.Second):
		t.Fatal("expected record.ingested event")
	}
}

func TestPipeline_StoreFailureIsReturnedNotPublished(t *testing.T) {
	bus := events.NewBus(8)
	ch := bus.Subscribe("tail")
	defer bus.Unsubscribe("tail")

	p := NewPipeline(failingAppender{}, bus, zap.NewNop())
	if err := p.Handle(context.Background(), "<13>Feb  5 17:32:18 host app: hi"); err == nil {
		t.Fatal("expected store error")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event after failed store: %+v", evt)
	default:
	}
}
