package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"crm-sheet-sync/internal/ingest"
	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/pkg/models"

	"github.com/sirupsen/logrus"
)

// HandleSheet records a spreadsheet webhook and queues its delta. A second
// delivery of the same event returns ingest.ErrDuplicateEvent.
func (e *Engine) HandleSheet(ctx context.Context, eventID string, ev ingest.SheetEvent, payload []byte) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := e.record(ctx, models.EventSourceSheet, eventID, payload); err != nil {
		return err
	}
	deltas, err := e.SheetIn.Ingest(ctx, eventID, ev)
	if err != nil {
		return err
	}
	return e.dispatch(ctx, eventID, deltas)
}

// HandleCRM records a CRM notification and queues one delta per config
// tracking the entity.
func (e *Engine) HandleCRM(ctx context.Context, eventID string, ev ingest.CRMEvent, payload []byte) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := e.record(ctx, models.EventSourceCRM, eventID, payload); err != nil {
		return err
	}
	deltas, err := e.CRMIn.Ingest(ctx, eventID, ev)
	if err != nil {
		return err
	}
	return e.dispatch(ctx, eventID, deltas)
}

func (e *Engine) record(ctx context.Context, source models.EventSource, eventID string, payload []byte) error {
	if err := e.Events.Record(ctx, source, eventID, payload); err != nil {
		return err
	}
	e.archiving.Add(1)
	go func() {
		defer e.archiving.Done()
		actx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Archive.Archive(actx, string(source), eventID, payload); err != nil {
			e.Logger.WithField("event_id", eventID).Warnf("[ARCHIVE] ⚠️ raw payload not archived: %v", err)
		}
	}()
	return nil
}

// dispatch queues the deltas of one inbound event and marks the event
// processed once all of them went through. An event with a failed delta
// stays unprocessed and is replayed on the next start.
func (e *Engine) dispatch(ctx context.Context, eventID string, deltas []models.FieldDelta) error {
	if len(deltas) == 0 {
		return e.Events.MarkProcessed(ctx, eventID)
	}

	var remaining atomic.Int32
	var failed atomic.Bool
	remaining.Store(int32(len(deltas)))
	done := func(err error) {
		if err != nil {
			failed.Store(true)
		}
		if remaining.Add(-1) > 0 || failed.Load() {
			return
		}
		mctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Events.MarkProcessed(mctx, eventID); err != nil {
			e.Logger.WithField("event_id", eventID).Warnf("[ENGINE] ⚠️ %v", err)
		}
	}

	for i, d := range deltas {
		err := e.Submit(ctx, d, done)
		if errors.Is(err, ErrConfigDisabled) {
			done(nil)
			continue
		}
		if err != nil {
			for range deltas[i:] {
				done(err)
			}
			return err
		}
	}
	return nil
}

// ReplayUnprocessed re-ingests events that were recorded but never fully
// processed, oldest first. Deltas already consumed are skipped by their
// event claim.
func (e *Engine) ReplayUnprocessed(ctx context.Context) (int, error) {
	events, err := e.Events.Unprocessed(ctx, 0)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, ev := range events {
		logger := e.Logger.WithFields(logrus.Fields{"event_id": ev.ID, "source": ev.Source})
		deltas, err := e.redeliver(ctx, ev)
		if syncerr.IsValidation(err) {
			logger.Warnf("[ENGINE] ⚠️ stored payload is invalid, closing it: %v", err)
			if err := e.Events.MarkProcessed(ctx, ev.ID); err != nil {
				return replayed, err
			}
			continue
		}
		if err != nil {
			return replayed, fmt.Errorf("replay %s: %w", ev.ID, err)
		}
		if err := e.dispatch(ctx, ev.ID, deltas); err != nil {
			return replayed, err
		}
		replayed++
	}
	if replayed > 0 {
		e.Logger.Infof("[ENGINE] 🔁 replayed %d unprocessed event(s)", replayed)
	}
	return replayed, nil
}

func (e *Engine) redeliver(ctx context.Context, ev models.WebhookEvent) ([]models.FieldDelta, error) {
	const op = "replay"
	switch ev.Source {
	case models.EventSourceSheet:
		var se ingest.SheetEvent
		if err := json.Unmarshal(ev.Payload, &se); err != nil {
			return nil, syncerr.Validation(op, "payload", "%v", err)
		}
		return e.SheetIn.Ingest(ctx, ev.ID, se)
	case models.EventSourceCRM:
		var ce ingest.CRMEvent
		if err := json.Unmarshal(ev.Payload, &ce); err != nil {
			return nil, syncerr.Validation(op, "payload", "%v", err)
		}
		return e.CRMIn.Ingest(ctx, ev.ID, ce)
	}
	return nil, syncerr.Validation(op, "source", "unknown source %q", ev.Source)
}
