// Package engine runs the sync pipeline: deltas are admitted per config,
// sharded by row onto a fixed set of workers and processed under the row
// lease, so one row is handled in arrival order while different rows run
// in parallel.
package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"crm-sheet-sync/internal/archive"
	"crm-sheet-sync/internal/ingest"
	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/internal/resolve"
	"crm-sheet-sync/internal/retry"
	"crm-sheet-sync/internal/rowlock"
	"crm-sheet-sync/internal/rowstate"
	"crm-sheet-sync/internal/synclog"
	"crm-sheet-sync/pkg/models"

	"github.com/sirupsen/logrus"
)

var (
	ErrConfigDisabled = errors.New("sync config is disabled")
	ErrShuttingDown   = errors.New("engine is shutting down")
)

type Deps struct {
	Registry  *mapping.Registry
	Rows      *rowstate.Store
	Log       *synclog.Log
	Events    *ingest.Events
	SheetIn   *ingest.SheetIngestor
	CRMIn     *ingest.CRMIngestor
	Refresher *ingest.Refresher
	Exec      *resolve.Executor
	Retry     *retry.Scheduler
	Locks     *rowlock.Locker
	Archive   archive.Archiver
	Logger    *logrus.Logger
}

type job struct {
	delta models.FieldDelta
	done  func(error)
}

type Engine struct {
	Deps

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	shards []chan job

	workers   sync.WaitGroup
	archiving sync.WaitGroup
}

// New starts workers shard workers, each with a queue of queueSize deltas.
func New(d Deps, workers, queueSize int) *Engine {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if d.Archive == nil {
		d.Archive = archive.Noop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{Deps: d, ctx: ctx, cancel: cancel, shards: make([]chan job, workers)}
	for i := range e.shards {
		e.shards[i] = make(chan job, queueSize)
		e.workers.Add(1)
		go e.work(i, e.shards[i])
	}
	d.Logger.Infof("[ENGINE] 🚀 %d workers started", workers)
	return e
}

func rowKey(k models.RowKey) string {
	return k.String()
}

func (e *Engine) shard(k models.RowKey) chan job {
	h := fnv.New32a()
	h.Write([]byte(rowKey(k)))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// Submit admits a delta if its config is enabled. done, when set, is called
// once the delta was processed or dropped. Submit blocks while the row's
// shard queue is full.
func (e *Engine) Submit(ctx context.Context, delta models.FieldDelta, done func(error)) error {
	table, err := e.Registry.Load(ctx, delta.ConfigID)
	if err != nil {
		return err
	}
	if !table.Config.Enabled {
		return ErrConfigDisabled
	}
	if done == nil {
		done = func(error) {}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrShuttingDown
	}
	select {
	case e.shard(delta.Key()) <- job{delta: delta, done: done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) work(id int, queue <-chan job) {
	defer e.workers.Done()
	for j := range queue {
		j.done(e.process(e.ctx, j.delta))
	}
	e.Logger.Debugf("[ENGINE] worker %d stopped", id)
}

func (e *Engine) process(ctx context.Context, delta models.FieldDelta) error {
	logger := e.Logger.WithFields(logrus.Fields{
		"config_id": delta.ConfigID,
		"row":       delta.RowNumber,
		"event_id":  delta.EventID,
	})
	table, err := e.Registry.Load(ctx, delta.ConfigID)
	if err != nil {
		logger.Errorf("[ENGINE] ❌ config unavailable: %v", err)
		return err
	}
	if !table.Config.Enabled {
		// admitted before the config was disabled but not started yet
		logger.Info("[ENGINE] ⏭️ config disabled, delta dropped")
		return nil
	}

	release, err := e.Locks.Acquire(ctx, rowKey(delta.Key()))
	if err != nil {
		return err
	}
	defer release()

	if _, err := e.Exec.Process(ctx, delta, table); err != nil {
		logger.Errorf("[ENGINE] ❌ delta not processed: %v", err)
		return err
	}
	return nil
}

// Shutdown stops admission and waits for queued deltas to finish. When ctx
// expires first, in-flight work is cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		for _, q := range e.shards {
			close(q)
		}
	}
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.workers.Wait()
		e.archiving.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		e.cancel()
		e.Logger.Info("[ENGINE] 🛑 queues drained")
		return nil
	case <-ctx.Done():
		e.cancel()
		<-drained
		return ctx.Err()
	}
}
