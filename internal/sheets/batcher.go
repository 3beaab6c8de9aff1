package sheets

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"crm-sheet-sync/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type statusKey struct {
	config uuid.UUID
	row    int
}

type pendingStatus struct {
	cfg    *models.SyncConfig
	status string
	seq    uint64
}

// StatusBatcher coalesces status-cell writes. Only the last status set for
// a row is written, and flushes run one at a time, so a row never shows an
// older status after a newer one.
type StatusBatcher struct {
	client   Client
	size     int
	interval time.Duration
	log      *logrus.Logger

	mu      sync.Mutex
	pending map[statusKey]pendingStatus
	seq     uint64

	kick    chan struct{}
	flushMu sync.Mutex
	running atomic.Bool
	done    chan struct{}
	stopped chan struct{}
}

func NewStatusBatcher(client Client, size int, interval time.Duration, log *logrus.Logger) *StatusBatcher {
	if size <= 0 {
		size = 50
	}
	return &StatusBatcher{
		client:   client,
		size:     size,
		interval: interval,
		log:      log,
		pending:  map[statusKey]pendingStatus{},
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Set queues status for a row. Configs without a status column are ignored.
func (b *StatusBatcher) Set(cfg *models.SyncConfig, row int, status string) {
	if cfg.StatusColumn < 0 {
		return
	}
	cp := *cfg
	cp.Mappings = nil

	b.mu.Lock()
	b.seq++
	b.pending[statusKey{cfg.ID, row}] = pendingStatus{cfg: &cp, status: status, seq: b.seq}
	full := len(b.pending) >= b.size
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Run flushes on size or interval until ctx is done, then flushes once more.
func (b *StatusBatcher) Run(ctx context.Context) {
	b.running.Store(true)
	defer close(b.stopped)
	interval := b.interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.kick:
			b.Flush(ctx)
		case <-b.done:
			b.Flush(context.Background())
			return
		case <-ctx.Done():
			b.Flush(context.Background())
			return
		}
	}
}

// Close stops Run after a final flush. Without Run it flushes directly.
func (b *StatusBatcher) Close() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	if b.running.Load() {
		<-b.stopped
		return
	}
	b.Flush(context.Background())
}

// Flush writes everything queued so far, one API call per config.
func (b *StatusBatcher) Flush(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.pending
	b.pending = map[statusKey]pendingStatus{}
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	type group struct {
		cfg  *models.SyncConfig
		rows map[int]string
		keys []statusKey
	}
	groups := map[uuid.UUID]*group{}
	for k, p := range batch {
		g, ok := groups[k.config]
		if !ok {
			g = &group{cfg: p.cfg, rows: map[int]string{}}
			groups[k.config] = g
		}
		g.rows[k.row] = p.status
		g.keys = append(g.keys, k)
	}

	for id, g := range groups {
		err := b.client.WriteStatusCells(ctx, g.cfg, g.rows)
		if err == nil {
			continue
		}
		b.log.WithFields(logrus.Fields{"config_id": id, "rows": len(g.rows)}).
			Warnf("[SHEETS] ⚠️ status flush failed, requeueing: %v", err)
		b.requeue(batch, g.keys)
	}
}

// requeue puts failed statuses back unless a newer one arrived meanwhile.
func (b *StatusBatcher) requeue(batch map[statusKey]pendingStatus, keys []statusKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		if cur, ok := b.pending[k]; ok && cur.seq > batch[k].seq {
			continue
		}
		b.pending[k] = batch[k]
	}
}

// Pending reports how many rows wait for a flush.
func (b *StatusBatcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
