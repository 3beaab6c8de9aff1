// Package sheetstest provides an in-memory spreadsheet for tests.
package sheetstest

import (
	"context"
	"sync"

	"crm-sheet-sync/pkg/models"

	"github.com/google/uuid"
)

type Write struct {
	ConfigID uuid.UUID
	Row      int
	Cells    map[int]any
}

type Fake struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]map[int]map[int]any
	status   map[uuid.UUID]map[int]string
	writes   []Write
	failErr  error
	failLeft int
}

func New() *Fake {
	return &Fake{
		rows:   map[uuid.UUID]map[int]map[int]any{},
		status: map[uuid.UUID]map[int]string{},
	}
}

// PutRow seeds a row without recording a write.
func (f *Fake) PutRow(configID uuid.UUID, row int, cells map[int]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.row(configID, row)
	for c, v := range cells {
		f.rows[configID][row][c] = v
	}
}

func (f *Fake) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failLeft, f.failErr = n, err
}

func (f *Fake) Cell(configID uuid.UUID, row, col int) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[configID][row][col]
}

func (f *Fake) Status(configID uuid.UUID, row int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[configID][row]
}

func (f *Fake) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Write(nil), f.writes...)
}

func (f *Fake) row(configID uuid.UUID, row int) map[int]any {
	if f.rows[configID] == nil {
		f.rows[configID] = map[int]map[int]any{}
	}
	if f.rows[configID][row] == nil {
		f.rows[configID][row] = map[int]any{}
	}
	return f.rows[configID][row]
}

func (f *Fake) ReadRow(_ context.Context, cfg *models.SyncConfig, row int) (map[int]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[int]any{}
	for c, v := range f.rows[cfg.ID][row] {
		out[c] = v
	}
	return out, nil
}

func (f *Fake) WriteCells(_ context.Context, cfg *models.SyncConfig, row int, cells map[int]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLeft > 0 {
		f.failLeft--
		return f.failErr
	}
	r := f.row(cfg.ID, row)
	cp := map[int]any{}
	for c, v := range cells {
		r[c] = v
		cp[c] = v
	}
	f.writes = append(f.writes, Write{ConfigID: cfg.ID, Row: row, Cells: cp})
	return nil
}

func (f *Fake) WriteStatusCells(_ context.Context, cfg *models.SyncConfig, statuses map[int]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status[cfg.ID] == nil {
		f.status[cfg.ID] = map[int]string{}
	}
	for r, s := range statuses {
		f.status[cfg.ID][r] = s
	}
	return nil
}
