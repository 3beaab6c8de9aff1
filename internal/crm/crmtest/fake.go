// Package crmtest provides an in-memory CRM for tests.
package crmtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crm-sheet-sync/internal/crm"
	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/pkg/models"
)

type Update struct {
	EntityID string
	Fields   map[string]any
}

// Fake stores entities in memory. FailNext makes the next n updates fail
// with err.
type Fake struct {
	mu       sync.Mutex
	entities map[string]*crm.Entity
	updates  []Update
	failErr  error
	failLeft int
	Now      func() time.Time
}

func New() *Fake {
	return &Fake{entities: map[string]*crm.Entity{}, Now: time.Now}
}

func (f *Fake) Put(id string, fields map[string]any, modified time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	f.entities[id] = &crm.Entity{ID: id, Fields: cp, ModifiedAt: modified}
}

func (f *Fake) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failLeft, f.failErr = n, err
}

func (f *Fake) Updates() []Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Update(nil), f.updates...)
}

func (f *Fake) Value(id, field string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entities[id]; ok {
		return e.Fields[field]
	}
	return nil
}

func (f *Fake) GetEntity(_ context.Context, _ *models.SyncConfig, id string) (*crm.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return nil, syncerr.Permanent("crm.get", fmt.Errorf("entity %s not found", id))
	}
	cp := *e
	cp.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	return &cp, nil
}

func (f *Fake) UpdateEntity(_ context.Context, _ *models.SyncConfig, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLeft > 0 {
		f.failLeft--
		return f.failErr
	}
	e, ok := f.entities[id]
	if !ok {
		e = &crm.Entity{ID: id, Fields: map[string]any{}}
		f.entities[id] = e
	}
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		e.Fields[k] = v
		cp[k] = v
	}
	e.ModifiedAt = f.Now()
	f.updates = append(f.updates, Update{EntityID: id, Fields: cp})
	return nil
}
