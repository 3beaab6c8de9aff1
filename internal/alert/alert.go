// Package alert tells people about rows that need attention: open
// conflicts and failures the engine gave up on.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Reason string

const (
	ReasonConflict Reason = "conflict"
	ReasonFailed   Reason = "failed"
)

type Alert struct {
	ConfigID   string
	ConfigName string
	RowNumber  int
	EntityID   string
	Reason     Reason
	Fields     []string
	Detail     string
}

func (a Alert) Title() string {
	if a.Reason == ReasonConflict {
		return fmt.Sprintf("Sync conflict in %s, row %d", a.ConfigName, a.RowNumber)
	}
	return fmt.Sprintf("Sync failed in %s, row %d", a.ConfigName, a.RowNumber)
}

func (a Alert) Body() string {
	var b strings.Builder
	if len(a.Fields) > 0 {
		fmt.Fprintf(&b, "Fields: %s.", strings.Join(a.Fields, ", "))
	}
	if a.Detail != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(a.Detail)
	}
	return b.String()
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Noop struct{}

func (Noop) Notify(context.Context, Alert) error { return nil }
