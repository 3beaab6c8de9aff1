// Package sheets talks to the spreadsheet (source B).
package sheets

import (
	"context"

	"crm-sheet-sync/pkg/models"
)

// Human-visible values of the status column.
const (
	StatusSynced         = "synced"
	StatusPending        = "pending"
	StatusNeedsAttention = "needs attention"
)

// Client reads and writes single rows. Columns are 0-based, rows are the
// sheet's own 1-based row numbers.
type Client interface {
	ReadRow(ctx context.Context, cfg *models.SyncConfig, row int) (map[int]any, error)
	WriteCells(ctx context.Context, cfg *models.SyncConfig, row int, cells map[int]any) error
	// WriteStatusCells sets the status column of several rows in one call.
	WriteStatusCells(ctx context.Context, cfg *models.SyncConfig, statuses map[int]string) error
}
