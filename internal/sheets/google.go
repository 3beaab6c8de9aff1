package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/pkg/models"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"
)

// Google is the Sheets API v4 implementation of Client.
type Google struct {
	srv     *gsheets.Service
	timeout time.Duration
	log     *logrus.Logger
}

func NewGoogle(ctx context.Context, credentialsJSON []byte, timeout time.Duration, log *logrus.Logger) (*Google, error) {
	return newGoogle(ctx, timeout, log, option.WithCredentialsJSON(credentialsJSON))
}

func newGoogle(ctx context.Context, timeout time.Duration, log *logrus.Logger, opts ...option.ClientOption) (*Google, error) {
	srv, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Sheets client: %w", err)
	}
	return &Google{srv: srv, timeout: timeout, log: log}, nil
}

func (g *Google) ReadRow(ctx context.Context, cfg *models.SyncConfig, row int) (map[int]any, error) {
	ctx, cancel := g.deadline(ctx)
	defer cancel()

	resp, err := g.srv.Spreadsheets.Values.Get(cfg.SheetID, rowRange(cfg, row)).
		ValueRenderOption("UNFORMATTED_VALUE").
		DateTimeRenderOption("FORMATTED_STRING").
		Context(ctx).Do()
	if err != nil {
		return nil, classify("sheets.read", err)
	}
	out := map[int]any{}
	if len(resp.Values) == 0 {
		return out, nil
	}
	for i, v := range resp.Values[0] {
		out[i] = v
	}
	return out, nil
}

func (g *Google) WriteCells(ctx context.Context, cfg *models.SyncConfig, row int, cells map[int]any) error {
	if len(cells) == 0 {
		return nil
	}
	cols := make([]int, 0, len(cells))
	for c := range cells {
		cols = append(cols, c)
	}
	sort.Ints(cols)

	data := make([]*gsheets.ValueRange, 0, len(cols))
	for _, c := range cols {
		v := cells[c]
		if v == nil {
			v = ""
		}
		data = append(data, &gsheets.ValueRange{
			Range:  cellRange(cfg, c, row),
			Values: [][]interface{}{{v}},
		})
	}
	return g.batchUpdate(ctx, cfg, "sheets.write", data)
}

func (g *Google) WriteStatusCells(ctx context.Context, cfg *models.SyncConfig, statuses map[int]string) error {
	if cfg.StatusColumn < 0 || len(statuses) == 0 {
		return nil
	}
	rows := make([]int, 0, len(statuses))
	for r := range statuses {
		rows = append(rows, r)
	}
	sort.Ints(rows)

	data := make([]*gsheets.ValueRange, 0, len(rows))
	for _, r := range rows {
		data = append(data, &gsheets.ValueRange{
			Range:  cellRange(cfg, cfg.StatusColumn, r),
			Values: [][]interface{}{{statuses[r]}},
		})
	}
	return g.batchUpdate(ctx, cfg, "sheets.status", data)
}

func (g *Google) batchUpdate(ctx context.Context, cfg *models.SyncConfig, op string, data []*gsheets.ValueRange) error {
	ctx, cancel := g.deadline(ctx)
	defer cancel()

	req := &gsheets.BatchUpdateValuesRequest{
		ValueInputOption: "USER_ENTERED",
		Data:             data,
	}
	if _, err := g.srv.Spreadsheets.Values.BatchUpdate(cfg.SheetID, req).Context(ctx).Do(); err != nil {
		err = classify(op, err)
		g.log.WithFields(logrus.Fields{
			"config_id": cfg.ID,
			"ranges":    len(data),
			"kind":      syncerr.KindOf(err),
		}).Warnf("[SHEETS] ⚠️ batch update failed: %v", err)
		return err
	}
	return nil
}

func (g *Google) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func prefix(cfg *models.SyncConfig) string {
	if cfg.SheetTitle == "" {
		return ""
	}
	return "'" + strings.ReplaceAll(cfg.SheetTitle, "'", "''") + "'!"
}

func cellRange(cfg *models.SyncConfig, col, row int) string {
	return fmt.Sprintf("%s%s%d", prefix(cfg), mapping.ColumnLetter(col), row)
}

// rowRange spans the whole row; the API trims trailing empty cells.
func rowRange(cfg *models.SyncConfig, row int) string {
	return fmt.Sprintf("%s%d:%d", prefix(cfg), row, row)
}

func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return syncerr.Transient(op, err)
		case gerr.Code >= 400:
			return syncerr.Permanent(op, err)
		}
	}
	return syncerr.Transient(op, err)
}
