package sheets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/internal/testutil"
	"crm-sheet-sync/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func fakeAPI(t *testing.T, handler http.HandlerFunc) *Google {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	g, err := newGoogle(context.Background(), time.Second, testutil.Logger(),
		option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication())
	require.NoError(t, err)
	return g
}

func TestGoogleWriteCellsSendsOneBatch(t *testing.T) {
	var body struct {
		ValueInputOption string `json:"valueInputOption"`
		Data             []struct {
			Range  string  `json:"range"`
			Values [][]any `json:"values"`
		} `json:"data"`
	}
	calls := 0
	g := fakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v4/spreadsheets/sheet-1/values:batchUpdate"), r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{}`))
	})

	cfg := &models.SyncConfig{ID: uuid.New(), SheetID: "sheet-1", SheetTitle: "Leads"}
	err := g.WriteCells(context.Background(), cfg, 7, map[int]any{3: "+100", 1: "Ada"})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, "USER_ENTERED", body.ValueInputOption)
	require.Len(t, body.Data, 2)
	assert.Equal(t, "'Leads'!B7", body.Data[0].Range)
	assert.Equal(t, "'Leads'!D7", body.Data[1].Range)
}

func TestGoogleReadRow(t *testing.T) {
	g := fakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"range":"A5:Z5","values":[["42","Ada","ada@example.com"]]}`))
	})
	row, err := g.ReadRow(context.Background(), &models.SyncConfig{ID: uuid.New(), SheetID: "s"}, 5)
	require.NoError(t, err)
	assert.Equal(t, "Ada", row[1])
	assert.Len(t, row, 3)
}

func TestGoogleErrorClassification(t *testing.T) {
	for code, kind := range map[int]syncerr.Kind{
		http.StatusTooManyRequests:    syncerr.KindTransient,
		http.StatusServiceUnavailable: syncerr.KindTransient,
		http.StatusForbidden:          syncerr.KindPermanent,
		http.StatusNotFound:           syncerr.KindPermanent,
	} {
		g := fakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			w.Write([]byte(`{"error":{"message":"nope"}}`))
		})
		err := g.WriteStatusCells(context.Background(), &models.SyncConfig{ID: uuid.New(), SheetID: "s", StatusColumn: 4}, map[int]string{2: StatusSynced})
		require.Error(t, err)
		assert.Equal(t, kind, syncerr.KindOf(err), "status %d", code)
	}
}
