package database_test

import (
	"os"
	"path/filepath"
	"testing"

	"crm-sheet-sync/internal/database"
	"crm-sheet-sync/internal/testutil"
	"crm-sheet-sync/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
configs:
  - name: leads
    sheet_id: sheet-1
    gid: "0"
    sheet_title: Leads
    entity_type: lead
    status_column: 5
    entity_id_column: 0
    max_retries: 3
    fields:
      - {column: A, field: ID, readonly: true, editable: false}
      - {column: B, field: TITLE}
      - {column: "2", field: OPPORTUNITY, type: number}
      - {column: D, field: CLOSEDATE, type: date}
  - name: contacts
    sheet_id: sheet-2
    entity_type: contact
    enabled: false
    fields:
      - {column: B, field: NAME}
`

func TestParseSeed(t *testing.T) {
	configs, err := database.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, configs, 2)

	leads := configs[0]
	assert.True(t, leads.Enabled)
	assert.Equal(t, 5, leads.StatusColumn)
	assert.Equal(t, 3, leads.MaxRetries)
	assert.Equal(t, models.DefaultCRMRateLimit, leads.CRMRateLimit)
	require.Len(t, leads.Mappings, 4)
	assert.True(t, leads.Mappings[0].Readonly)
	assert.False(t, leads.Mappings[0].Editable)
	assert.Equal(t, 2, leads.Mappings[2].ColumnIndex)
	assert.Equal(t, models.DataTypeNumber, leads.Mappings[2].DataType)
	assert.Equal(t, models.DataTypeString, leads.Mappings[1].DataType)

	contacts := configs[1]
	assert.False(t, contacts.Enabled)
	assert.Equal(t, models.NoStatusColumn, contacts.StatusColumn)
	assert.Equal(t, models.DefaultMaxRetries, contacts.MaxRetries)
}

func TestParseSeedRejectsBadMappings(t *testing.T) {
	cases := map[string]string{
		"missing sheet":   "configs:\n  - {name: x, entity_type: lead}\n",
		"bad column":      "configs:\n  - {name: x, sheet_id: s, entity_type: lead, fields: [{column: \"B2\", field: F}]}\n",
		"duplicate col":   "configs:\n  - {name: x, sheet_id: s, entity_type: lead, fields: [{column: B, field: F}, {column: B, field: G}]}\n",
		"unknown type":    "configs:\n  - {name: x, sheet_id: s, entity_type: lead, fields: [{column: B, field: F, type: money}]}\n",
		"invalid id":      "configs:\n  - {id: nope, name: x, sheet_id: s, entity_type: lead}\n",
		"not yaml at all": "configs: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := database.ParseSeed([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestSeedFileIsIdempotent(t *testing.T) {
	db := testutil.DB(t)
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	n, err := database.SeedFile(db, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = database.SeedFile(db, path)
	require.NoError(t, err)
	assert.Zero(t, n)

	var stored []models.SyncConfig
	require.NoError(t, db.Preload("Mappings").Order("name").Find(&stored).Error)
	require.Len(t, stored, 2)
	assert.Equal(t, "contacts", stored[0].Name)
	assert.Len(t, stored[1].Mappings, 4)
}
