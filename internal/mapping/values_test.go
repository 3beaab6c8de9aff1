package mapping

import (
	"testing"

	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		dt   models.DataType
		raw  any
		want any
	}{
		{"trimmed string", models.DataTypeString, "  ann@example.com ", "ann@example.com"},
		{"empty is nil", models.DataTypeString, "   ", nil},
		{"number from string", models.DataTypeNumber, "1 500,5", 1500.5},
		{"number passthrough", models.DataTypeNumber, 42.0, 42.0},
		{"bitrix yes", models.DataTypeBoolean, "Y", true},
		{"sheet false", models.DataTypeBoolean, "FALSE", false},
		{"russian date", models.DataTypeDate, "31.12.2024", "2024-12-31"},
		{"rfc3339 date", models.DataTypeDate, "2024-03-01T10:00:00+03:00", "2024-03-01"},
		{"number as string field", models.DataTypeString, 7.0, "7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.dt, tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	_, err := Normalize(models.DataTypeNumber, "twelve")
	assert.True(t, syncerr.IsValidation(err))
	_, err = Normalize(models.DataTypeBoolean, "maybe")
	assert.True(t, syncerr.IsValidation(err))
	_, err = Normalize(models.DataTypeDate, "yesterday")
	assert.True(t, syncerr.IsValidation(err))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, ""))
	assert.True(t, Equal(3.0, 3))
	assert.True(t, Equal("a", "a"))
	assert.False(t, Equal("a", "b"))
	assert.False(t, Equal(true, "true"))
}

func TestColumnIndex(t *testing.T) {
	for key, want := range map[string]int{"A": 0, "c": 2, "Z": 25, "AA": 26, "AB": 27, "4": 4} {
		got, err := ColumnIndex(key)
		require.NoError(t, err, key)
		assert.Equal(t, want, got, key)
		if key != "4" && key != "c" {
			assert.Equal(t, key, ColumnLetter(want))
		}
	}
	_, err := ColumnIndex("A1")
	assert.Error(t, err)
	_, err = ColumnIndex("")
	assert.Error(t, err)
}

func TestValidateMappings(t *testing.T) {
	ok := []models.FieldMapping{
		{ColumnIndex: 1, CRMField: "NAME", DataType: models.DataTypeString},
		{ColumnIndex: 2, CRMField: "EMAIL", DataType: models.DataTypeString},
	}
	require.NoError(t, ValidateMappings(ok))

	dupColumn := append(ok, models.FieldMapping{ColumnIndex: 2, CRMField: "PHONE", DataType: models.DataTypeString})
	assert.Error(t, ValidateMappings(dupColumn))

	dupField := append(ok, models.FieldMapping{ColumnIndex: 3, CRMField: "NAME", DataType: models.DataTypeString})
	assert.Error(t, ValidateMappings(dupField))

	badType := []models.FieldMapping{{ColumnIndex: 0, CRMField: "X", DataType: "blob"}}
	assert.Error(t, ValidateMappings(badType))
}
