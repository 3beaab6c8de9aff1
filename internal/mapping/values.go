package mapping

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/pkg/models"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02.01.2006",
	"02.01.2006 15:04:05",
	"01/02/2006",
}

// Normalize turns a raw value from either side into its canonical form:
// string, float64, bool, "YYYY-MM-DD" or nil for empty.
func Normalize(dt models.DataType, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if s, ok := raw.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		raw = s
	}

	switch dt {
	case models.DataTypeString, "":
		switch v := raw.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		default:
			return fmt.Sprint(v), nil
		}

	case models.DataTypeNumber:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			clean := strings.NewReplacer(" ", "", "\u00a0", "", ",", ".").Replace(v)
			f, err := strconv.ParseFloat(clean, 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, syncerr.Validation("normalize", v, "not a number")
			}
			return f, nil
		}

	case models.DataTypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case float64:
			return v != 0, nil
		case string:
			switch strings.ToLower(v) {
			case "y", "yes", "true", "1", "да", "on":
				return true, nil
			case "n", "no", "false", "0", "нет", "off":
				return false, nil
			}
			return nil, syncerr.Validation("normalize", v, "not a boolean")
		}

	case models.DataTypeDate:
		if s, ok := raw.(string); ok {
			for _, layout := range dateLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return t.Format("2006-01-02"), nil
				}
			}
			return nil, syncerr.Validation("normalize", s, "not a date")
		}
		if t, ok := raw.(time.Time); ok {
			return t.Format("2006-01-02"), nil
		}
	}
	return nil, syncerr.Validation("normalize", fmt.Sprint(raw), "unsupported value for %s", dt)
}

// Equal compares two canonical values. Numbers compare by value regardless
// of the JSON round-trip they went through.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ColumnIndex parses an A1 column ("C", "AA") or a 0-based numeric index.
func ColumnIndex(key string) (int, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, syncerr.Validation("column", key, "empty column key")
	}
	if n, err := strconv.Atoi(key); err == nil {
		if n < 0 {
			return 0, syncerr.Validation("column", key, "negative column index")
		}
		return n, nil
	}
	idx := 0
	for _, r := range strings.ToUpper(key) {
		if r < 'A' || r > 'Z' {
			return 0, syncerr.Validation("column", key, "invalid column key")
		}
		idx = idx*26 + int(r-'A'+1)
	}
	return idx - 1, nil
}

// ColumnLetter renders a 0-based column index in A1 notation.
func ColumnLetter(idx int) string {
	if idx < 0 {
		return ""
	}
	var out []byte
	for n := idx + 1; n > 0; n = (n - 1) / 26 {
		out = append([]byte{byte('A' + (n-1)%26)}, out...)
	}
	return string(out)
}
