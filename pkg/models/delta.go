package models

import (
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Side names one of the two synchronized systems.
type Side string

const (
	SideCRM   Side = "crm"   // source A
	SideSheet Side = "sheet" // source B
)

func (s Side) Other() Side {
	if s == SideCRM {
		return SideSheet
	}
	return SideCRM
}

// Change is one field's transition as reported by a source.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// FieldDelta is the normalized, immutable message produced by an ingestor.
// Changes are keyed by CRM field name.
type FieldDelta struct {
	EventID    string            `json:"event_id"`
	ConfigID   uuid.UUID         `json:"config_id"`
	RowNumber  int               `json:"row_number"`
	EntityID   string            `json:"entity_id"`
	Source     Side              `json:"source"`
	Changes    map[string]Change `json:"changes"`
	ObservedAt time.Time         `json:"observed_at"`
}

// Fields returns the changed field names in stable order.
func (d FieldDelta) Fields() []string {
	out := make([]string, 0, len(d.Changes))
	for f := range d.Changes {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// RowKey identifies the row a delta targets.
type RowKey struct {
	ConfigID  uuid.UUID
	RowNumber int
}

func (d FieldDelta) Key() RowKey {
	return RowKey{ConfigID: d.ConfigID, RowNumber: d.RowNumber}
}

func (k RowKey) String() string {
	return k.ConfigID.String() + "#" + strconv.Itoa(k.RowNumber)
}
