package synclog

import (
	"errors"
	"fmt"

	"crm-sheet-sync/pkg/models"
)

// transitions lists every legal move of a sync log entry.
// completed has no outgoing edges.
var transitions = map[models.SyncStatus][]models.SyncStatus{
	models.StatusPending:  {models.StatusSyncing, models.StatusConflict},
	models.StatusSyncing:  {models.StatusCompleted, models.StatusFailed, models.StatusConflict},
	models.StatusFailed:   {models.StatusRetrying},
	models.StatusRetrying: {models.StatusSyncing},
	models.StatusConflict: {models.StatusSyncing},
}

func CanTransition(from, to models.SyncStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var ErrInvalidTransition = errors.New("invalid sync log transition")

type TransitionError struct {
	From, To models.SyncStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid sync log transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
