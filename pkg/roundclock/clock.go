package roundclock

import (
	"time"

	"github.com/gregtusar/roundboard/pkg/models"
)

// StateAt reports where now falls relative to the round's boundaries.
// Tracking starts at PlacementEndTime and lasts until EndTime (exclusive).
func StateAt(round *models.Round, now time.Time) models.RoundState {
	switch {
	case !now.Before(round.EndTime):
		return models.RoundStateCompleted
	case !now.Before(round.PlacementEndTime):
		return models.RoundStateTracking
	default:
		return models.RoundStatePreTracking
	}
}

// Clock returns the current time. Tests replace it to drive state transitions.
type Clock func() time.Time

func System() Clock {
	return time.Now
}
