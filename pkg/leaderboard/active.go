package leaderboard

import (
	"sync"

	"github.com/gregtusar/roundboard/pkg/models"
)

// Active tracks the aggregator currently being watched so readers survive
// the swap from one round to the next.
type Active struct {
	mu  sync.RWMutex
	agg *Aggregator
}

func (a *Active) Set(agg *Aggregator) {
	a.mu.Lock()
	a.agg = agg
	a.mu.Unlock()
}

func (a *Active) Current() *Aggregator {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.agg
}

func (a *Active) Snapshot() (models.Snapshot, bool) {
	agg := a.Current()
	if agg == nil {
		return models.Snapshot{}, false
	}
	return agg.Snapshot(), true
}
