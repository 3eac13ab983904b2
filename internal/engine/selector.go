package engine

import (
	"context"
	"time"

	"universe-sync/internal/store"
)

// Selector decides which events are in scope for one sync pass.
type Selector struct {
	DB *store.DB
}

// SelectEvents returns every active event, plus -- when includeClosed is set
// -- closed events whose last fetch is older than the backfill window or that
// were never fetched. A zero backfill window admits only never-fetched
// closed events. Events discovered remotely are registered as active before
// selection runs, so new events are always in scope.
func (s *Selector) SelectEvents(ctx context.Context, now time.Time, backfillDays int, includeClosed bool) ([]store.Event, error) {
	cutoff := now.AddDate(0, 0, -backfillDays)
	return s.DB.ListEventsForSync(ctx, includeClosed, cutoff, backfillDays == 0)
}
