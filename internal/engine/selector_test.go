package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"universe-sync/internal/engine"
	"universe-sync/internal/store"
)

func seedEvents(t *testing.T, db *store.DB, events []store.Event) {
	for i := range events {
		_, err := db.InsertEventIfAbsent(context.Background(), &events[i])
		assert.NoError(t, err)
	}
}

func selectedIDs(events []store.Event) []string {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestSelectEventsBackfillWindow(t *testing.T) {
	db := setupTestDB(t)
	selector := &engine.Selector{DB: db}
	now := time.Now().UTC()

	tenDaysAgo := now.AddDate(0, 0, -10)
	threeDaysAgo := now.AddDate(0, 0, -3)
	seedEvents(t, db, []store.Event{
		{ID: "active1", FetchState: store.FetchStateActive},
		{ID: "closed-stale", FetchState: store.FetchStateClosed, LastFetchedAt: &tenDaysAgo},
		{ID: "closed-fresh", FetchState: store.FetchStateClosed, LastFetchedAt: &threeDaysAgo},
		{ID: "closed-never", FetchState: store.FetchStateClosed},
	})

	// Seven day window: stale and never-fetched closed events re-enter.
	events, err := selector.SelectEvents(context.Background(), now, 7, true)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"active1", "closed-stale", "closed-never"}, selectedIDs(events))
}

func TestSelectEventsExcludesClosedByDefault(t *testing.T) {
	db := setupTestDB(t)
	selector := &engine.Selector{DB: db}
	now := time.Now().UTC()

	tenDaysAgo := now.AddDate(0, 0, -10)
	seedEvents(t, db, []store.Event{
		{ID: "active1", FetchState: store.FetchStateActive},
		{ID: "closed-stale", FetchState: store.FetchStateClosed, LastFetchedAt: &tenDaysAgo},
	})

	events, err := selector.SelectEvents(context.Background(), now, 7, false)
	assert.NoError(t, err)
	assert.Equal(t, []string{"active1"}, selectedIDs(events))
}

func TestSelectEventsZeroBackfill(t *testing.T) {
	db := setupTestDB(t)
	selector := &engine.Selector{DB: db}
	now := time.Now().UTC()

	tenDaysAgo := now.AddDate(0, 0, -10)
	seedEvents(t, db, []store.Event{
		{ID: "active1", FetchState: store.FetchStateActive},
		{ID: "closed-stale", FetchState: store.FetchStateClosed, LastFetchedAt: &tenDaysAgo},
		{ID: "closed-never", FetchState: store.FetchStateClosed},
	})

	// Zero window: closed events that were fetched at least once stay out
	// no matter how stale they are.
	events, err := selector.SelectEvents(context.Background(), now, 0, true)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"active1", "closed-never"}, selectedIDs(events))
}

func TestSelectEventsOrdersByCalendarDate(t *testing.T) {
	db := setupTestDB(t)
	selector := &engine.Selector{DB: db}
	now := time.Now().UTC()

	early := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	seedEvents(t, db, []store.Event{
		{ID: "no-date", FetchState: store.FetchStateActive},
		{ID: "late", FetchState: store.FetchStateActive, CalendarDate: &late},
		{ID: "early", FetchState: store.FetchStateActive, CalendarDate: &early},
	})

	events, err := selector.SelectEvents(context.Background(), now, 7, false)
	assert.NoError(t, err)
	assert.Equal(t, []string{"early", "late", "no-date"}, selectedIDs(events))
}
