package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"universe-sync/internal/auth"
	"universe-sync/internal/config"
	"universe-sync/internal/engine"
	"universe-sync/internal/logger"
	"universe-sync/internal/store"
	"universe-sync/internal/universe"
)

// ---------------- fakes ----------------

type fakeEventSource struct {
	pages []*universe.EventPage
	err   error
	idx   int
}

func (s *fakeEventSource) Next(ctx context.Context) (*universe.EventPage, error) {
	if s.idx >= len(s.pages) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, nil
	}
	page := s.pages[s.idx]
	s.idx++
	return page, nil
}

type fakeOrderSource struct {
	pages []*universe.OrderPage
	err   error
	idx   int
}

func (s *fakeOrderSource) Next(ctx context.Context) (*universe.OrderPage, error) {
	if s.idx >= len(s.pages) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, nil
	}
	page := s.pages[s.idx]
	s.idx++
	return page, nil
}

type fakeRateSource struct {
	pages []*universe.RatePage
	err   error
	idx   int
}

func (s *fakeRateSource) Next(ctx context.Context) (*universe.RatePage, error) {
	if s.idx >= len(s.pages) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, nil
	}
	page := s.pages[s.idx]
	s.idx++
	return page, nil
}

type fakeFetcher struct {
	events   []*universe.EventPage
	eventErr error
	rates    map[string][]*universe.RatePage
	rateErr  map[string]error
	orders   map[string][]*universe.OrderPage
	orderErr map[string]error

	updatedSince map[string]*time.Time
}

func (f *fakeFetcher) EventPages(pageSize int) engine.EventPageSource {
	return &fakeEventSource{pages: f.events, err: f.eventErr}
}

func (f *fakeFetcher) OrderPages(eventID string, updatedSince *time.Time, pageSize int) engine.OrderPageSource {
	if f.updatedSince == nil {
		f.updatedSince = make(map[string]*time.Time)
	}
	f.updatedSince[eventID] = updatedSince
	return &fakeOrderSource{pages: f.orders[eventID], err: f.orderErr[eventID]}
}

func (f *fakeFetcher) RatePages(eventID string, pageSize int) engine.RatePageSource {
	return &fakeRateSource{pages: f.rates[eventID], err: f.rateErr[eventID]}
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishEventSynced(runID, eventID string, result engine.ReconcileResult) error {
	args := m.Called(runID, eventID, result)
	return args.Error(0)
}

func (m *mockPublisher) PublishPassCompleted(summary engine.SyncSummary) error {
	args := m.Called(summary)
	return args.Error(0)
}

// ---------------- helpers ----------------

func eventPage(ids ...string) *universe.EventPage {
	page := &universe.EventPage{}
	for _, id := range ids {
		page.Events = append(page.Events, universe.RemoteEvent{ID: id, Title: "Event " + id, State: "POSTED"})
	}
	return page
}

func orderPage(eventID string, start, n int, rate *universe.RemoteRate) *universe.OrderPage {
	page := &universe.OrderPage{}
	for i := start; i < start+n; i++ {
		order := universe.RemoteOrder{
			ID:        fmt.Sprintf("%s-o%d", eventID, i),
			State:     "PAID",
			CreatedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute),
			Confirmed: true,
		}
		order.Items = append(order.Items, universe.RemoteOrderItem{
			ID:     fmt.Sprintf("%s-i%d", eventID, i),
			Amount: 1,
			QRCode: fmt.Sprintf("TCK-%s-%d", eventID, i),
			Rate:   rate,
		})
		page.Orders = append(page.Orders, order)
	}
	return page
}

func newTestDriver(t *testing.T, fetcher *fakeFetcher, publisher engine.Publisher) (*engine.Driver, *store.DB) {
	db := setupTestDB(t)
	log := logger.NewLogger()
	driver := engine.NewDriver(db, fetcher, engine.NewReconciler(db, log), publisher, log, config.SyncConfig{
		PageLimit:    50,
		BackfillDays: 7,
	})
	return driver, db
}

// ---------------- tests ----------------

func TestRunSyncsDiscoveredEvent(t *testing.T) {
	rate := &universe.RemoteRate{ID: "r1", Name: "GA", Price: floatPtr(45)}
	fetcher := &fakeFetcher{
		events: []*universe.EventPage{eventPage("e1")},
		rates: map[string][]*universe.RatePage{
			"e1": {{Rates: []universe.RemoteRate{*rate}}},
		},
		orders: map[string][]*universe.OrderPage{
			"e1": {orderPage("e1", 0, 50, rate), orderPage("e1", 50, 10, rate)},
		},
	}

	publisher := &mockPublisher{}
	publisher.On("PublishEventSynced", mock.Anything, "e1", mock.Anything).Return(nil)
	publisher.On("PublishPassCompleted", mock.Anything).Return(nil)

	driver, db := newTestDriver(t, fetcher, publisher)
	ctx := context.Background()

	summary, err := driver.Run(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, summary.EventsProcessed)
	assert.Equal(t, 0, summary.EventsFailed)
	// 1 rate + 60 orders + 60 items
	assert.Equal(t, 121, summary.RecordsUpserted)
	assert.NotEmpty(t, summary.RunID)

	count, err := db.Bun.NewSelect().Model((*store.TicketOrder)(nil)).Where("event_id = ?", "e1").Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 60, count)

	event, err := db.GetEvent(ctx, "e1")
	assert.NoError(t, err)
	assert.NotNil(t, event.LastFetchedAt)
	assert.Equal(t, store.FetchStateActive, event.FetchState)

	// First sync of a new event fetches the full history.
	assert.Nil(t, fetcher.updatedSince["e1"])

	publisher.AssertNumberOfCalls(t, "PublishEventSynced", 1)
	publisher.AssertNumberOfCalls(t, "PublishPassCompleted", 1)
}

func TestRunReplayIsIdempotent(t *testing.T) {
	rate := &universe.RemoteRate{ID: "r1", Name: "GA", Price: floatPtr(45)}
	fetcher := &fakeFetcher{
		events: []*universe.EventPage{eventPage("e1")},
		rates: map[string][]*universe.RatePage{
			"e1": {{Rates: []universe.RemoteRate{*rate}}},
		},
		orders: map[string][]*universe.OrderPage{
			"e1": {orderPage("e1", 0, 5, rate)},
		},
	}

	driver, _ := newTestDriver(t, fetcher, nil)
	ctx := context.Background()

	summary, err := driver.Run(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 11, summary.RecordsUpserted)

	summary, err = driver.Run(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, summary.EventsProcessed)
	assert.Equal(t, 0, summary.RecordsUpserted)

	// Incremental pass narrows the fetch to the watermark window.
	assert.NotNil(t, fetcher.updatedSince["e1"])
}

func TestRunIsolatesFailedEvent(t *testing.T) {
	rate := &universe.RemoteRate{ID: "r1", Name: "GA", Price: floatPtr(45)}
	fetcher := &fakeFetcher{
		events: []*universe.EventPage{eventPage("e1", "e2", "e3")},
		rates: map[string][]*universe.RatePage{
			"e1": {{Rates: []universe.RemoteRate{*rate}}},
			"e3": {{Rates: []universe.RemoteRate{*rate}}},
		},
		rateErr: map[string]error{
			"e2": &universe.FetchError{EventID: "e2", Cursor: "c42", Attempts: 4, Err: errors.New("server error: 503")},
		},
		orders: map[string][]*universe.OrderPage{
			"e1": {orderPage("e1", 0, 3, rate)},
			"e3": {orderPage("e3", 0, 2, rate)},
		},
	}

	driver, db := newTestDriver(t, fetcher, nil)
	ctx := context.Background()

	summary, err := driver.Run(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, summary.EventsProcessed)
	assert.Equal(t, 1, summary.EventsFailed)
	assert.Len(t, summary.Failures, 1)
	assert.Equal(t, "e2", summary.Failures[0].EventID)
	assert.Equal(t, "c42", summary.Failures[0].ResumeCursor)

	// The healthy events are fully committed despite the failure between
	// them.
	for _, eventID := range []string{"e1", "e3"} {
		event, err := db.GetEvent(ctx, eventID)
		assert.NoError(t, err)
		assert.NotNil(t, event.LastFetchedAt, eventID)
	}

	// The failed event keeps its bookkeeping untouched and is re-selected
	// next pass.
	event, err := db.GetEvent(ctx, "e2")
	assert.NoError(t, err)
	assert.Nil(t, event.LastFetchedAt)
}

func TestRunAbortsOnAuthError(t *testing.T) {
	fetcher := &fakeFetcher{
		eventErr: &auth.AuthError{Status: 401, Reason: "refresh token rejected"},
	}

	driver, _ := newTestDriver(t, fetcher, nil)

	_, err := driver.Run(context.Background())
	assert.Error(t, err)
	var authErr *auth.AuthError
	assert.True(t, errors.As(err, &authErr))
}

func TestRunClosesFinishedEvent(t *testing.T) {
	fetcher := &fakeFetcher{
		events: []*universe.EventPage{{
			Events: []universe.RemoteEvent{{ID: "e1", Title: "Done Event", State: "ENDED"}},
		}},
	}

	driver, db := newTestDriver(t, fetcher, nil)
	ctx := context.Background()

	summary, err := driver.Run(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, summary.EventsProcessed)

	// Ended event with no open orders flips to closed and stays there.
	event, err := db.GetEvent(ctx, "e1")
	assert.NoError(t, err)
	assert.Equal(t, store.FetchStateClosed, event.FetchState)
}

func TestRunContinuesWhenDiscoveryFails(t *testing.T) {
	rate := &universe.RemoteRate{ID: "r1", Name: "GA", Price: floatPtr(45)}
	fetcher := &fakeFetcher{
		eventErr: errors.New("listing temporarily unavailable"),
		rates: map[string][]*universe.RatePage{
			"e1": {{Rates: []universe.RemoteRate{*rate}}},
		},
		orders: map[string][]*universe.OrderPage{
			"e1": {orderPage("e1", 0, 2, rate)},
		},
	}

	driver, db := newTestDriver(t, fetcher, nil)
	ctx := context.Background()
	seedEvent(t, db, "e1")

	summary, err := driver.Run(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, summary.EventsProcessed)
}

func TestRunStopsBetweenEventsOnCancel(t *testing.T) {
	fetcher := &fakeFetcher{
		events: []*universe.EventPage{eventPage("e1", "e2")},
	}

	driver, _ := newTestDriver(t, fetcher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := driver.Run(ctx)
	assert.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, summary.EventsProcessed)
}
