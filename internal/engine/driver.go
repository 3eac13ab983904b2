package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"universe-sync/internal/auth"
	"universe-sync/internal/config"
	"universe-sync/internal/logger"
	"universe-sync/internal/store"
	"universe-sync/internal/universe"
)

// Page sources are the lazy page sequences produced by the fetch client.
// Next returns (nil, nil) once the sequence is exhausted.

type EventPageSource interface {
	Next(ctx context.Context) (*universe.EventPage, error)
}

type OrderPageSource interface {
	Next(ctx context.Context) (*universe.OrderPage, error)
}

type RatePageSource interface {
	Next(ctx context.Context) (*universe.RatePage, error)
}

// Fetcher abstracts the paginated fetch client.
type Fetcher interface {
	EventPages(pageSize int) EventPageSource
	OrderPages(eventID string, updatedSince *time.Time, pageSize int) OrderPageSource
	RatePages(eventID string, pageSize int) RatePageSource
}

// ClientFetcher adapts *universe.Client to the Fetcher interface.
type ClientFetcher struct {
	Client *universe.Client
}

func (f ClientFetcher) EventPages(pageSize int) EventPageSource {
	return f.Client.EventPages(pageSize)
}

func (f ClientFetcher) OrderPages(eventID string, updatedSince *time.Time, pageSize int) OrderPageSource {
	return f.Client.OrderPages(eventID, updatedSince, pageSize)
}

func (f ClientFetcher) RatePages(eventID string, pageSize int) RatePageSource {
	return f.Client.RatePages(eventID, pageSize)
}

// ReconcilerLayer is what the driver needs from the reconciler.
type ReconcilerLayer interface {
	Reconcile(ctx context.Context, eventID string, orders []universe.RemoteOrder, items []ItemWithOrder, rates []universe.RemoteRate) (ReconcileResult, error)
	ValidateRateLinks(ctx context.Context, eventID string) (int, int, error)
}

// Publisher streams sync results; wired to Kafka when enabled, nil otherwise.
type Publisher interface {
	PublishEventSynced(runID, eventID string, result ReconcileResult) error
	PublishPassCompleted(summary SyncSummary) error
}

// EventFailure records one event whose sync failed, with the cursor a later
// pass can resume from when the failure was a fetch error.
type EventFailure struct {
	EventID      string `json:"event_id"`
	Reason       string `json:"reason"`
	ResumeCursor string `json:"resume_cursor,omitempty"`
}

// SyncSummary is the outcome of one pass.
type SyncSummary struct {
	RunID           string         `json:"run_id"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
	EventsProcessed int            `json:"events_processed"`
	EventsFailed    int            `json:"events_failed"`
	RecordsUpserted int            `json:"records_upserted"`
	Failures        []EventFailure `json:"failures,omitempty"`
}

// closedEventStates are remote event states that signal the event is over.
var closedEventStates = map[string]bool{
	"CLOSED":    true,
	"ENDED":     true,
	"CANCELLED": true,
}

// Driver orchestrates one end-to-end pass: discover remote events, select
// candidates, fetch and reconcile each one sequentially, update per-event
// bookkeeping. Events are processed one at a time to respect the remote
// API's per-credential rate limits.
type Driver struct {
	DB         *store.DB
	Fetcher    Fetcher
	Selector   *Selector
	Reconciler ReconcilerLayer
	Publisher  Publisher
	Logger     *logger.Logger
	Config     config.SyncConfig
}

func NewDriver(db *store.DB, fetcher Fetcher, reconciler ReconcilerLayer, publisher Publisher, log *logger.Logger, cfg config.SyncConfig) *Driver {
	return &Driver{
		DB:         db,
		Fetcher:    fetcher,
		Selector:   &Selector{DB: db},
		Reconciler: reconciler,
		Publisher:  publisher,
		Logger:     log,
		Config:     cfg,
	}
}

// Run executes one sync pass. The pass always completes and reports a
// summary instead of aborting on the first failure; only AuthError (bad
// credentials) and context cancellation abort early.
func (d *Driver) Run(ctx context.Context) (*SyncSummary, error) {
	summary := &SyncSummary{
		RunID:     uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
	d.Logger.Info("SYNC", fmt.Sprintf("Pass %s starting", summary.RunID))

	if err := d.discoverEvents(ctx); err != nil {
		var authErr *auth.AuthError
		if errors.As(err, &authErr) || errors.Is(err, context.Canceled) {
			return summary, err
		}
		// Discovery is best-effort; locally known events still sync.
		d.Logger.Warn("SYNC", fmt.Sprintf("Event discovery failed, continuing with known events: %v", err))
	}

	events, err := d.Selector.SelectEvents(ctx, time.Now().UTC(), d.Config.BackfillDays, d.Config.IncludeClosed)
	if err != nil {
		return summary, fmt.Errorf("failed to select events: %w", err)
	}
	d.Logger.Info("SYNC", fmt.Sprintf("%d event(s) selected for this pass", len(events)))

	for _, event := range events {
		// An interrupted pass stops cleanly between events; completed
		// events stay committed and the next pass re-selects the rest.
		if err := ctx.Err(); err != nil {
			summary.FinishedAt = time.Now().UTC()
			return summary, err
		}

		result, err := d.syncEvent(ctx, event)
		if err != nil {
			var authErr *auth.AuthError
			if errors.As(err, &authErr) {
				summary.FinishedAt = time.Now().UTC()
				return summary, err
			}

			failure := EventFailure{EventID: event.ID, Reason: err.Error()}
			var fetchErr *universe.FetchError
			if errors.As(err, &fetchErr) {
				failure.ResumeCursor = fetchErr.Cursor
			}
			summary.EventsFailed++
			summary.Failures = append(summary.Failures, failure)
			d.Logger.Error("SYNC", fmt.Sprintf("Event %s failed: %v", event.ID, err))
			continue
		}

		summary.EventsProcessed++
		summary.RecordsUpserted += result.Upserted()
		d.Logger.LogSync(event.ID, fmt.Sprintf("done (inserted=%d updated=%d unchanged=%d)",
			result.Inserted, result.Updated, result.Unchanged))

		if d.Publisher != nil {
			if err := d.Publisher.PublishEventSynced(summary.RunID, event.ID, result); err != nil {
				d.Logger.Warn("KAFKA", fmt.Sprintf("Failed to publish result for event %s: %v", event.ID, err))
			}
		}
	}

	summary.FinishedAt = time.Now().UTC()
	d.Logger.Info("SYNC", fmt.Sprintf("Pass %s finished: processed=%d failed=%d upserted=%d",
		summary.RunID, summary.EventsProcessed, summary.EventsFailed, summary.RecordsUpserted))

	if d.Publisher != nil {
		if err := d.Publisher.PublishPassCompleted(*summary); err != nil {
			d.Logger.Warn("KAFKA", fmt.Sprintf("Failed to publish pass summary: %v", err))
		}
	}

	return summary, nil
}

// discoverEvents walks the remote event listing and registers events not
// yet known locally, so they are always included in the pass regardless of
// the backfill window.
func (d *Driver) discoverEvents(ctx context.Context) error {
	pager := d.Fetcher.EventPages(d.Config.PageLimit)
	for {
		page, err := pager.Next(ctx)
		if err != nil {
			return err
		}
		if page == nil {
			return nil
		}

		for _, remote := range page.Events {
			event := eventFromRemote(&remote)
			inserted, err := d.DB.InsertEventIfAbsent(ctx, event)
			if err != nil {
				return err
			}
			if inserted {
				d.Logger.Info("SYNC", fmt.Sprintf("Discovered new event %s (%s)", event.ID, event.Title))
				continue
			}
			if err := d.DB.UpdateEventMeta(ctx, event); err != nil {
				return err
			}
		}
	}
}

// syncEvent runs one event's fetch/reconcile sequence: rate pages first so
// order items can resolve their rate relation, then order pages with nested
// items. Pagination is strictly ordered; no page is fetched before the
// prior one is reconciled.
func (d *Driver) syncEvent(ctx context.Context, event store.Event) (ReconcileResult, error) {
	var total ReconcileResult

	ratePager := d.Fetcher.RatePages(event.ID, d.Config.PageLimit)
	for {
		page, err := ratePager.Next(ctx)
		if err != nil {
			return total, err
		}
		if page == nil {
			break
		}
		result, err := d.Reconciler.Reconcile(ctx, event.ID, nil, nil, page.Rates)
		if err != nil {
			return total, err
		}
		total.add(result)
	}

	var updatedSince *time.Time
	if event.LastFetchedAt != nil {
		since := event.LastFetchedAt.AddDate(0, 0, -d.Config.BackfillDays)
		updatedSince = &since
	}

	orderPager := d.Fetcher.OrderPages(event.ID, updatedSince, d.Config.PageLimit)
	pages, fetched := 0, 0
	for {
		page, err := orderPager.Next(ctx)
		if err != nil {
			return total, err
		}
		if page == nil {
			break
		}
		pages++
		fetched += len(page.Orders)

		items, inlineRates := flattenOrders(page.Orders)
		result, err := d.Reconciler.Reconcile(ctx, event.ID, page.Orders, items, inlineRates)
		if err != nil {
			return total, err
		}
		total.add(result)
		d.Logger.LogFetch(event.ID, fmt.Sprintf("page %d: %d order(s), %d total", pages, len(page.Orders), fetched))
	}

	resolved, _, err := d.Reconciler.ValidateRateLinks(ctx, event.ID)
	if err != nil {
		return total, err
	}
	if resolved > 0 {
		total.Updated += resolved
		d.Logger.LogSync(event.ID, fmt.Sprintf("backfilled rate link on %d order item(s)", resolved))
	}

	return total, d.updateBookkeeping(ctx, event)
}

// updateBookkeeping stamps last_fetched_at and recomputes fetch_state. The
// event flips to closed only when the remote state signals the event is
// over and no open orders remain; the transition never reverses.
func (d *Driver) updateBookkeeping(ctx context.Context, event store.Event) error {
	current, err := d.DB.GetEvent(ctx, event.ID)
	if err != nil {
		return err
	}
	state := event.State
	if current != nil {
		state = current.State
	}

	fetchState := store.FetchStateActive
	if closedEventStates[strings.ToUpper(state)] {
		open, err := d.DB.CountOpenOrders(ctx, event.ID)
		if err != nil {
			return err
		}
		if open == 0 {
			fetchState = store.FetchStateClosed
		}
	}

	return d.DB.MarkEventFetched(ctx, event.ID, fetchState, time.Now().UTC())
}

// flattenOrders splits nested order pages into item rows and the inline
// rate snapshots they carry, deduplicated by rate id.
func flattenOrders(orders []universe.RemoteOrder) ([]ItemWithOrder, []universe.RemoteRate) {
	var items []ItemWithOrder
	var rates []universe.RemoteRate
	seen := make(map[string]bool)

	for _, order := range orders {
		for _, item := range order.Items {
			items = append(items, ItemWithOrder{OrderID: order.ID, Item: item})
			if item.Rate != nil && item.Rate.ID != "" && !seen[item.Rate.ID] {
				seen[item.Rate.ID] = true
				rates = append(rates, *item.Rate)
			}
		}
	}
	return items, rates
}

func eventFromRemote(remote *universe.RemoteEvent) *store.Event {
	event := &store.Event{
		ID:           remote.ID,
		Title:        remote.Title,
		State:        remote.State,
		MaxQuantity:  remote.MaxQuantity,
		Slug:         remote.Slug,
		URL:          remote.URL,
		CalendarDate: remote.FirstCalendarDate(),
		FetchState:   store.FetchStateActive,
	}
	if !remote.UpdatedAt.IsZero() {
		updatedAt := remote.UpdatedAt
		event.RemoteUpdatedAt = &updatedAt
	}
	return event
}
