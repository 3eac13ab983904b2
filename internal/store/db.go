package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// terminalOrderStates are order states that can no longer change attendance.
var terminalOrderStates = []string{"PAID", "ENDED", "CLOSED", "CANCELLED", "REFUNDED"}

// reportingView is the read contract for external reporting tools. It must
// remain stable across reconciler changes.
const reportingView = `
CREATE VIEW IF NOT EXISTS reporting_order_item AS
SELECT
  e.id               AS event_id,
  e.title            AS event_title,
  e.calendar_date    AS event_date,
  o.id               AS order_id,
  upper(o.state)     AS order_state,
  o.created_at       AS order_created_at,
  o.buyer_email      AS buyer_email,
  i.id               AS item_id,
  i.amount           AS amount,
  i.order_state      AS item_state,
  i.qr_code          AS qr_code,
  i.attendee_first_name AS attendee_first_name,
  i.attendee_last_name  AS attendee_last_name,
  COALESCE(r.normalized_name, r.name, i.rate_name) AS rate_name,
  COALESCE(i.rate_price, r.price)                  AS rate_price,
  rc.display_name    AS rate_category
FROM event e
JOIN ticket_order o ON o.event_id = e.id
JOIN order_item i ON i.order_id = o.id
LEFT JOIN rate r ON r.id = i.rate_id
LEFT JOIN rate_category rc ON rc.slug = r.rate_category_slug
WHERE upper(o.state) IN ('PAID', 'ENDED', 'CLOSED')`

type DB struct {
	Bun *bun.DB
}

// RunInTx executes fn inside one transaction. Each event's reconciliation
// runs through this so a mid-event failure rolls back cleanly.
func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, tx)
	})
}

// ---------------- EVENTS ----------------

func (d *DB) GetEvent(ctx context.Context, id string) (*Event, error) {
	var event Event
	err := d.Bun.NewSelect().
		Model(&event).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// ListEventsForSync returns sync candidates: every active event, plus -- when
// includeClosed is set -- closed events that were never fetched or whose last
// fetch predates the backfill cutoff. neverFetchedOnly corresponds to a zero
// backfill window.
func (d *DB) ListEventsForSync(ctx context.Context, includeClosed bool, cutoff time.Time, neverFetchedOnly bool) ([]Event, error) {
	var events []Event
	q := d.Bun.NewSelect().Model(&events)

	switch {
	case !includeClosed:
		q = q.Where("fetch_state = ?", FetchStateActive)
	case neverFetchedOnly:
		q = q.Where("fetch_state = ? OR (fetch_state = ? AND last_fetched_at IS NULL)",
			FetchStateActive, FetchStateClosed)
	default:
		q = q.Where("fetch_state = ? OR (fetch_state = ? AND (last_fetched_at IS NULL OR last_fetched_at < ?))",
			FetchStateActive, FetchStateClosed, cutoff)
	}

	err := q.OrderExpr("calendar_date IS NULL, calendar_date, id").Scan(ctx)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ListEvents returns every known event ordered by calendar date.
func (d *DB) ListEvents(ctx context.Context) ([]Event, error) {
	var events []Event
	err := d.Bun.NewSelect().
		Model(&events).
		OrderExpr("calendar_date IS NULL, calendar_date, id").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// InsertEventIfAbsent registers a newly discovered remote event with
// fetch_state active. Returns true when a row was inserted.
func (d *DB) InsertEventIfAbsent(ctx context.Context, event *Event) (bool, error) {
	if event.FetchState == "" {
		event.FetchState = FetchStateActive
	}
	res, err := d.Bun.NewInsert().
		Model(event).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateEventMeta overwrites remote-owned event fields. Sync bookkeeping
// (fetch_state, last_fetched_at) is left untouched.
func (d *DB) UpdateEventMeta(ctx context.Context, event *Event) error {
	_, err := d.Bun.NewUpdate().
		Model(event).
		Column("title", "state", "max_quantity", "slug", "url", "calendar_date", "remote_updated_at").
		Where("id = ?", event.ID).
		Exec(ctx)
	return err
}

// MarkEventFetched stamps last_fetched_at and applies the fetch_state
// transition. The transition is monotonic: a closed event never reopens.
func (d *DB) MarkEventFetched(ctx context.Context, id, fetchState string, at time.Time) error {
	_, err := d.Bun.NewUpdate().
		Model((*Event)(nil)).
		Set("last_fetched_at = ?", at).
		Set("fetch_state = CASE WHEN fetch_state = ? THEN ? ELSE ? END",
			FetchStateClosed, FetchStateClosed, fetchState).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// CountOpenOrders counts orders still in a non-terminal state for an event.
func (d *DB) CountOpenOrders(ctx context.Context, eventID string) (int, error) {
	return d.Bun.NewSelect().
		Model((*TicketOrder)(nil)).
		Where("event_id = ?", eventID).
		Where("upper(state) NOT IN (?)", bun.In(terminalOrderStates)).
		Count(ctx)
}

// DeleteEvent removes an event and all owned children. rate_category rows
// are never touched.
func (d *DB) DeleteEvent(ctx context.Context, id string) error {
	return d.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*OrderItem)(nil)).
			Where("order_id IN (SELECT id FROM ticket_order WHERE event_id = ?)", id).
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().
			Model((*TicketOrder)(nil)).
			Where("event_id = ?", id).
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().
			Model((*Rate)(nil)).
			Where("event_id = ?", id).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().
			Model((*Event)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		return err
	})
}

// ---------------- RATES ----------------

func (d *DB) GetRate(ctx context.Context, id string) (*Rate, error) {
	var rate Rate
	err := d.Bun.NewSelect().
		Model(&rate).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rate, nil
}

// GetRateByName finds a rate by its unique (event_id, name) pair.
func (d *DB) GetRateByName(ctx context.Context, eventID, name string) (*Rate, error) {
	var rate Rate
	err := d.Bun.NewSelect().
		Model(&rate).
		Where("event_id = ?", eventID).
		Where("name = ?", name).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rate, nil
}

// RateIDs returns the set of known rate ids for an event.
func (d *DB) RateIDs(ctx context.Context, eventID string) (map[string]bool, error) {
	var ids []string
	err := d.Bun.NewSelect().
		Model((*Rate)(nil)).
		Column("id").
		Where("event_id = ?", eventID).
		Scan(ctx, &ids)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// ---------------- ORDER ITEMS ----------------

func (d *DB) GetOrderItem(ctx context.Context, id string) (*OrderItem, error) {
	var item OrderItem
	err := d.Bun.NewSelect().
		Model(&item).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ItemsMissingRate lists an event's order items whose deferred rate relation
// has not been resolved yet.
func (d *DB) ItemsMissingRate(ctx context.Context, eventID string) ([]OrderItem, error) {
	var items []OrderItem
	err := d.Bun.NewSelect().
		Model(&items).
		Join("JOIN ticket_order AS t ON t.id = order_item.order_id").
		Where("t.event_id = ?", eventID).
		Where("order_item.rate_id IS NULL").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ---------------- RATE CATEGORIES ----------------

func (d *DB) CreateRateCategory(ctx context.Context, category *RateCategory) error {
	now := time.Now().UTC()
	if category.CreatedAt.IsZero() {
		category.CreatedAt = now
	}
	category.UpdatedAt = now
	_, err := d.Bun.NewInsert().
		Model(category).
		On("CONFLICT (slug) DO UPDATE").
		Set("display_name = EXCLUDED.display_name").
		Set("display_order = EXCLUDED.display_order").
		Set("active = EXCLUDED.active").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (d *DB) ListRateCategories(ctx context.Context) ([]RateCategory, error) {
	var categories []RateCategory
	err := d.Bun.NewSelect().
		Model(&categories).
		OrderExpr("display_order, slug").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return categories, nil
}

// ---------------- REPORTING ----------------

// ReportingRows reads the reporting view: terminal orders joined with their
// items, rates and categories, ordered by event date then order creation.
func (d *DB) ReportingRows(ctx context.Context, limit int) ([]ReportingRow, error) {
	var rows []ReportingRow
	q := d.Bun.NewSelect().
		ColumnExpr("*").
		Table("reporting_order_item").
		OrderExpr("event_date IS NULL, event_date, order_created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ---------------- SCHEMA ----------------

// CreateSchema creates all tables and the reporting view. Production uses
// the SQL migrations; tests and the sqlite backend use this.
func (d *DB) CreateSchema(ctx context.Context) error {
	models := []interface{}{
		(*RateCategory)(nil),
		(*Event)(nil),
		(*TicketOrder)(nil),
		(*OrderItem)(nil),
		(*Rate)(nil),
	}
	for _, model := range models {
		if _, err := d.Bun.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	_, err := d.Bun.ExecContext(ctx, reportingView)
	return err
}
