package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"universe-sync/internal/logger"
	"universe-sync/internal/store"
	"universe-sync/internal/universe"
)

// ReconcileError is a data-level conflict during upsert. It is isolated to
// one event and never aborts the pass.
type ReconcileError struct {
	EventID string
	Err     error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile failed for event %q: %v", e.EventID, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// ReconcileResult counts the net effect of one reconcile batch.
type ReconcileResult struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

func (r *ReconcileResult) add(other ReconcileResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Unchanged += other.Unchanged
}

// Upserted is the number of rows actually written.
func (r ReconcileResult) Upserted() int { return r.Inserted + r.Updated }

// ItemWithOrder ties a fetched order item to its owning order id.
type ItemWithOrder struct {
	OrderID string
	Item    universe.RemoteOrderItem
}

// Reconciler merges fetched records into the store via idempotent upsert.
// Replaying identical data produces zero net changes and the same row count.
type Reconciler struct {
	DB     *store.DB
	Logger *logger.Logger
}

func NewReconciler(db *store.DB, log *logger.Logger) *Reconciler {
	return &Reconciler{DB: db, Logger: log}
}

// Reconcile applies one batch for one event inside a single transaction:
// rates first, then orders, then order items, so items can resolve their
// rate relation against rates committed in the same batch.
func (r *Reconciler) Reconcile(ctx context.Context, eventID string, orders []universe.RemoteOrder, items []ItemWithOrder, rates []universe.RemoteRate) (ReconcileResult, error) {
	var result ReconcileResult

	err := r.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		rateResult, err := r.reconcileRates(ctx, tx, eventID, rates)
		if err != nil {
			return fmt.Errorf("rates: %w", err)
		}
		result.add(rateResult)

		orderResult, err := r.reconcileOrders(ctx, tx, eventID, orders)
		if err != nil {
			return fmt.Errorf("orders: %w", err)
		}
		result.add(orderResult)

		itemResult, err := r.reconcileItems(ctx, tx, eventID, items)
		if err != nil {
			return fmt.Errorf("order items: %w", err)
		}
		result.add(itemResult)

		return nil
	})
	if err != nil {
		return ReconcileResult{}, &ReconcileError{EventID: eventID, Err: err}
	}

	return result, nil
}

// reconcileRates upserts rates by remote id. An incoming (event_id, name)
// pair colliding with a different existing row is stored under a
// disambiguated name and inherits the colliding row's normalized_name and
// category, so a renamed tier never becomes a duplicate economic tier.
func (r *Reconciler) reconcileRates(ctx context.Context, tx bun.Tx, eventID string, rates []universe.RemoteRate) (ReconcileResult, error) {
	var result ReconcileResult
	if len(rates) == 0 {
		return result, nil
	}

	// Latest snapshot per remote id wins within one batch.
	deduped := make([]universe.RemoteRate, 0, len(rates))
	seen := make(map[string]int, len(rates))
	for _, rate := range rates {
		if rate.ID == "" {
			continue
		}
		if idx, ok := seen[rate.ID]; ok {
			deduped[idx] = rate
			continue
		}
		seen[rate.ID] = len(deduped)
		deduped = append(deduped, rate)
	}

	now := time.Now().UTC()
	for _, remote := range deduped {
		incoming := store.Rate{
			ID:          remote.ID,
			EventID:     eventID,
			Name:        remote.Name,
			Price:       remote.Price,
			MaxQuantity: remote.MaxQuantity,
			SoldCount:   remote.SoldCount,
			UpdatedAt:   now,
		}

		colliding, err := r.findCollidingRate(ctx, tx, eventID, remote.Name, remote.ID)
		if err != nil {
			return result, err
		}
		if colliding != nil {
			incoming.Name = fmt.Sprintf("%s [%s]", remote.Name, remote.ID)
			normalized := remote.Name
			if colliding.NormalizedName != nil {
				normalized = *colliding.NormalizedName
			}
			incoming.NormalizedName = &normalized
			incoming.RateCategorySlug = colliding.RateCategorySlug
			r.Logger.Warn("SYNC", fmt.Sprintf("Rate name %q on event %s already held by rate %s; storing %s as %q",
				remote.Name, eventID, colliding.ID, remote.ID, incoming.Name))
		}

		existing, err := r.findRate(ctx, tx, remote.ID)
		if err != nil {
			return result, err
		}

		if existing == nil {
			if _, err := tx.NewInsert().Model(&incoming).Exec(ctx); err != nil {
				return result, err
			}
			result.Inserted++
			continue
		}

		// Sticky fields: manual edits to normalized_name and category are
		// never clobbered.
		if existing.NormalizedName != nil {
			incoming.NormalizedName = existing.NormalizedName
		}
		if existing.RateCategorySlug != nil {
			incoming.RateCategorySlug = existing.RateCategorySlug
		}

		if ratesEqual(existing, &incoming) {
			result.Unchanged++
			continue
		}

		_, err = tx.NewUpdate().
			Model(&incoming).
			Column("event_id", "name", "price", "max_quantity", "sold_count", "normalized_name", "rate_category_slug", "updated_at").
			Where("id = ?", incoming.ID).
			Exec(ctx)
		if err != nil {
			return result, err
		}
		result.Updated++
	}

	return result, nil
}

func (r *Reconciler) reconcileOrders(ctx context.Context, tx bun.Tx, eventID string, orders []universe.RemoteOrder) (ReconcileResult, error) {
	var result ReconcileResult
	if len(orders) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(orders))
	for _, order := range orders {
		ids = append(ids, order.ID)
	}
	existing, err := existingOrders(ctx, tx, ids)
	if err != nil {
		return result, err
	}

	var toInsert []store.TicketOrder
	for _, remote := range orders {
		incoming := store.TicketOrder{
			ID:        remote.ID,
			EventID:   eventID,
			State:     remote.State,
			CreatedAt: remote.CreatedAt,
			Confirmed: remote.Confirmed,
		}
		if remote.Buyer != nil {
			incoming.BuyerFirstName = remote.Buyer.FirstName
			incoming.BuyerLastName = remote.Buyer.LastName
			incoming.BuyerEmail = remote.Buyer.Email
		}

		current, ok := existing[remote.ID]
		if !ok {
			toInsert = append(toInsert, incoming)
			continue
		}
		if ordersEqual(&current, &incoming) {
			result.Unchanged++
			continue
		}
		// Remote is authoritative for every order field.
		_, err := tx.NewUpdate().
			Model(&incoming).
			Column("event_id", "state", "created_at", "confirmed", "buyer_first_name", "buyer_last_name", "buyer_email").
			Where("id = ?", incoming.ID).
			Exec(ctx)
		if err != nil {
			return result, err
		}
		result.Updated++
	}

	if len(toInsert) > 0 {
		if _, err := tx.NewInsert().Model(&toInsert).Exec(ctx); err != nil {
			return result, err
		}
		result.Inserted += len(toInsert)
	}

	return result, nil
}

// reconcileItems upserts order items, resolving rate_id against rates
// already in the store (including ones committed earlier in this
// transaction). Items whose rate has not arrived yet land with a NULL
// rate_id and their denormalized snapshot; ValidateRateLinks resolves them
// later.
func (r *Reconciler) reconcileItems(ctx context.Context, tx bun.Tx, eventID string, items []ItemWithOrder) (ReconcileResult, error) {
	var result ReconcileResult
	if len(items) == 0 {
		return result, nil
	}

	knownRates, err := rateIDSet(ctx, tx, eventID)
	if err != nil {
		return result, err
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.Item.ID)
	}
	existing, err := existingItems(ctx, tx, ids)
	if err != nil {
		return result, err
	}

	var toInsert []store.OrderItem
	for _, entry := range items {
		remote := entry.Item
		incoming := store.OrderItem{
			ID:                remote.ID,
			OrderID:           entry.OrderID,
			Amount:            remote.Amount,
			OrderState:        remote.OrderState,
			QRCode:            remote.QRCode,
			AttendeeFirstName: remote.FirstName,
			AttendeeLastName:  remote.LastName,
		}
		if remote.Rate != nil {
			incoming.RateName = remote.Rate.Name
			incoming.RatePrice = remote.Rate.Price
			if knownRates[remote.Rate.ID] {
				rateID := remote.Rate.ID
				incoming.RateID = &rateID
			}
		}

		current, ok := existing[remote.ID]
		if !ok {
			toInsert = append(toInsert, incoming)
			continue
		}

		// Keep the first non-null price we ever saw.
		if current.RatePrice != nil {
			incoming.RatePrice = current.RatePrice
		}
		// Never regress an already resolved rate relation.
		if incoming.RateID == nil && current.RateID != nil {
			incoming.RateID = current.RateID
		}

		if itemsEqual(&current, &incoming) {
			result.Unchanged++
			continue
		}
		_, err := tx.NewUpdate().
			Model(&incoming).
			Column("order_id", "amount", "order_state", "qr_code", "attendee_first_name", "attendee_last_name", "rate_id", "rate_name", "rate_price").
			Where("id = ?", incoming.ID).
			Exec(ctx)
		if err != nil {
			return result, err
		}
		result.Updated++
	}

	if len(toInsert) > 0 {
		if _, err := tx.NewInsert().Model(&toInsert).Exec(ctx); err != nil {
			return result, err
		}
		result.Inserted += len(toInsert)
	}

	return result, nil
}

// ValidateRateLinks is the consistency pass behind the deferred rate
// relation: items stored before their rate arrived get rate_id populated by
// matching the denormalized snapshot name. Returns resolved and still
// unresolvable counts.
func (r *Reconciler) ValidateRateLinks(ctx context.Context, eventID string) (int, int, error) {
	missing, err := r.DB.ItemsMissingRate(ctx, eventID)
	if err != nil {
		return 0, 0, &ReconcileError{EventID: eventID, Err: err}
	}
	if len(missing) == 0 {
		return 0, 0, nil
	}

	resolved, unresolved := 0, 0
	for _, item := range missing {
		if item.RateName == "" {
			unresolved++
			continue
		}
		rate, err := r.DB.GetRateByName(ctx, eventID, item.RateName)
		if err != nil {
			return resolved, unresolved, &ReconcileError{EventID: eventID, Err: err}
		}
		if rate == nil {
			unresolved++
			continue
		}
		_, err = r.DB.Bun.NewUpdate().
			Model((*store.OrderItem)(nil)).
			Set("rate_id = ?", rate.ID).
			Where("id = ?", item.ID).
			Exec(ctx)
		if err != nil {
			return resolved, unresolved, &ReconcileError{EventID: eventID, Err: err}
		}
		resolved++
	}

	if unresolved > 0 {
		r.Logger.Warn("SYNC", fmt.Sprintf("Event %s: %d order item(s) still have no matching rate", eventID, unresolved))
	}
	return resolved, unresolved, nil
}

// ---------------- lookup helpers ----------------

func (r *Reconciler) findRate(ctx context.Context, tx bun.Tx, id string) (*store.Rate, error) {
	var rate store.Rate
	err := tx.NewSelect().Model(&rate).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rate, nil
}

func (r *Reconciler) findCollidingRate(ctx context.Context, tx bun.Tx, eventID, name, excludeID string) (*store.Rate, error) {
	var rate store.Rate
	err := tx.NewSelect().
		Model(&rate).
		Where("event_id = ?", eventID).
		Where("name = ?", name).
		Where("id != ?", excludeID).
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

func rateIDSet(ctx context.Context, tx bun.Tx, eventID string) (map[string]bool, error) {
	var ids []string
	err := tx.NewSelect().
		Model((*store.Rate)(nil)).
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

func existingOrders(ctx context.Context, tx bun.Tx, ids []string) (map[string]store.TicketOrder, error) {
	var rows []store.TicketOrder
	err := tx.NewSelect().
		Model(&rows).
		Where("id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.TicketOrder, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	return byID, nil
}

func existingItems(ctx context.Context, tx bun.Tx, ids []string) (map[string]store.OrderItem, error) {
	var rows []store.OrderItem
	err := tx.NewSelect().
		Model(&rows).
		Where("id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.OrderItem, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	return byID, nil
}

// ---------------- equality helpers ----------------

func ratesEqual(a, b *store.Rate) bool {
	return a.EventID == b.EventID &&
		a.Name == b.Name &&
		floatPtrEqual(a.Price, b.Price) &&
		a.MaxQuantity == b.MaxQuantity &&
		a.SoldCount == b.SoldCount &&
		strPtrEqual(a.NormalizedName, b.NormalizedName) &&
		strPtrEqual(a.RateCategorySlug, b.RateCategorySlug)
}

func ordersEqual(a, b *store.TicketOrder) bool {
	return a.EventID == b.EventID &&
		a.State == b.State &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.Confirmed == b.Confirmed &&
		strPtrEqual(a.BuyerFirstName, b.BuyerFirstName) &&
		strPtrEqual(a.BuyerLastName, b.BuyerLastName) &&
		strPtrEqual(a.BuyerEmail, b.BuyerEmail)
}

func itemsEqual(a, b *store.OrderItem) bool {
	return a.OrderID == b.OrderID &&
		a.Amount == b.Amount &&
		a.OrderState == b.OrderState &&
		a.QRCode == b.QRCode &&
		a.AttendeeFirstName == b.AttendeeFirstName &&
		a.AttendeeLastName == b.AttendeeLastName &&
		strPtrEqual(a.RateID, b.RateID) &&
		a.RateName == b.RateName &&
		floatPtrEqual(a.RatePrice, b.RatePrice)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
