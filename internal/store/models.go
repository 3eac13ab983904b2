package store

import (
	"time"

	"github.com/uptrace/bun"
)

// Fetch lifecycle states. Transitions are monotonic: active -> closed, never
// back.
const (
	FetchStateActive = "active"
	FetchStateClosed = "closed"
)

// Event mirrors one remote event. The remote event id is the stable external
// key; fetch_state and last_fetched_at are local sync bookkeeping.
type Event struct {
	bun.BaseModel `bun:"table:event"`

	ID              string     `bun:"id,pk" json:"id"`
	Title           string     `bun:"title,nullzero" json:"title"`
	State           string     `bun:"state,nullzero" json:"state"`
	MaxQuantity     int        `bun:"max_quantity,nullzero" json:"max_quantity"`
	Slug            string     `bun:"slug,nullzero" json:"slug"`
	URL             string     `bun:"url,nullzero" json:"url,omitempty"`
	CalendarDate    *time.Time `bun:"calendar_date,nullzero" json:"calendar_date,omitempty"`
	RemoteUpdatedAt *time.Time `bun:"remote_updated_at,nullzero" json:"remote_updated_at,omitempty"`
	FetchState      string     `bun:"fetch_state,notnull,default:'active'" json:"fetch_state"`
	LastFetchedAt   *time.Time `bun:"last_fetched_at,nullzero" json:"last_fetched_at,omitempty"`
}

// TicketOrder is owned by exactly one Event. Remote is authoritative for
// every field; local edits are never preserved.
type TicketOrder struct {
	bun.BaseModel `bun:"table:ticket_order"`

	ID             string    `bun:"id,pk" json:"id"`
	EventID        string    `bun:"event_id,notnull" json:"event_id"`
	State          string    `bun:"state,nullzero" json:"state"`
	CreatedAt      time.Time `bun:"created_at,nullzero" json:"created_at"`
	Confirmed      bool      `bun:"confirmed" json:"confirmed"`
	BuyerFirstName *string   `bun:"buyer_first_name,nullzero" json:"buyer_first_name,omitempty"`
	BuyerLastName  *string   `bun:"buyer_last_name,nullzero" json:"buyer_last_name,omitempty"`
	BuyerEmail     *string   `bun:"buyer_email,nullzero" json:"buyer_email,omitempty"`
}

// OrderItem is owned by one TicketOrder. RateID stays NULL until the
// referenced rate has been reconciled; RateName/RatePrice are denormalized
// snapshots taken at purchase time and survive later rate edits.
type OrderItem struct {
	bun.BaseModel `bun:"table:order_item"`

	ID                string   `bun:"id,pk" json:"id"`
	OrderID           string   `bun:"order_id,notnull" json:"order_id"`
	Amount            int      `bun:"amount,nullzero" json:"amount"`
	OrderState        string   `bun:"order_state,nullzero" json:"order_state"`
	QRCode            string   `bun:"qr_code,nullzero" json:"qr_code"`
	AttendeeFirstName string   `bun:"attendee_first_name,nullzero" json:"attendee_first_name,omitempty"`
	AttendeeLastName  string   `bun:"attendee_last_name,nullzero" json:"attendee_last_name,omitempty"`
	RateID            *string  `bun:"rate_id,nullzero" json:"rate_id,omitempty"`
	RateName          string   `bun:"rate_name,nullzero" json:"rate_name,omitempty"`
	RatePrice         *float64 `bun:"rate_price,nullzero" json:"rate_price,omitempty"`
}

// Rate is one price tier of an event. Remote rate ids are globally unique.
// (event_id, name) is unique: a renamed tier is reconciled, never duplicated.
// normalized_name and rate_category_slug are operator-correctable and never
// clobbered by sync once set.
type Rate struct {
	bun.BaseModel `bun:"table:rate"`

	ID               string    `bun:"id,pk" json:"id"`
	EventID          string    `bun:"event_id,notnull,unique:rate_event_name" json:"event_id"`
	Name             string    `bun:"name,notnull,unique:rate_event_name" json:"name"`
	Price            *float64  `bun:"price,nullzero" json:"price,omitempty"`
	MaxQuantity      int       `bun:"max_quantity,nullzero" json:"max_quantity"`
	SoldCount        int       `bun:"sold_count,nullzero" json:"sold_count"`
	NormalizedName   *string   `bun:"normalized_name,nullzero" json:"normalized_name,omitempty"`
	RateCategorySlug *string   `bun:"rate_category_slug,nullzero" json:"rate_category_slug,omitempty"`
	UpdatedAt        time.Time `bun:"updated_at,nullzero" json:"updated_at"`
}

// RateCategory is an operator-maintained master table. The reconciler reads
// it but never deletes from it.
type RateCategory struct {
	bun.BaseModel `bun:"table:rate_category"`

	Slug         string    `bun:"slug,pk" json:"slug"`
	DisplayName  string    `bun:"display_name,notnull" json:"display_name"`
	DisplayOrder int       `bun:"display_order,nullzero" json:"display_order"`
	Active       bool      `bun:"active" json:"active"`
	CreatedAt    time.Time `bun:"created_at,nullzero" json:"created_at"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero" json:"updated_at"`
}

// ReportingRow is one row of the reporting_order_item view, the read
// contract external reporting tools depend on.
type ReportingRow struct {
	EventID           string     `bun:"event_id" json:"event_id"`
	EventTitle        string     `bun:"event_title" json:"event_title"`
	EventDate         *time.Time `bun:"event_date" json:"event_date,omitempty"`
	OrderID           string     `bun:"order_id" json:"order_id"`
	OrderState        string     `bun:"order_state" json:"order_state"`
	OrderCreatedAt    time.Time  `bun:"order_created_at" json:"order_created_at"`
	BuyerEmail        *string    `bun:"buyer_email" json:"buyer_email,omitempty"`
	ItemID            string     `bun:"item_id" json:"item_id"`
	Amount            int        `bun:"amount" json:"amount"`
	ItemState         string     `bun:"item_state" json:"item_state"`
	QRCode            string     `bun:"qr_code" json:"qr_code"`
	AttendeeFirstName string     `bun:"attendee_first_name" json:"attendee_first_name,omitempty"`
	AttendeeLastName  string     `bun:"attendee_last_name" json:"attendee_last_name,omitempty"`
	RateName          string     `bun:"rate_name" json:"rate_name"`
	RatePrice         *float64   `bun:"rate_price" json:"rate_price,omitempty"`
	RateCategory      *string    `bun:"rate_category" json:"rate_category,omitempty"`
}
