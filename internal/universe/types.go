package universe

import "time"

// Remote record shapes as returned by the Universe GraphQL API. The store
// layer owns the persisted shapes; these are pure wire types.

type RemoteEvent struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	State         string    `json:"state"`
	MaxQuantity   int       `json:"maxQuantity"`
	Slug          string    `json:"slug"`
	URL           string    `json:"url"`
	UpdatedAt     time.Time `json:"updatedAt"`
	CalendarDates []string  `json:"calendarDates"`
}

// FirstCalendarDate returns the first calendar date of the event, or nil.
// The remote source provides an array; only the first element is retained.
func (e *RemoteEvent) FirstCalendarDate() *time.Time {
	if len(e.CalendarDates) == 0 {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, e.CalendarDates[0]); err == nil {
			return &t
		}
	}
	return nil
}

type RemoteBuyer struct {
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
	Email     *string `json:"email"`
}

type RemoteRate struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Price       *float64 `json:"price"`
	MaxQuantity int      `json:"maxQuantity"`
	SoldCount   int      `json:"soldCount"`
}

type RemoteOrderItem struct {
	ID         string      `json:"id"`
	Amount     int         `json:"amount"`
	OrderState string      `json:"orderState"`
	QRCode     string      `json:"qrCode"`
	FirstName  string      `json:"firstName"`
	LastName   string      `json:"lastName"`
	Rate       *RemoteRate `json:"rate"`
}

type RemoteOrder struct {
	ID        string       `json:"id"`
	State     string       `json:"state"`
	CreatedAt time.Time    `json:"createdAt"`
	Confirmed bool         `json:"confirmed"`
	Buyer     *RemoteBuyer `json:"buyer"`
	Items     []RemoteOrderItem
}

// Pages carry one fetched page of records plus the continuation cursor for
// the next page. An empty cursor means the sequence is exhausted.

type EventPage struct {
	Events []RemoteEvent
	Cursor string
}

type OrderPage struct {
	Orders []RemoteOrder
	Cursor string
}

type RatePage struct {
	Rates  []RemoteRate
	Cursor string
}

// GraphQL documents. Orders embed their first page of order items; deeper
// item pages are followed through the orderItems cursor per order.

const eventsQuery = `
query EventsPage($first: Int!, $after: String) {
  viewer {
    events(first: $first, after: $after) {
      pageInfo { endCursor hasNextPage }
      nodes { id title state maxQuantity slug updatedAt calendarDates url }
    }
  }
}`

const ordersQuery = `
query OrdersPage($eventId: ID!, $first: Int!, $after: String, $updatedSince: Time) {
  event(id: $eventId) {
    orders(updatedSince: $updatedSince, first: $first, after: $after) {
      pageInfo { endCursor hasNextPage }
      nodes {
        id state createdAt confirmed
        buyer { firstName lastName email }
        orderItems(first: $first) {
          pageInfo { endCursor hasNextPage }
          nodes {
            id amount orderState qrCode firstName lastName
            rate { id name soldCount maxQuantity price }
          }
        }
      }
    }
  }
}`

const orderItemsQuery = `
query OrderItemsPage($orderId: ID!, $first: Int!, $after: String) {
  order(id: $orderId) {
    orderItems(first: $first, after: $after) {
      pageInfo { endCursor hasNextPage }
      nodes {
        id amount orderState qrCode firstName lastName
        rate { id name soldCount maxQuantity price }
      }
    }
  }
}`

const ratesQuery = `
query RatesPage($eventId: ID!, $first: Int!, $after: String) {
  event(id: $eventId) {
    rates(first: $first, after: $after) {
      pageInfo { endCursor hasNextPage }
      nodes { id name price maxQuantity soldCount }
    }
  }
}`

// Decode envelopes

type pageInfo struct {
	EndCursor   string `json:"endCursor"`
	HasNextPage bool   `json:"hasNextPage"`
}

type itemConnection struct {
	PageInfo pageInfo          `json:"pageInfo"`
	Nodes    []RemoteOrderItem `json:"nodes"`
}

type orderNode struct {
	ID         string         `json:"id"`
	State      string         `json:"state"`
	CreatedAt  time.Time      `json:"createdAt"`
	Confirmed  bool           `json:"confirmed"`
	Buyer      *RemoteBuyer   `json:"buyer"`
	OrderItems itemConnection `json:"orderItems"`
}

type eventsData struct {
	Viewer struct {
		Events struct {
			PageInfo pageInfo      `json:"pageInfo"`
			Nodes    []RemoteEvent `json:"nodes"`
		} `json:"events"`
	} `json:"viewer"`
}

type ordersData struct {
	Event *struct {
		Orders struct {
			PageInfo pageInfo    `json:"pageInfo"`
			Nodes    []orderNode `json:"nodes"`
		} `json:"orders"`
	} `json:"event"`
}

type orderItemsData struct {
	Order *struct {
		OrderItems itemConnection `json:"orderItems"`
	} `json:"order"`
}

type ratesData struct {
	Event *struct {
		Rates struct {
			PageInfo pageInfo     `json:"pageInfo"`
			Nodes    []RemoteRate `json:"nodes"`
		} `json:"rates"`
	} `json:"event"`
}
