package universe_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"universe-sync/internal/logger"
	"universe-sync/internal/universe"
)

type staticTokens struct {
	token       string
	invalidated int32
}

func (s *staticTokens) AccessToken(ctx context.Context) (string, error) { return s.token, nil }
func (s *staticTokens) Invalidate(ctx context.Context)                 { atomic.AddInt32(&s.invalidated, 1) }

type gqlCall struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

func decodeCall(t *testing.T, r *http.Request) gqlCall {
	var call gqlCall
	require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
	return call
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*universe.Client, *staticTokens, *httptest.Server) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tokens := &staticTokens{token: "tok"}
	c := universe.NewClient(srv.URL, tokens, srv.Client(), logger.NewLogger())
	c.Backoff = time.Millisecond
	return c, tokens, srv
}

func orderNodes(prefix string, n int) []map[string]interface{} {
	nodes := make([]map[string]interface{}, 0, n)
	for i := 0; i < n; i++ {
		nodes = append(nodes, map[string]interface{}{
			"id":        fmt.Sprintf("%s-%d", prefix, i),
			"state":     "PAID",
			"createdAt": "2026-05-01T10:00:00Z",
			"confirmed": true,
			"buyer":     map[string]interface{}{"firstName": "Ada", "lastName": "L", "email": "ada@example.com"},
			"orderItems": map[string]interface{}{
				"pageInfo": map[string]interface{}{"endCursor": "", "hasNextPage": false},
				"nodes":    []interface{}{},
			},
		})
	}
	return nodes
}

func writeOrdersPage(w http.ResponseWriter, nodes []map[string]interface{}, endCursor string, hasNext bool) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data": map[string]interface{}{
			"event": map[string]interface{}{
				"orders": map[string]interface{}{
					"pageInfo": map[string]interface{}{"endCursor": endCursor, "hasNextPage": hasNext},
					"nodes":    nodes,
				},
			},
		},
	})
}

func TestOrderPagerTwoPages(t *testing.T) {
	// Page 1: 50 orders with cursor "c1"; page 2: 10 orders, no cursor.
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		call := decodeCall(t, r)
		assert.Contains(t, call.Query, "OrdersPage")
		assert.Equal(t, "evt_1", call.Variables["eventId"])

		if _, ok := call.Variables["after"]; !ok {
			writeOrdersPage(w, orderNodes("ord-a", 50), "c1", true)
			return
		}
		assert.Equal(t, "c1", call.Variables["after"])
		writeOrdersPage(w, orderNodes("ord-b", 10), "", false)
	})

	pager := c.OrderPages("evt_1", nil, 50)

	page1, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, page1.Orders, 50)
	assert.Equal(t, "c1", page1.Cursor)

	page2, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, page2.Orders, 10)
	assert.Equal(t, "", page2.Cursor)

	// Sequence terminates when a page returns no continuation cursor.
	page3, err := pager.Next(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, page3)
}

func TestPageSizeClamped(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		call := decodeCall(t, r)
		assert.Equal(t, float64(50), call.Variables["first"])
		writeOrdersPage(w, nil, "", false)
	})

	pager := c.OrderPages("evt_1", nil, 5000)
	_, err := pager.Next(context.Background())
	assert.NoError(t, err)
}

func TestRetryOnServerError(t *testing.T) {
	var calls int32
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			http.Error(w, "upstream exploded", http.StatusBadGateway)
			return
		}
		writeOrdersPage(w, orderNodes("ord", 1), "", false)
	})

	pager := c.OrderPages("evt_1", nil, 10)
	page, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, page.Orders, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestUnauthorizedTriggersOneRefresh(t *testing.T) {
	var calls int32
	c, tokens, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		writeOrdersPage(w, orderNodes("ord", 1), "", false)
	})

	pager := c.OrderPages("evt_1", nil, 10)
	page, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, page.Orders, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.invalidated))
}

func TestFetchErrorCarriesResumeCursor(t *testing.T) {
	var calls int32
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		call := decodeCall(t, r)
		if _, ok := call.Variables["after"]; !ok {
			writeOrdersPage(w, orderNodes("ord", 2), "c1", true)
			return
		}
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down", http.StatusInternalServerError)
	})
	c.MaxAttempts = 3

	pager := c.OrderPages("evt_1", nil, 10)

	page, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c1", page.Cursor)

	_, err = pager.Next(context.Background())
	require.Error(t, err)

	var fetchErr *universe.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, "evt_1", fetchErr.EventID)
	assert.Equal(t, "c1", fetchErr.Cursor)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestNestedItemCursorFollowed(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		call := decodeCall(t, r)
		if strings.Contains(call.Query, "OrderItemsPage") {
			assert.Equal(t, "ord-big", call.Variables["orderId"])
			assert.Equal(t, "items-c1", call.Variables["after"])
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"order": map[string]interface{}{
						"orderItems": map[string]interface{}{
							"pageInfo": map[string]interface{}{"endCursor": "", "hasNextPage": false},
							"nodes": []map[string]interface{}{
								{"id": "item-2", "amount": 1, "orderState": "PAID", "qrCode": "qr-2"},
							},
						},
					},
				},
			})
			return
		}

		nodes := []map[string]interface{}{
			{
				"id":        "ord-big",
				"state":     "PAID",
				"createdAt": "2026-05-01T10:00:00Z",
				"confirmed": true,
				"orderItems": map[string]interface{}{
					"pageInfo": map[string]interface{}{"endCursor": "items-c1", "hasNextPage": true},
					"nodes": []map[string]interface{}{
						{"id": "item-1", "amount": 1, "orderState": "PAID", "qrCode": "qr-1"},
					},
				},
			},
		}
		writeOrdersPage(w, nodes, "", false)
	})

	pager := c.OrderPages("evt_1", nil, 10)
	page, err := pager.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, page.Orders, 1)
	assert.Len(t, page.Orders[0].Items, 2)
	assert.Equal(t, "item-2", page.Orders[0].Items[1].ID)
}

func TestRatePager(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		call := decodeCall(t, r)
		assert.Contains(t, call.Query, "RatesPage")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"event": map[string]interface{}{
					"rates": map[string]interface{}{
						"pageInfo": map[string]interface{}{"endCursor": "", "hasNextPage": false},
						"nodes": []map[string]interface{}{
							{"id": "rate-1", "name": "Early Bird", "price": 25.0, "maxQuantity": 100, "soldCount": 40},
						},
					},
				},
			},
		})
	})

	pager := c.RatePages("evt_1", 10)
	page, err := pager.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, page.Rates, 1)
	assert.Equal(t, "Early Bird", page.Rates[0].Name)

	end, err := pager.Next(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, end)
}

func TestEventPagerResume(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		call := decodeCall(t, r)
		assert.Contains(t, call.Query, "EventsPage")
		assert.Equal(t, "saved-cursor", call.Variables["after"])
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"viewer": map[string]interface{}{
					"events": map[string]interface{}{
						"pageInfo": map[string]interface{}{"endCursor": "", "hasNextPage": false},
						"nodes": []map[string]interface{}{
							{"id": "evt_9", "title": "Late addition", "state": "POSTED", "slug": "late"},
						},
					},
				},
			},
		})
	})

	pager := c.EventPages(10)
	pager.Resume("saved-cursor")

	page, err := pager.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "evt_9", page.Events[0].ID)
}
