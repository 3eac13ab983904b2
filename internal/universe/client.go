package universe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"universe-sync/internal/config"
	"universe-sync/internal/logger"
)

// FetchError is a transient fetch failure that survived all retries. It
// carries the continuation cursor of the failed page so a later pass can
// resume instead of replaying the whole sequence.
type FetchError struct {
	EventID  string
	Cursor   string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed for event %q after %d attempts (resume cursor %q): %v",
		e.EventID, e.Attempts, e.Cursor, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// TokenSource provides bearer tokens for API calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Invalidate(ctx context.Context)
}

type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// Client issues cursor-based paged queries against the Universe GraphQL API.
// It is a pure pipe from remote pages to in-memory records.
type Client struct {
	apiURL string
	client *http.Client
	tokens TokenSource
	logger *logger.Logger

	// MaxAttempts bounds retries of a single page on transient failure.
	MaxAttempts int
	// Backoff is the base delay, doubled per attempt.
	Backoff time.Duration
}

func NewClient(apiURL string, tokens TokenSource, client *http.Client, log *logger.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	return &Client{
		apiURL:      apiURL,
		client:      client,
		tokens:      tokens,
		logger:      log,
		MaxAttempts: 4,
		Backoff:     500 * time.Millisecond,
	}
}

// clampPageSize enforces the documented API maximum. Callers exceeding it
// are clamped, not rejected.
func clampPageSize(n int) int {
	if n > config.MaxPageLimit {
		return config.MaxPageLimit
	}
	if n < 1 {
		return 1
	}
	return n
}

// execute posts one GraphQL query with retry. Transient network and 5xx
// failures back off exponentially; a 401 triggers exactly one token
// refresh-and-retry. AuthError from the token source is returned as-is.
func (c *Client) execute(ctx context.Context, query string, variables map[string]interface{}) (json.RawMessage, error) {
	var lastErr error
	refreshed := false

	for attempt := 0; attempt < c.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.Backoff << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			// Bad credentials are fatal for the pass, never retried here.
			return nil, err
		}

		body, err := json.Marshal(gqlRequest{Query: query, Variables: variables})
		if err != nil {
			return nil, fmt.Errorf("failed to encode query: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("FETCH", fmt.Sprintf("Request failed (attempt %d/%d): %v", attempt+1, c.MaxAttempts, err))
			continue
		}

		data, retryable, err := c.readResponse(resp)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, errUnauthorized) {
			if refreshed {
				return nil, fmt.Errorf("still unauthorized after token refresh")
			}
			refreshed = true
			c.logger.Warn("FETCH", "Got 401, refreshing token and retrying")
			c.tokens.Invalidate(ctx)
			attempt-- // the refresh retry does not consume an attempt
			continue
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("FETCH", fmt.Sprintf("Transient API error (attempt %d/%d): %v", attempt+1, c.MaxAttempts, err))
	}

	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

var errUnauthorized = errors.New("unauthorized")

func (c *Client) readResponse(resp *http.Response) (json.RawMessage, bool, error) {
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Error("FETCH", fmt.Sprintf("Error closing response body: %v", cerr))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, false, errUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("API returned status %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, false, fmt.Errorf("API returned status %s: %s", resp.Status, string(bodyBytes))
	}

	var envelope gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, true, fmt.Errorf("failed to decode response: %w", err)
	}

	// Partial data with errors is accepted, matching the API's behavior of
	// answering what it can.
	if len(envelope.Errors) > 0 {
		c.logger.Warn("FETCH", fmt.Sprintf("Response carried %d GraphQL error(s), first: %s",
			len(envelope.Errors), envelope.Errors[0].Message))
		if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
			return nil, false, fmt.Errorf("GraphQL error: %s", envelope.Errors[0].Message)
		}
	}

	return envelope.Data, false, nil
}

// ---------------- Event discovery ----------------

// EventPager walks the authenticated account's events. Request the next page
// only after the prior one is fully processed; the sequence ends when Next
// returns (nil, nil).
type EventPager struct {
	c        *Client
	pageSize int
	cursor   string
	done     bool
}

func (c *Client) EventPages(pageSize int) *EventPager {
	return &EventPager{c: c, pageSize: clampPageSize(pageSize)}
}

// Resume restarts the sequence from a previously reported cursor.
func (p *EventPager) Resume(cursor string) {
	p.cursor = cursor
	p.done = false
}

func (p *EventPager) Next(ctx context.Context) (*EventPage, error) {
	if p.done {
		return nil, nil
	}

	variables := map[string]interface{}{"first": p.pageSize}
	if p.cursor != "" {
		variables["after"] = p.cursor
	}

	raw, err := p.c.execute(ctx, eventsQuery, variables)
	if err != nil {
		return nil, &FetchError{Cursor: p.cursor, Attempts: p.c.MaxAttempts, Err: err}
	}

	var data eventsData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &FetchError{Cursor: p.cursor, Attempts: 1, Err: err}
	}

	conn := data.Viewer.Events
	page := &EventPage{Events: conn.Nodes}
	if conn.PageInfo.HasNextPage && conn.PageInfo.EndCursor != "" {
		page.Cursor = conn.PageInfo.EndCursor
		p.cursor = conn.PageInfo.EndCursor
	} else {
		p.done = true
	}
	return page, nil
}

// ---------------- Orders (with nested items) ----------------

// OrderPager walks one event's orders. Each order arrives with all of its
// order items: deeper item pages are followed through their own cursor
// before the order page is handed to the caller.
type OrderPager struct {
	c            *Client
	eventID      string
	updatedSince *time.Time
	pageSize     int
	cursor       string
	done         bool
}

func (c *Client) OrderPages(eventID string, updatedSince *time.Time, pageSize int) *OrderPager {
	return &OrderPager{
		c:            c,
		eventID:      eventID,
		updatedSince: updatedSince,
		pageSize:     clampPageSize(pageSize),
	}
}

func (p *OrderPager) Resume(cursor string) {
	p.cursor = cursor
	p.done = false
}

func (p *OrderPager) Next(ctx context.Context) (*OrderPage, error) {
	if p.done {
		return nil, nil
	}

	variables := map[string]interface{}{
		"eventId": p.eventID,
		"first":   p.pageSize,
	}
	if p.cursor != "" {
		variables["after"] = p.cursor
	}
	if p.updatedSince != nil {
		variables["updatedSince"] = p.updatedSince.UTC().Format("2006-01-02T15:04:05Z")
	}

	raw, err := p.c.execute(ctx, ordersQuery, variables)
	if err != nil {
		return nil, &FetchError{EventID: p.eventID, Cursor: p.cursor, Attempts: p.c.MaxAttempts, Err: err}
	}

	var data ordersData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &FetchError{EventID: p.eventID, Cursor: p.cursor, Attempts: 1, Err: err}
	}
	if data.Event == nil {
		p.c.logger.Warn("FETCH", fmt.Sprintf("Event %s: no event data returned", p.eventID))
		p.done = true
		return &OrderPage{}, nil
	}

	conn := data.Event.Orders
	page := &OrderPage{Orders: make([]RemoteOrder, 0, len(conn.Nodes))}
	for _, node := range conn.Nodes {
		order := RemoteOrder{
			ID:        node.ID,
			State:     node.State,
			CreatedAt: node.CreatedAt,
			Confirmed: node.Confirmed,
			Buyer:     node.Buyer,
			Items:     node.OrderItems.Nodes,
		}
		// Follow the item-level cursor when one order has more items than
		// fit in the first nested page.
		itemInfo := node.OrderItems.PageInfo
		for itemInfo.HasNextPage && itemInfo.EndCursor != "" {
			items, next, err := p.c.fetchOrderItems(ctx, node.ID, p.pageSize, itemInfo.EndCursor)
			if err != nil {
				return nil, &FetchError{EventID: p.eventID, Cursor: p.cursor, Attempts: p.c.MaxAttempts, Err: err}
			}
			order.Items = append(order.Items, items...)
			itemInfo = next
		}
		page.Orders = append(page.Orders, order)
	}

	if conn.PageInfo.HasNextPage && conn.PageInfo.EndCursor != "" {
		page.Cursor = conn.PageInfo.EndCursor
		p.cursor = conn.PageInfo.EndCursor
	} else {
		p.done = true
	}
	return page, nil
}

func (c *Client) fetchOrderItems(ctx context.Context, orderID string, pageSize int, after string) ([]RemoteOrderItem, pageInfo, error) {
	variables := map[string]interface{}{
		"orderId": orderID,
		"first":   clampPageSize(pageSize),
		"after":   after,
	}

	raw, err := c.execute(ctx, orderItemsQuery, variables)
	if err != nil {
		return nil, pageInfo{}, err
	}

	var data orderItemsData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, pageInfo{}, err
	}
	if data.Order == nil {
		return nil, pageInfo{}, fmt.Errorf("order %s: no order data returned", orderID)
	}
	return data.Order.OrderItems.Nodes, data.Order.OrderItems.PageInfo, nil
}

// ---------------- Rates ----------------

// RatePager walks one event's price tiers.
type RatePager struct {
	c        *Client
	eventID  string
	pageSize int
	cursor   string
	done     bool
}

func (c *Client) RatePages(eventID string, pageSize int) *RatePager {
	return &RatePager{c: c, eventID: eventID, pageSize: clampPageSize(pageSize)}
}

func (p *RatePager) Resume(cursor string) {
	p.cursor = cursor
	p.done = false
}

func (p *RatePager) Next(ctx context.Context) (*RatePage, error) {
	if p.done {
		return nil, nil
	}

	variables := map[string]interface{}{
		"eventId": p.eventID,
		"first":   p.pageSize,
	}
	if p.cursor != "" {
		variables["after"] = p.cursor
	}

	raw, err := p.c.execute(ctx, ratesQuery, variables)
	if err != nil {
		return nil, &FetchError{EventID: p.eventID, Cursor: p.cursor, Attempts: p.c.MaxAttempts, Err: err}
	}

	var data ratesData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &FetchError{EventID: p.eventID, Cursor: p.cursor, Attempts: 1, Err: err}
	}
	if data.Event == nil {
		p.done = true
		return &RatePage{}, nil
	}

	conn := data.Event.Rates
	page := &RatePage{Rates: conn.Nodes}
	if conn.PageInfo.HasNextPage && conn.PageInfo.EndCursor != "" {
		page.Cursor = conn.PageInfo.EndCursor
		p.cursor = conn.PageInfo.EndCursor
	} else {
		p.done = true
	}
	return page, nil
}
