package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anupbose/dhwani/internal/bus"
	"github.com/anupbose/dhwani/internal/observability"
	"github.com/anupbose/dhwani/internal/phone"
	"github.com/anupbose/dhwani/internal/reliability"
)

var (
	ErrNotFound = errors.New("backend: not found")
	// ErrConflict means the backend rejected a state transition as a
	// business error. Never retried.
	ErrConflict = errors.New("backend: transition rejected")
)

const (
	transitionAttempts = 5
	backoffBase        = 500 * time.Millisecond
	backoffCap         = 30 * time.Second
)

// Outbox kinds used for deferred delivery when the backend is down.
const (
	OutboxKindTransition = "order.transition"
	OutboxKindCallResult = "call.result"
)

type ClientConfig struct {
	BaseURL     string
	Token       string
	ReadTimeout time.Duration
	OrderTTL    time.Duration
	PartyTTL    time.Duration
	DefaultLang string
	Outbox      bus.OutboxStore
	Metrics     *observability.Metrics
}

// Client is the single gateway to the core backend: order reads, party
// lookups, transitions, call results and notifications. Reads are
// cached with short TTLs; mutations retry with jittered backoff and
// fall back to the durable outbox.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	orders      *ttlCache
	parties     *ttlCache
	defaultLang string
	outbox      bus.OutboxStore
	metrics     *observability.Metrics

	sleep func(context.Context, time.Duration) error
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.OrderTTL <= 0 {
		cfg.OrderTTL = 30 * time.Second
	}
	if cfg.PartyTTL <= 0 {
		cfg.PartyTTL = 2 * time.Minute
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		httpClient:  &http.Client{Timeout: cfg.ReadTimeout},
		orders:      newTTLCache(cfg.OrderTTL),
		parties:     newTTLCache(cfg.PartyTTL),
		defaultLang: cfg.DefaultLang,
		outbox:      cfg.Outbox,
		metrics:     cfg.Metrics,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetOrder returns the backend's view of an order, cached for a short
// window per id.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if v, ok := c.orders.get(orderID); ok {
		o := v.(Order)
		return &o, nil
	}
	var o Order
	if err := c.doJSON(ctx, "get_order", http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), nil, &o); err != nil {
		return nil, err
	}
	c.orders.put(orderID, o)
	return &o, nil
}

// LookupPartyByPhone resolves a caller: vendor registry first, then
// rider registry, then a bare customer party carrying only the phone.
// Results are cached on the normalized number.
func (c *Client) LookupPartyByPhone(ctx context.Context, rawPhone string) (*Party, error) {
	normalized := phone.Normalize(rawPhone)
	if v, ok := c.parties.get(normalized); ok {
		p := v.(Party)
		return &p, nil
	}
	for _, kind := range []PartyKind{PartyVendor, PartyRider} {
		var p Party
		path := fmt.Sprintf("/v1/%ss/by-phone/%s", kind, url.PathEscape(normalized))
		err := c.doJSON(ctx, "lookup_party", http.MethodGet, path, nil, &p)
		if err == nil {
			p.Kind = kind
			p.Phone = phone.Normalize(p.Phone)
			c.parties.put(normalized, p)
			return &p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	p := Party{Kind: PartyCustomer, Phone: normalized, PreferredLanguage: c.defaultLang}
	c.parties.put(normalized, p)
	return &p, nil
}

// ReportTransition asks the backend to move an order to a new state.
// Conflicts surface immediately; transport failures retry with jittered
// backoff, and the request is parked in the outbox once attempts run
// out.
func (c *Client) ReportTransition(ctx context.Context, orderID string, toState OrderState, actor, reason string) (TransitionStatus, error) {
	body := map[string]string{"toState": string(toState), "actor": actor, "reason": reason}
	path := "/v1/orders/" + url.PathEscape(orderID) + "/transition"

	err := c.mutateWithRetry(ctx, "report_transition", path, body)
	if err == nil {
		c.orders.invalidate(orderID)
		return TransitionApplied, nil
	}
	if errors.Is(err, ErrConflict) {
		return "", err
	}

	payload, _ := json.Marshal(map[string]any{"orderId": orderID, "toState": toState, "actor": actor, "reason": reason})
	if qerr := c.enqueue(ctx, orderID, OutboxKindTransition, payload); qerr != nil {
		return "", fmt.Errorf("report transition %s: %w (outbox: %v)", orderID, err, qerr)
	}
	log.Printf("backend: transition %s -> %s queued after retries: %v", orderID, toState, err)
	return TransitionQueued, nil
}

// ReportCallResult records the outcome of a call. The backend treats
// callId as the idempotency key, so retries and outbox replays are
// safe.
func (c *Client) ReportCallResult(ctx context.Context, res CallResult) error {
	path := "/v1/calls/" + url.PathEscape(res.CallID) + "/result"
	err := c.mutateWithRetry(ctx, "report_call_result", path, res)
	if err == nil {
		if c.metrics != nil {
			c.metrics.CallResultOutcomes.WithLabelValues(res.Purpose, res.Outcome).Inc()
		}
		return nil
	}
	payload, _ := json.Marshal(res)
	if qerr := c.enqueue(ctx, res.CallID, OutboxKindCallResult, payload); qerr != nil {
		return fmt.Errorf("report call result %s: %w (outbox: %v)", res.CallID, err, qerr)
	}
	log.Printf("backend: call result %s (%s) queued after retries: %v", res.CallID, res.Outcome, err)
	return nil
}

// NotifyEvent is best-effort: a single attempt, failures logged and
// swallowed so notification fan-out never blocks call handling.
func (c *Client) NotifyEvent(ctx context.Context, kind string, payload map[string]any) {
	body := map[string]any{"kind": kind, "payload": payload}
	if err := c.doJSON(ctx, "notify_event", http.MethodPost, "/v1/events", body, nil); err != nil {
		log.Printf("backend: notify %s dropped: %v", kind, err)
	}
}

func (c *Client) mutateWithRetry(ctx context.Context, op, path string, body any) error {
	var last error
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, reliability.JitteredBackoff(attempt-1, backoffBase, backoffCap)); err != nil {
				return err
			}
		}
		err := c.doJSON(ctx, op, http.MethodPost, path, body, nil)
		if err == nil {
			return nil
		}
		var re *retryableError
		if !errors.As(err, &re) {
			return err
		}
		last = err
	}
	return last
}

func (c *Client) enqueue(ctx context.Context, key, kind string, payload []byte) error {
	if c.outbox == nil {
		return errors.New("no outbox configured")
	}
	return c.outbox.Enqueue(ctx, bus.Entry{
		ID:         uuid.NewString(),
		Key:        key,
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	})
}

// DeliverEntry replays one parked outbox entry against the backend. A
// single attempt: the dispatcher owns retry pacing and per-key
// ordering. Entries with an unknown kind are acked (nil) so a bad write
// can never wedge the queue.
func (c *Client) DeliverEntry(ctx context.Context, e bus.Entry) error {
	switch e.Kind {
	case OutboxKindTransition:
		var body struct {
			OrderID string `json:"orderId"`
			ToState string `json:"toState"`
			Actor   string `json:"actor"`
			Reason  string `json:"reason"`
		}
		if err := json.Unmarshal(e.Payload, &body); err != nil {
			log.Printf("backend: outbox entry %s undecodable, dropping: %v", e.ID, err)
			return nil
		}
		path := "/v1/orders/" + url.PathEscape(body.OrderID) + "/transition"
		err := c.doJSON(ctx, "report_transition", http.MethodPost, path,
			map[string]string{"toState": body.ToState, "actor": body.Actor, "reason": body.Reason}, nil)
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			// The order moved on while the entry was parked; replaying
			// harder will not change the answer.
			log.Printf("backend: queued transition %s -> %s obsolete: %v", body.OrderID, body.ToState, err)
			return nil
		}
		if err == nil {
			c.orders.invalidate(body.OrderID)
		}
		return err
	case OutboxKindCallResult:
		var res CallResult
		if err := json.Unmarshal(e.Payload, &res); err != nil {
			log.Printf("backend: outbox entry %s undecodable, dropping: %v", e.ID, err)
			return nil
		}
		path := "/v1/calls/" + url.PathEscape(res.CallID) + "/result"
		return c.doJSON(ctx, "report_call_result", http.MethodPost, path, res, nil)
	default:
		log.Printf("backend: outbox entry %s has unknown kind %q, dropping", e.ID, e.Kind)
		return nil
	}
}

// retryableError marks transport and 5xx/429 failures eligible for the
// backoff loop.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (c *Client) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(op, "error")
		return &retryableError{fmt.Errorf("%s: %w", op, err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.observe(op, "not_found")
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode == http.StatusConflict:
		c.observe(op, "conflict")
		return fmt.Errorf("%s: %w", op, ErrConflict)
	case reliability.IsRetryableHTTPStatus(resp.StatusCode):
		c.observe(op, "error")
		return &retryableError{fmt.Errorf("%s: backend returned %s", op, resp.Status)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.observe(op, "error")
		return fmt.Errorf("%s: backend returned %s", op, resp.Status)
	}

	c.observe(op, "ok")
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

func (c *Client) observe(op, result string) {
	if c.metrics != nil {
		c.metrics.BackendRequests.WithLabelValues(op, result).Inc()
	}
}
