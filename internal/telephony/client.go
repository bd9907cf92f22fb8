package telephony

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anupbose/dhwani/internal/reliability"
)

const (
	placementAttempts = 3
	placementBackoff  = 500 * time.Millisecond

	// Recording downloads are bounded so a misbehaving provider cannot
	// hold a session open or balloon memory.
	maxRecordingBytes = 10 << 20
)

var ErrRecordingTooLarge = errors.New("telephony: recording exceeds size limit")

// PlacementRequest describes one outbound call.
type PlacementRequest struct {
	To       string
	CallerID string
	Purpose  string
	OrderID  string
	Language string
	// RingOnly places a short attention call with no interactive leg.
	RingOnly  bool
	TimeLimit time.Duration
}

type ClientConfig struct {
	BaseURL          string
	AccountID        string
	APIKey           string
	APIToken         string
	CallbackBaseURL  string
	HMACSecret       string
	RecordingTimeout time.Duration
	TimeLimit        time.Duration
}

// Client signs and submits outbound requests to the telephony provider:
// call placement and recording retrieval.
type Client struct {
	baseURL         string
	accountID       string
	apiKey          string
	apiToken        string
	callbackBaseURL string
	secret          string
	timeLimit       time.Duration
	httpClient      *http.Client
	recordingClient *http.Client

	sleep func(context.Context, time.Duration) error
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.RecordingTimeout <= 0 {
		cfg.RecordingTimeout = 30 * time.Second
	}
	if cfg.TimeLimit <= 0 {
		cfg.TimeLimit = 30 * time.Minute
	}
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		accountID:       cfg.AccountID,
		apiKey:          cfg.APIKey,
		apiToken:        cfg.APIToken,
		callbackBaseURL: strings.TrimRight(cfg.CallbackBaseURL, "/"),
		secret:          cfg.HMACSecret,
		timeLimit:       cfg.TimeLimit,
		httpClient:      &http.Client{Timeout: 15 * time.Second},
		recordingClient: &http.Client{Timeout: cfg.RecordingTimeout},
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// CallbackURL builds the signed status-callback URL handed to the
// provider at placement. The signature covers purpose and order so a
// forged callback cannot steer another order's call flow.
func (c *Client) CallbackURL(purpose, orderID string) string {
	q := url.Values{}
	q.Set("purpose", purpose)
	if orderID != "" {
		q.Set("orderId", orderID)
	}
	q.Set("sig", Sign(c.secret, []byte(purpose+"|"+orderID)))
	return c.callbackBaseURL + "/telephony/call-status?" + q.Encode()
}

// PlaceCall asks the provider to dial out and returns the provider's
// call id. Transport failures retry up to three times with exponential
// backoff.
func (c *Client) PlaceCall(ctx context.Context, req PlacementRequest) (string, error) {
	limit := req.TimeLimit
	if limit <= 0 {
		limit = c.timeLimit
	}
	if req.RingOnly {
		limit = 30 * time.Second
	}
	form := url.Values{}
	form.Set("From", req.CallerID)
	form.Set("To", req.To)
	form.Set("Purpose", req.Purpose)
	form.Set("TimeLimit", strconv.Itoa(int(limit.Seconds())))
	form.Set("StatusCallback", c.CallbackURL(req.Purpose, req.OrderID))
	if req.OrderID != "" {
		form.Set("CustomField", req.OrderID)
	}
	if req.Language != "" {
		form.Set("Language", req.Language)
	}

	endpoint := fmt.Sprintf("%s/v1/Accounts/%s/Calls/connect", c.baseURL, url.PathEscape(c.accountID))

	var lastErr error
	for attempt := 0; attempt < placementAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, reliability.ExponentialBackoff(attempt-1, placementBackoff, 30*time.Second)); err != nil {
				return "", err
			}
		}
		callID, err := c.submit(ctx, endpoint, form)
		if err == nil {
			return callID, nil
		}
		lastErr = err
		var re *transportError
		if !errors.As(err, &re) {
			return "", err
		}
	}
	return "", fmt.Errorf("place call to %s: %w", req.To, lastErr)
}

type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func (c *Client) submit(ctx context.Context, endpoint string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.apiKey, c.apiToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &transportError{err}
	}
	defer resp.Body.Close()
	if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
		return "", &transportError{fmt.Errorf("provider returned %s", resp.Status)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("provider returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", &transportError{err}
	}
	callID := strings.TrimSpace(string(body))
	if callID == "" {
		return "", fmt.Errorf("provider returned empty call id")
	}
	return callID, nil
}

// FetchRecording downloads a completed recording, bounded in both time
// and size.
func (c *Client) FetchRecording(ctx context.Context, recordingURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.apiKey, c.apiToken)

	resp, err := c.recordingClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch recording: %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordingBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch recording: %w", err)
	}
	if len(data) > maxRecordingBytes {
		return nil, ErrRecordingTooLarge
	}
	return data, nil
}
