// Package brain talks to the external language-model endpoint that
// powers open-ended conversation turns.
package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Turn is one exchange in the running conversation, oldest first.
type Turn struct {
	Role string `json:"role"` // "caller" or "assistant"
	Text string `json:"text"`
}

type ReplyRequest struct {
	CallID   string `json:"callId"`
	Purpose  string `json:"purpose"`
	Language string `json:"language"`
	History  []Turn `json:"history,omitempty"`
	Text     string `json:"text"`
}

// Responder produces the assistant's next utterance.
type Responder interface {
	Reply(ctx context.Context, req ReplyRequest) (string, error)
}

// HTTPResponder forwards turns to a JSON-over-HTTP endpoint.
type HTTPResponder struct {
	url    string
	client *http.Client
}

func NewHTTPResponder(url string) *HTTPResponder {
	return &HTTPResponder{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (r *HTTPResponder) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("brain http status %d: %s", res.StatusCode, string(body))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	// The endpoint usually answers {"text": "..."} but plain text is
	// accepted too.
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return strings.TrimSpace(string(body)), nil
	}
	for _, k := range []string{"text", "reply", "output", "message"} {
		if s, ok := obj[k].(string); ok {
			return strings.TrimSpace(s), nil
		}
	}
	return "", nil
}
