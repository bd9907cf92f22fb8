package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DeepgramDriver serves both recognition and synthesis through the
// Deepgram REST API. Availability is credential presence; no live probe.
type DeepgramDriver struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type DeepgramConfig struct {
	APIKey           string
	BaseURL          string
	PerHostConnLimit int
}

func NewDeepgramDriver(cfg DeepgramConfig) *DeepgramDriver {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.deepgram.com"
	}
	return &DeepgramDriver{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: strings.TrimRight(base, "/"),
		client:  newHTTPClient(cfg.PerHostConnLimit),
	}
}

func (d *DeepgramDriver) Name() string                { return "deepgram" }
func (d *DeepgramDriver) Supports(Kind) bool          { return true }
func (d *DeepgramDriver) Configured() bool            { return d.apiKey != "" }
func (d *DeepgramDriver) Probe(context.Context) error { return nil }

func (d *DeepgramDriver) Recognize(ctx context.Context, r RecognizeRequest) (string, error) {
	if len(r.Audio) == 0 {
		return "", Fatal("empty_audio", fmt.Errorf("no audio to recognize"))
	}
	q := url.Values{}
	if r.Language != "" {
		q.Set("language", r.Language)
	}
	q.Set("model", "nova-2")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/listen?"+q.Encode(), bytes.NewReader(r.Audio))
	if err != nil {
		return "", Fatal("bad_request", err)
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	if r.Format == "mulaw8k" {
		req.Header.Set("Content-Type", "audio/mulaw;rate=8000")
	} else {
		req.Header.Set("Content-Type", "audio/wav")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", Retryable("transport", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus("deepgram_listen", resp.StatusCode)
	}

	var out struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Retryable("bad_response", err)
	}
	if len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return out.Results.Channels[0].Alternatives[0].Transcript, nil
}

func (d *DeepgramDriver) Synthesize(ctx context.Context, r SynthesizeRequest) ([]byte, error) {
	if strings.TrimSpace(r.Text) == "" {
		return nil, Fatal("empty_text", fmt.Errorf("no text to synthesize"))
	}
	body, _ := json.Marshal(map[string]string{"text": r.Text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/speak?model=aura-asteria-en&encoding=mulaw&sample_rate=8000", bytes.NewReader(body))
	if err != nil {
		return nil, Fatal("bad_request", err)
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, Retryable("transport", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("deepgram_speak", resp.StatusCode)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Retryable("bad_response", err)
	}
	return audio, nil
}

// classifyStatus maps an HTTP status into the driver result taxonomy:
// 4xx request problems are fatal (no other provider will accept the same
// bad input on auth errors either, but those resolve at config time),
// everything else is retryable.
func classifyStatus(code string, status int) *DriverError {
	err := fmt.Errorf("%s: http %d", code, status)
	if status == http.StatusBadRequest || status == http.StatusUnprocessableEntity {
		return Fatal(code, err)
	}
	return Retryable(code, err)
}
