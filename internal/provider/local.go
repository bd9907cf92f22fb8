package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// LocalDriver talks to a self-hosted speech sidecar over HTTP. Unlike the
// cloud drivers it has a live health endpoint, probed with a short
// timeout when the health cache goes stale.
type LocalDriver struct {
	baseURL string
	client  *http.Client
}

type LocalConfig struct {
	BaseURL          string
	PerHostConnLimit int
}

func NewLocalDriver(cfg LocalConfig) *LocalDriver {
	return &LocalDriver{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  newHTTPClient(cfg.PerHostConnLimit),
	}
}

func (d *LocalDriver) Name() string       { return "local" }
func (d *LocalDriver) Supports(Kind) bool { return true }
func (d *LocalDriver) Configured() bool   { return d.baseURL != "" }

func (d *LocalDriver) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("local speech sidecar unhealthy: %s", resp.Status)
	}
	return nil
}

func (d *LocalDriver) Recognize(ctx context.Context, r RecognizeRequest) (string, error) {
	if len(r.Audio) == 0 {
		return "", Fatal("empty_audio", fmt.Errorf("no audio to recognize"))
	}
	url := fmt.Sprintf("%s/v1/recognize?language=%s&format=%s", d.baseURL, r.Language, r.Format)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(r.Audio))
	if err != nil {
		return "", Fatal("bad_request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", Retryable("transport", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", Retryable("upstream_status", fmt.Errorf("local recognize: %s", resp.Status))
	}

	var out struct {
		Transcript string `json:"transcript"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Retryable("bad_response", err)
	}
	return out.Transcript, nil
}

func (d *LocalDriver) Synthesize(ctx context.Context, r SynthesizeRequest) ([]byte, error) {
	if strings.TrimSpace(r.Text) == "" {
		return nil, Fatal("empty_text", fmt.Errorf("no text to synthesize"))
	}
	body, _ := json.Marshal(map[string]string{
		"text":     r.Text,
		"language": r.Language,
		"voice":    r.Voice,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, Fatal("bad_request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, Retryable("transport", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, Retryable("upstream_status", fmt.Errorf("local synthesize: %s", resp.Status))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Retryable("bad_response", err)
	}
	return audio, nil
}
