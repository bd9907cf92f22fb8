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

// ElevenLabsDriver is synthesis-only.
type ElevenLabsDriver struct {
	apiKey  string
	baseURL string
	voiceID string
	client  *http.Client
}

type ElevenLabsConfig struct {
	APIKey           string
	BaseURL          string
	VoiceID          string
	PerHostConnLimit int
}

func NewElevenLabsDriver(cfg ElevenLabsConfig) *ElevenLabsDriver {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.elevenlabs.io"
	}
	return &ElevenLabsDriver{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: strings.TrimRight(base, "/"),
		voiceID: cfg.VoiceID,
		client:  newHTTPClient(cfg.PerHostConnLimit),
	}
}

func (d *ElevenLabsDriver) Name() string                { return "elevenlabs" }
func (d *ElevenLabsDriver) Supports(kind Kind) bool     { return kind == KindTTS }
func (d *ElevenLabsDriver) Configured() bool            { return d.apiKey != "" }
func (d *ElevenLabsDriver) Probe(context.Context) error { return nil }

func (d *ElevenLabsDriver) Recognize(context.Context, RecognizeRequest) (string, error) {
	return "", Fatal("unsupported", fmt.Errorf("elevenlabs does not recognize speech"))
}

func (d *ElevenLabsDriver) Synthesize(ctx context.Context, r SynthesizeRequest) ([]byte, error) {
	if strings.TrimSpace(r.Text) == "" {
		return nil, Fatal("empty_text", fmt.Errorf("no text to synthesize"))
	}
	voice := r.Voice
	if voice == "" || voice == "default" {
		voice = d.voiceID
	}
	body, _ := json.Marshal(map[string]any{
		"text":     r.Text,
		"model_id": "eleven_multilingual_v2",
	})
	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=ulaw_8000", d.baseURL, voice)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, Fatal("bad_request", err)
	}
	req.Header.Set("xi-api-key", d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, Retryable("transport", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("elevenlabs_tts", resp.StatusCode)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Retryable("bad_response", err)
	}
	return audio, nil
}
