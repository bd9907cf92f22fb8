package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// GoogleDriver serves both capabilities through the Cloud Speech and
// Text-to-Speech REST APIs using an API key.
type GoogleDriver struct {
	apiKey     string
	sttBaseURL string
	ttsBaseURL string
	client     *http.Client
}

type GoogleConfig struct {
	APIKey           string
	STTBaseURL       string
	TTSBaseURL       string
	PerHostConnLimit int
}

func NewGoogleDriver(cfg GoogleConfig) *GoogleDriver {
	stt := cfg.STTBaseURL
	if stt == "" {
		stt = "https://speech.googleapis.com"
	}
	tts := cfg.TTSBaseURL
	if tts == "" {
		tts = "https://texttospeech.googleapis.com"
	}
	return &GoogleDriver{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		sttBaseURL: strings.TrimRight(stt, "/"),
		ttsBaseURL: strings.TrimRight(tts, "/"),
		client:     newHTTPClient(cfg.PerHostConnLimit),
	}
}

func (d *GoogleDriver) Name() string                { return "google" }
func (d *GoogleDriver) Supports(Kind) bool          { return true }
func (d *GoogleDriver) Configured() bool            { return d.apiKey != "" }
func (d *GoogleDriver) Probe(context.Context) error { return nil }

func (d *GoogleDriver) Recognize(ctx context.Context, r RecognizeRequest) (string, error) {
	if len(r.Audio) == 0 {
		return "", Fatal("empty_audio", fmt.Errorf("no audio to recognize"))
	}
	encoding := "LINEAR16"
	if r.Format == "mulaw8k" {
		encoding = "MULAW"
	}
	body, _ := json.Marshal(map[string]any{
		"config": map[string]any{
			"encoding":        encoding,
			"sampleRateHertz": 8000,
			"languageCode":    googleLanguageCode(r.Language),
		},
		"audio": map[string]string{
			"content": base64.StdEncoding.EncodeToString(r.Audio),
		},
	})
	url := d.sttBaseURL + "/v1/speech:recognize?key=" + d.apiKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", Fatal("bad_request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", Retryable("transport", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus("google_stt", resp.StatusCode)
	}

	var out struct {
		Results []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Retryable("bad_response", err)
	}
	if len(out.Results) == 0 || len(out.Results[0].Alternatives) == 0 {
		return "", nil
	}
	return out.Results[0].Alternatives[0].Transcript, nil
}

func (d *GoogleDriver) Synthesize(ctx context.Context, r SynthesizeRequest) ([]byte, error) {
	if strings.TrimSpace(r.Text) == "" {
		return nil, Fatal("empty_text", fmt.Errorf("no text to synthesize"))
	}
	body, _ := json.Marshal(map[string]any{
		"input": map[string]string{"text": r.Text},
		"voice": map[string]string{"languageCode": googleLanguageCode(r.Language)},
		"audioConfig": map[string]any{
			"audioEncoding":   "MULAW",
			"sampleRateHertz": 8000,
		},
	})
	url := d.ttsBaseURL + "/v1/text:synthesize?key=" + d.apiKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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
		return nil, classifyStatus("google_tts", resp.StatusCode)
	}

	var out struct {
		AudioContent string `json:"audioContent"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, Retryable("bad_response", err)
	}
	audio, err := base64.StdEncoding.DecodeString(out.AudioContent)
	if err != nil {
		return nil, Retryable("bad_response", err)
	}
	return audio, nil
}

// googleLanguageCode widens short tags to the BCP-47 codes the Google
// APIs expect.
func googleLanguageCode(lang string) string {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "hi", "":
		return "hi-IN"
	case "en":
		return "en-IN"
	case "kn":
		return "kn-IN"
	case "ta":
		return "ta-IN"
	default:
		return lang
	}
}
