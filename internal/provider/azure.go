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

// AzureDriver serves both capabilities through the Azure Cognitive
// Services speech endpoints for the configured region.
type AzureDriver struct {
	apiKey     string
	sttBaseURL string
	ttsBaseURL string
	client     *http.Client
}

type AzureConfig struct {
	APIKey           string
	Region           string
	STTBaseURL       string
	TTSBaseURL       string
	PerHostConnLimit int
}

func NewAzureDriver(cfg AzureConfig) *AzureDriver {
	region := cfg.Region
	if region == "" {
		region = "centralindia"
	}
	stt := cfg.STTBaseURL
	if stt == "" {
		stt = fmt.Sprintf("https://%s.stt.speech.microsoft.com", region)
	}
	tts := cfg.TTSBaseURL
	if tts == "" {
		tts = fmt.Sprintf("https://%s.tts.speech.microsoft.com", region)
	}
	return &AzureDriver{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		sttBaseURL: strings.TrimRight(stt, "/"),
		ttsBaseURL: strings.TrimRight(tts, "/"),
		client:     newHTTPClient(cfg.PerHostConnLimit),
	}
}

func (d *AzureDriver) Name() string                { return "azure" }
func (d *AzureDriver) Supports(Kind) bool          { return true }
func (d *AzureDriver) Configured() bool            { return d.apiKey != "" }
func (d *AzureDriver) Probe(context.Context) error { return nil }

func (d *AzureDriver) Recognize(ctx context.Context, r RecognizeRequest) (string, error) {
	if len(r.Audio) == 0 {
		return "", Fatal("empty_audio", fmt.Errorf("no audio to recognize"))
	}
	url := d.sttBaseURL + "/speech/recognition/conversation/cognitiveservices/v1?language=" + azureLanguageCode(r.Language)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(r.Audio))
	if err != nil {
		return "", Fatal("bad_request", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", d.apiKey)
	if r.Format == "mulaw8k" {
		req.Header.Set("Content-Type", "audio/mulaw; codecs=audio/pcm; samplerate=8000")
	} else {
		req.Header.Set("Content-Type", "audio/wav")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", Retryable("transport", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus("azure_stt", resp.StatusCode)
	}

	var out struct {
		RecognitionStatus string `json:"RecognitionStatus"`
		DisplayText       string `json:"DisplayText"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Retryable("bad_response", err)
	}
	return out.DisplayText, nil
}

func (d *AzureDriver) Synthesize(ctx context.Context, r SynthesizeRequest) ([]byte, error) {
	if strings.TrimSpace(r.Text) == "" {
		return nil, Fatal("empty_text", fmt.Errorf("no text to synthesize"))
	}
	lang := azureLanguageCode(r.Language)
	ssml := fmt.Sprintf(`<speak version='1.0' xml:lang='%s'><voice xml:lang='%s' name='%s'>%s</voice></speak>`,
		lang, lang, azureVoiceName(lang), escapeSSML(r.Text))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.ttsBaseURL+"/cognitiveservices/v1", strings.NewReader(ssml))
	if err != nil {
		return nil, Fatal("bad_request", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", d.apiKey)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", "raw-8khz-8bit-mono-mulaw")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, Retryable("transport", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("azure_tts", resp.StatusCode)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Retryable("bad_response", err)
	}
	return audio, nil
}

func azureLanguageCode(lang string) string {
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

func azureVoiceName(lang string) string {
	switch lang {
	case "hi-IN":
		return "hi-IN-SwaraNeural"
	case "en-IN":
		return "en-IN-NeerjaNeural"
	default:
		return lang + "-Standard"
	}
}

func escapeSSML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
