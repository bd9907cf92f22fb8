package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the comms orchestration core.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	// Telephony provider credentials and callback signing.
	TelephonyAccountID string
	TelephonyAPIKey    string
	TelephonyAPIToken  string
	TelephonyBaseURL   string
	CallbackBaseURL    string
	WebhookSecret      string
	CallerIDDefault    string
	CallerIDByPurpose  map[string]string
	CallTimeLimit      time.Duration
	RecordingMaxBytes  int64
	RecordingTimeout   time.Duration

	// Core backend.
	BackendBaseURL     string
	BackendServiceKey  string
	BackendReadTimeout time.Duration

	// Admin surface.
	AdminBearerToken string

	// Speech providers.
	ASRPriority []string
	TTSPriority []string

	LocalSpeechURL    string
	DeepgramAPIKey    string
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
	GoogleAPIKey      string
	AzureAPIKey       string
	AzureRegion       string

	ASRTimeout        time.Duration
	TTSTimeout        time.Duration
	HealthCacheTTL    time.Duration
	LocalProbeTimeout time.Duration
	PerHostConnLimit  int

	// Session and cache limits.
	SessionCapacity          int
	SessionInactivityTimeout time.Duration
	ClipCacheMaxBytes        int64
	OrderCacheTTL            time.Duration
	PartyCacheTTL            time.Duration

	// Language defaults.
	DefaultLanguage string
	TTSVoice        string

	// Conversational language endpoint for open-ended calls. Optional:
	// without it, inbound conversation falls back to a scripted apology.
	BrainBaseURL string

	// Escalation.
	FlowsFile string

	// Durable outbox.
	DatabaseURL string
}

// Load reads environment variables and applies safe defaults. Missing
// telephony credentials are fatal: the process refuses to start rather
// than serving partial functionality.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "dhwani"),
		TelephonyAccountID: stringsTrimSpace("TELEPHONY_ACCOUNT_ID"),
		TelephonyAPIKey:    stringsTrimSpace("TELEPHONY_API_KEY"),
		TelephonyAPIToken:  stringsTrimSpace("TELEPHONY_API_TOKEN"),
		TelephonyBaseURL:   envOrDefault("TELEPHONY_BASE_URL", "https://api.telephony.example.com"),
		CallbackBaseURL:    stringsTrimSpace("TELEPHONY_CALLBACK_BASE_URL"),
		WebhookSecret:      stringsTrimSpace("WEBHOOK_HMAC_SECRET"),
		CallerIDDefault:    stringsTrimSpace("TELEPHONY_CALLER_ID"),
		BackendBaseURL:     stringsTrimSpace("BACKEND_BASE_URL"),
		BackendServiceKey:  stringsTrimSpace("BACKEND_SERVICE_KEY"),
		AdminBearerToken:   stringsTrimSpace("ADMIN_BEARER_TOKEN"),
		LocalSpeechURL:     stringsTrimSpace("LOCAL_SPEECH_URL"),
		DeepgramAPIKey:     stringsTrimSpace("DEEPGRAM_API_KEY"),
		ElevenLabsAPIKey:   stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:  envOrDefault("ELEVENLABS_VOICE_ID", "pNInz6obpgDQGcFmaJgB"),
		GoogleAPIKey:       stringsTrimSpace("GOOGLE_SPEECH_API_KEY"),
		AzureAPIKey:        stringsTrimSpace("AZURE_SPEECH_API_KEY"),
		AzureRegion:        envOrDefault("AZURE_SPEECH_REGION", "centralindia"),
		DefaultLanguage:    envOrDefault("DEFAULT_LANGUAGE", "hi"),
		TTSVoice:           envOrDefault("TTS_VOICE", "default"),
		BrainBaseURL:       stringsTrimSpace("BRAIN_BASE_URL"),
		FlowsFile:          stringsTrimSpace("ESCALATION_FLOWS_FILE"),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		CallTimeLimit:            30 * time.Minute,
		RecordingMaxBytes:        10 << 20,
		RecordingTimeout:         30 * time.Second,
		BackendReadTimeout:       30 * time.Second,
		ASRTimeout:               30 * time.Second,
		TTSTimeout:               60 * time.Second,
		HealthCacheTTL:           30 * time.Second,
		LocalProbeTimeout:        5 * time.Second,
		PerHostConnLimit:         64,
		SessionCapacity:          10000,
		SessionInactivityTimeout: 30 * time.Minute,
		ClipCacheMaxBytes:        256 << 20,
		OrderCacheTTL:            30 * time.Second,
		PartyCacheTTL:            2 * time.Minute,
	}

	cfg.ASRPriority = listFromEnv("ASR_PRIORITY", []string{"local", "deepgram", "google", "azure"})
	cfg.TTSPriority = listFromEnv("TTS_PRIORITY", []string{"local", "elevenlabs", "deepgram", "google", "azure"})
	cfg.CallerIDByPurpose = mapFromEnv("TELEPHONY_CALLER_IDS")

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HealthCacheTTL, err = durationFromEnv("PROVIDER_HEALTH_TTL", cfg.HealthCacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionCapacity, err = intFromEnv("SESSION_CAPACITY", cfg.SessionCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.PerHostConnLimit, err = intFromEnv("HTTP_PER_HOST_CONNS", cfg.PerHostConnLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.ClipCacheMaxBytes, err = int64FromEnv("CLIP_CACHE_MAX_BYTES", cfg.ClipCacheMaxBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.RecordingMaxBytes, err = int64FromEnv("RECORDING_MAX_BYTES", cfg.RecordingMaxBytes)
	if err != nil {
		return Config{}, err
	}

	if cfg.TelephonyAccountID == "" || cfg.TelephonyAPIKey == "" || cfg.TelephonyAPIToken == "" {
		return Config{}, fmt.Errorf("TELEPHONY_ACCOUNT_ID, TELEPHONY_API_KEY and TELEPHONY_API_TOKEN are required")
	}
	if cfg.WebhookSecret == "" {
		return Config{}, fmt.Errorf("WEBHOOK_HMAC_SECRET is required")
	}
	if cfg.BackendBaseURL == "" {
		return Config{}, fmt.Errorf("BACKEND_BASE_URL is required")
	}
	if cfg.SessionCapacity <= 0 {
		return Config{}, fmt.Errorf("SESSION_CAPACITY must be positive")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.ClipCacheMaxBytes <= 0 {
		return Config{}, fmt.Errorf("CLIP_CACHE_MAX_BYTES must be positive")
	}
	if len(cfg.ASRPriority) == 0 || len(cfg.TTSPriority) == 0 {
		return Config{}, fmt.Errorf("ASR_PRIORITY and TTS_PRIORITY must not be empty")
	}

	return cfg, nil
}

// CallerID resolves the outbound caller id for a purpose, falling back to
// the deployment default.
func (c Config) CallerID(purpose string) string {
	if id, ok := c.CallerIDByPurpose[purpose]; ok && id != "" {
		return id
	}
	return c.CallerIDDefault
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func int64FromEnv(key string, fallback int64) (int64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

// listFromEnv parses a comma-separated priority list, e.g.
// "local,deepgram,google,azure".
func listFromEnv(key string, fallback []string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// mapFromEnv parses "purpose=number,purpose=number" pairs.
func mapFromEnv(key string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(stringsTrimSpace(key), ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}
