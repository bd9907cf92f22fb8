package provider

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/anupbose/dhwani/internal/observability"
)

// Router picks the first healthy provider from the priority list and
// falls back on retryable failure, recording usage per attempt.
type Router struct {
	registry   *Registry
	metrics    *observability.Metrics
	asrTimeout time.Duration
	ttsTimeout time.Duration
}

func NewRouter(registry *Registry, metrics *observability.Metrics, asrTimeout, ttsTimeout time.Duration) *Router {
	if asrTimeout <= 0 {
		asrTimeout = 30 * time.Second
	}
	if ttsTimeout <= 0 {
		ttsTimeout = 60 * time.Second
	}
	return &Router{
		registry:   registry,
		metrics:    metrics,
		asrTimeout: asrTimeout,
		ttsTimeout: ttsTimeout,
	}
}

func (r *Router) Registry() *Registry { return r.registry }

// Recognize routes a short utterance to the first healthy ASR provider.
// Returns the transcript and the provider that served it.
func (r *Router) Recognize(ctx context.Context, req RecognizeRequest, preferred string) (string, string, error) {
	var transcript string
	provider, err := r.route(ctx, KindASR, preferred, len(req.Audio), func(ctx context.Context, d Driver) error {
		var err error
		transcript, err = d.Recognize(ctx, req)
		return err
	})
	if err != nil {
		return "", "", err
	}
	return transcript, provider, nil
}

// Synthesize routes a phrase to the first healthy TTS provider. Returns
// the audio and the provider that served it.
func (r *Router) Synthesize(ctx context.Context, req SynthesizeRequest, preferred string) ([]byte, string, error) {
	var audio []byte
	provider, err := r.route(ctx, KindTTS, preferred, len(req.Text), func(ctx context.Context, d Driver) error {
		var err error
		audio, err = d.Synthesize(ctx, req)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return audio, provider, nil
}

func (r *Router) route(ctx context.Context, kind Kind, preferred string, inputSize int, call func(context.Context, Driver) error) (string, error) {
	timeout := r.asrTimeout
	if kind == KindTTS {
		timeout = r.ttsTimeout
	}

	for _, name := range r.candidates(kind, preferred) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !r.registry.Healthy(ctx, kind, name) {
			continue
		}
		d, ok := r.registry.driver(name)
		if !ok {
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := call(attemptCtx, d)
		latency := time.Since(start)
		cancel()

		if err == nil {
			r.registry.MarkHealthy(kind, name, latency)
			if r.metrics != nil {
				r.metrics.ObserveProviderRequest(string(kind), name, "ok", latency, inputSize)
			}
			return name, nil
		}

		if r.metrics != nil {
			r.metrics.ObserveProviderRequest(string(kind), name, "error", latency, inputSize)
			r.metrics.ProviderErrors.WithLabelValues(name, errorCode(err)).Inc()
		}
		if !IsRetryable(err) {
			return "", err
		}
		log.Printf("provider: %s %s failed, trying next: %v", kind, name, err)
		r.registry.MarkUnhealthy(kind, name)
	}

	return "", ErrProvidersExhausted
}

// candidates builds the ordered list: preferred first, then configured
// priority, duplicates removed.
func (r *Router) candidates(kind Kind, preferred string) []string {
	priority := r.registry.Priority(kind)
	out := make([]string, 0, len(priority)+1)
	seen := make(map[string]bool, len(priority)+1)
	if preferred != "" {
		out = append(out, preferred)
		seen[preferred] = true
	}
	for _, name := range priority {
		if !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	return out
}

func errorCode(err error) string {
	var de *DriverError
	if errors.As(err, &de) {
		return de.Code
	}
	return "transport"
}
