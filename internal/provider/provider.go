// Package provider abstracts external speech-recognition and
// speech-synthesis services behind a priority-routed capability bus.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind selects a capability.
type Kind string

const (
	KindASR Kind = "asr"
	KindTTS Kind = "tts"
)

// RecognizeRequest carries one short utterance for transcription.
type RecognizeRequest struct {
	Audio    []byte
	Format   string // "mulaw8k" or "wav"
	Language string
}

// SynthesizeRequest renders one phrase to audio.
type SynthesizeRequest struct {
	Text     string
	Language string
	Voice    string
}

// ErrProvidersExhausted is returned when every candidate provider failed
// or was unhealthy.
var ErrProvidersExhausted = errors.New("all speech providers exhausted")

// DriverError is the sum-typed failure a driver reports: retryable errors
// make the router fail over to the next candidate, fatal errors abort the
// request (the input itself is unusable).
type DriverError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// Retryable wraps a transport-level failure the router may route around.
func Retryable(code string, err error) *DriverError {
	return &DriverError{Code: code, Retryable: true, Err: err}
}

// Fatal wraps a request-level failure no other provider can fix.
func Fatal(code string, err error) *DriverError {
	return &DriverError{Code: code, Retryable: false, Err: err}
}

// IsRetryable reports whether the router should try the next candidate.
// Unclassified errors are treated as retryable: transport failures from
// net/http arrive unwrapped.
func IsRetryable(err error) bool {
	var de *DriverError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}

// Driver is one configured speech service. Cloud drivers report
// Configured from credential presence; local drivers answer Probe with a
// live health check.
type Driver interface {
	Name() string
	Supports(kind Kind) bool
	Configured() bool
	// Probe verifies liveness. Cloud drivers return nil without I/O.
	Probe(ctx context.Context) error
	Recognize(ctx context.Context, req RecognizeRequest) (string, error)
	Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error)
}

// newHTTPClient builds the process-wide client shape used by all drivers:
// shared pool with per-host connection limits.
func newHTTPClient(perHost int) *http.Client {
	if perHost <= 0 {
		perHost = 64
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = perHost
	transport.MaxIdleConnsPerHost = perHost
	return &http.Client{Transport: transport, Timeout: 90 * time.Second}
}
