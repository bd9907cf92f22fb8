package provider

import (
	"context"
	"sync"
)

// MockDriver is a scriptable in-memory driver for tests.
type MockDriver struct {
	mu sync.Mutex

	DriverName string
	Kind       Kind // zero value means both kinds
	Creds      bool
	ProbeErr   error

	Transcript   string
	Audio        []byte
	RecognizeErr error
	SynthErr     error

	// FailFirst makes the first n requests fail with RecognizeErr or
	// SynthErr, then succeed.
	FailFirst int

	RecognizeCalls int
	SynthCalls     int
}

func (d *MockDriver) Name() string {
	if d.DriverName != "" {
		return d.DriverName
	}
	return "mock"
}

func (d *MockDriver) Supports(kind Kind) bool {
	return d.Kind == "" || d.Kind == kind
}

func (d *MockDriver) Configured() bool { return d.Creds }

func (d *MockDriver) Probe(context.Context) error { return d.ProbeErr }

func (d *MockDriver) Recognize(_ context.Context, _ RecognizeRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.RecognizeCalls++
	if d.RecognizeErr != nil && (d.FailFirst == 0 || d.RecognizeCalls <= d.FailFirst) {
		return "", d.RecognizeErr
	}
	return d.Transcript, nil
}

func (d *MockDriver) Synthesize(_ context.Context, _ SynthesizeRequest) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.SynthCalls++
	if d.SynthErr != nil && (d.FailFirst == 0 || d.SynthCalls <= d.FailFirst) {
		return nil, d.SynthErr
	}
	return d.Audio, nil
}
