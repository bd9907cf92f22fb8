package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/anupbose/dhwani/internal/backend"
	"github.com/anupbose/dhwani/internal/brain"
	"github.com/anupbose/dhwani/internal/bus"
	"github.com/anupbose/dhwani/internal/clipcache"
	"github.com/anupbose/dhwani/internal/escalate"
	"github.com/anupbose/dhwani/internal/provider"
	"github.com/anupbose/dhwani/internal/session"
	"github.com/anupbose/dhwani/internal/telephony"
)

type fakeBackend struct {
	mu          sync.Mutex
	orders      map[string]*backend.Order
	results     []backend.CallResult
	transitions []string
}

func (f *fakeBackend) GetOrder(_ context.Context, id string) (*backend.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, backend.ErrNotFound
}

func (f *fakeBackend) LookupPartyByPhone(_ context.Context, phone string) (*backend.Party, error) {
	return &backend.Party{Kind: backend.PartyCustomer, Phone: phone, PreferredLanguage: "hi"}, nil
}

func (f *fakeBackend) ReportTransition(_ context.Context, orderID string, to backend.OrderState, _, _ string) (backend.TransitionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, orderID+":"+string(to))
	return backend.TransitionApplied, nil
}

func (f *fakeBackend) ReportCallResult(_ context.Context, res backend.CallResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	return nil
}

func (f *fakeBackend) callResults() []backend.CallResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.CallResult(nil), f.results...)
}

type fakeDialer struct {
	mu        sync.Mutex
	nextID    int
	placed    []telephony.PlacementRequest
	recording []byte
}

func (f *fakeDialer) PlaceCall(_ context.Context, req telephony.PlacementRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.placed = append(f.placed, req)
	return fmt.Sprintf("CA-%d", f.nextID), nil
}

func (f *fakeDialer) FetchRecording(context.Context, string) ([]byte, error) {
	return f.recording, nil
}

type fakeSpeech struct {
	mu           sync.Mutex
	synthErr     error
	recognizeErr error
	transcript   string
	synthCalls   int
}

func (f *fakeSpeech) Recognize(_ context.Context, _ provider.RecognizeRequest, _ string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recognizeErr != nil {
		return "", "", f.recognizeErr
	}
	return f.transcript, "local", nil
}

func (f *fakeSpeech) Synthesize(_ context.Context, req provider.SynthesizeRequest, _ string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synthCalls++
	if f.synthErr != nil {
		return nil, "", f.synthErr
	}
	return []byte("clip:" + req.Text), "local", nil
}

type fakeAudio struct {
	mu         sync.Mutex
	clips      [][]byte
	interrupts int
}

func (f *fakeAudio) EnqueueClip(clip []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clips = append(f.clips, clip)
}

func (f *fakeAudio) Interrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
}

func (f *fakeAudio) clipCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clips)
}

type fakeStopper struct {
	mu      sync.Mutex
	stopped []string
}

func (f *fakeStopper) StopByOrder(flow, orderID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, flow+":"+orderID)
	return nil
}

func testOrder() *backend.Order {
	return &backend.Order{
		ID:          "O-1",
		AmountPaise: 32500,
		State:       backend.StateConfirmed,
		Vendor:      backend.Party{Kind: backend.PartyVendor, ID: "V-42", Phone: "+919812345678", DisplayName: "Sharma Snacks", PreferredLanguage: "hi"},
		Customer:    backend.Party{Kind: backend.PartyCustomer, ID: "C-1", Phone: "+919876500000"},
		Items:       []backend.OrderItem{{Name: "poha", Qty: 1}},
	}
}

func newTestOrchestrator() (*Orchestrator, *fakeBackend, *fakeDialer, *fakeSpeech, *fakeStopper) {
	be := &fakeBackend{orders: map[string]*backend.Order{"O-1": testOrder()}}
	dialer := &fakeDialer{recording: []byte("RIFFxxxxWAVE")}
	speech := &fakeSpeech{transcript: "order kahan hai"}
	stopper := &fakeStopper{}

	o := New(Config{DefaultLanguage: "hi", Voice: "default"},
		session.NewStore(100, 30*time.Minute),
		clipcache.New(16<<20),
		speech, be, dialer, &brain.MockResponder{}, bus.New(), nil)
	o.SetStopper(stopper)
	return o, be, dialer, speech, stopper
}

func TestVendorAcceptEndToEnd(t *testing.T) {
	o, be, _, _, stopper := newTestOrchestrator()

	callID, err := o.StartOutboundCall(context.Background(), StartRequest{
		Purpose: PurposeVendorNewOrder, OrderID: "O-1", To: "+919812345678", Language: "hi",
	})
	if err != nil {
		t.Fatalf("StartOutboundCall() error = %v", err)
	}
	out := &fakeAudio{}
	if err := o.AttachAudio(callID, out); err != nil {
		t.Fatalf("AttachAudio() error = %v", err)
	}

	o.HandleCallStatus(context.Background(), callID, "answered", "")
	o.HandleKeypad(callID, "1", 1)
	o.HandleKeypad(callID, "2", 2)
	o.Wait()

	results := be.callResults()
	if len(results) != 1 {
		t.Fatalf("results = %d, want exactly one", len(results))
	}
	res := results[0]
	if res.Outcome != OutcomeAccepted || res.Details["prepMinutes"] != 30 {
		t.Fatalf("result = %+v", res)
	}

	be.mu.Lock()
	transitions := append([]string(nil), be.transitions...)
	be.mu.Unlock()
	if len(transitions) != 1 || transitions[0] != "O-1:processing" {
		t.Fatalf("transitions = %v", transitions)
	}

	stopper.mu.Lock()
	stops := append([]string(nil), stopper.stopped...)
	stopper.mu.Unlock()
	if len(stops) != 1 || stops[0] != "vendor.new_order:O-1" {
		t.Fatalf("escalation stops = %v", stops)
	}

	if out.clipCount() == 0 {
		t.Fatalf("no audio played")
	}
}

func TestDuplicateKeypadSeqDropped(t *testing.T) {
	o, be, _, _, _ := newTestOrchestrator()

	callID, err := o.StartOutboundCall(context.Background(), StartRequest{
		Purpose: PurposeVendorNewOrder, OrderID: "O-1", To: "+919812345678", Language: "hi",
	})
	if err != nil {
		t.Fatalf("StartOutboundCall() error = %v", err)
	}

	o.HandleCallStatus(context.Background(), callID, "answered", "")
	// The provider retransmits seq 7. If the duplicate were applied, the
	// second "1" would land in ack_accept and select 15 minutes.
	o.HandleKeypad(callID, "1", 7)
	o.HandleKeypad(callID, "1", 7)
	o.HandleKeypad(callID, "2", 8)
	o.Wait()

	results := be.callResults()
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Details["prepMinutes"] != 30 {
		t.Fatalf("duplicate advanced the machine: %+v", results[0])
	}
}

func TestAllRecognitionDownEndsWithApologyAndFailedASR(t *testing.T) {
	o, be, _, speech, _ := newTestOrchestrator()
	speech.recognizeErr = provider.ErrProvidersExhausted

	if err := o.HandleCallStatus(context.Background(), "CA-IN", "ringing", "+919876543210"); err != nil {
		t.Fatalf("inbound start error = %v", err)
	}
	out := &fakeAudio{}
	o.AttachAudio("CA-IN", out)
	o.HandleCallStatus(context.Background(), "CA-IN", "answered", "+919876543210")
	o.HandleSpeech("CA-IN", []byte("RIFFxxxxWAVE"))
	o.Wait()

	results := be.callResults()
	if len(results) != 1 || results[0].Outcome != OutcomeFailedASR {
		t.Fatalf("results = %+v", results)
	}
	if out.clipCount() == 0 {
		t.Fatalf("failure must not leave the line silent")
	}
}

func TestSynthesisFailureReportsFailedTTS(t *testing.T) {
	o, be, _, speech, _ := newTestOrchestrator()
	speech.synthErr = errors.New("all tts down")

	callID, err := o.StartOutboundCall(context.Background(), StartRequest{
		Purpose: PurposeVendorNewOrder, OrderID: "O-1", To: "+919812345678",
	})
	if err != nil {
		t.Fatalf("StartOutboundCall() error = %v", err)
	}
	o.HandleCallStatus(context.Background(), callID, "answered", "")
	o.Wait()

	results := be.callResults()
	if len(results) != 1 || results[0].Outcome != OutcomeFailedTTS {
		t.Fatalf("results = %+v", results)
	}
}

func TestCancelledCallReportsMissedExactlyOnce(t *testing.T) {
	o, be, _, _, _ := newTestOrchestrator()

	callID, err := o.StartOutboundCall(context.Background(), StartRequest{
		Purpose: PurposeRiderAssign, OrderID: "O-1", To: "+919876543210",
	})
	if err != nil {
		t.Fatalf("StartOutboundCall() error = %v", err)
	}
	o.CancelCall(callID)
	o.Wait()

	results := be.callResults()
	if len(results) != 1 || results[0].Outcome != OutcomeMissed {
		t.Fatalf("results = %+v", results)
	}
}

func TestOpenEndedConversationAndTurnHistory(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator()

	o.HandleCallStatus(context.Background(), "CA-IN2", "answered", "+919876543210")
	out := &fakeAudio{}
	o.AttachAudio("CA-IN2", out)
	o.HandleSpeech("CA-IN2", []byte("RIFFxxxxWAVE"))

	deadline := time.Now().Add(2 * time.Second)
	for out.clipCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Greeting, prompt, then the assistant's reply clip.
	if out.clipCount() < 3 {
		t.Fatalf("clips = %d, want greeting+prompt+reply", out.clipCount())
	}

	o.HandleCallStatus(context.Background(), "CA-IN2", "completed", "")
	o.Wait()
}

func TestConversationHistoryExcludesCurrentUtterance(t *testing.T) {
	be := &fakeBackend{orders: map[string]*backend.Order{"O-1": testOrder()}}
	speech := &fakeSpeech{transcript: "order kahan hai"}
	responder := &brain.MockResponder{Replies: []string{"theek hai", "bas pahunch raha hai"}}

	o := New(Config{DefaultLanguage: "hi", Voice: "default"},
		session.NewStore(100, 30*time.Minute),
		clipcache.New(16<<20),
		speech, be, &fakeDialer{}, responder, bus.New(), nil)
	o.SetStopper(&fakeStopper{})

	o.HandleCallStatus(context.Background(), "CA-IN4", "answered", "+919876543210")
	out := &fakeAudio{}
	o.AttachAudio("CA-IN4", out)

	// First turn: greeting, prompt, then the first reply clip.
	o.HandleSpeech("CA-IN4", []byte("RIFFxxxxWAVE"))
	deadline := time.Now().Add(2 * time.Second)
	for out.clipCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if out.clipCount() < 3 {
		t.Fatalf("clips = %d, want greeting+prompt+reply", out.clipCount())
	}

	speech.mu.Lock()
	speech.transcript = "thoda jaldi bhejo"
	speech.mu.Unlock()

	o.HandleSpeech("CA-IN4", []byte("RIFFxxxxWAVE"))
	deadline = time.Now().Add(2 * time.Second)
	for out.clipCount() < 4 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if out.clipCount() < 4 {
		t.Fatalf("clips = %d, want second reply", out.clipCount())
	}

	o.HandleCallStatus(context.Background(), "CA-IN4", "completed", "")
	o.Wait()

	req := responder.LastReq
	if req.Text != "thoda jaldi bhejo" {
		t.Fatalf("Text = %q", req.Text)
	}
	for _, turn := range req.History {
		if turn.Text == req.Text {
			t.Fatalf("current utterance doubled into history: %+v", req.History)
		}
	}
	// The prior exchange is still carried.
	var sawCaller, sawAssistant bool
	for _, turn := range req.History {
		if turn.Role == "caller" && turn.Text == "order kahan hai" {
			sawCaller = true
		}
		if turn.Role == "assistant" && turn.Text == "theek hai" {
			sawAssistant = true
		}
	}
	if !sawCaller || !sawAssistant {
		t.Fatalf("history = %+v, want first exchange", req.History)
	}
}

func TestBargeInInterruptsPlayback(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator()

	callID, _ := o.StartOutboundCall(context.Background(), StartRequest{
		Purpose: PurposeVendorNewOrder, OrderID: "O-1", To: "+919812345678",
	})
	out := &fakeAudio{}
	o.AttachAudio(callID, out)
	o.HandleCallStatus(context.Background(), callID, "answered", "")
	o.HandleInterrupt(callID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		out.mu.Lock()
		n := out.interrupts
		out.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	out.mu.Lock()
	n := out.interrupts
	out.mu.Unlock()
	if n != 1 {
		t.Fatalf("interrupts = %d, want 1", n)
	}

	o.HandleCallStatus(context.Background(), callID, "completed", "")
	o.Wait()
}

func TestRingOnlyPlacementSkipsSession(t *testing.T) {
	o, _, dialer, _, _ := newTestOrchestrator()

	err := o.PlaceEscalationCall(context.Background(), escalate.Snapshot{
		ID: "esc_1", Target: "vendor", Flow: "vendor.new_order", OrderID: "O-1",
	}, false)
	if err != nil {
		t.Fatalf("PlaceEscalationCall() error = %v", err)
	}

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if len(dialer.placed) != 1 || !dialer.placed[0].RingOnly {
		t.Fatalf("placed = %+v", dialer.placed)
	}
	if dialer.placed[0].To != "+919812345678" {
		t.Fatalf("ring target = %q, want vendor phone from order", dialer.placed[0].To)
	}
}

func TestInteractiveEscalationStartsMachineSession(t *testing.T) {
	o, be, dialer, _, _ := newTestOrchestrator()

	err := o.PlaceEscalationCall(context.Background(), escalate.Snapshot{
		ID: "esc_2", Target: "vendor", Flow: "vendor.new_order", OrderID: "O-1", Recorded: true,
	}, true)
	if err != nil {
		t.Fatalf("PlaceEscalationCall() error = %v", err)
	}

	dialer.mu.Lock()
	callID := "CA-1"
	if len(dialer.placed) != 1 || dialer.placed[0].RingOnly {
		t.Fatalf("placed = %+v", dialer.placed)
	}
	dialer.mu.Unlock()

	o.HandleCallStatus(context.Background(), callID, "answered", "")
	o.HandleKeypad(callID, "1", 1)
	o.HandleKeypad(callID, "3", 2)
	o.Wait()

	results := be.callResults()
	if len(results) != 1 || results[0].Details["prepMinutes"] != 45 {
		t.Fatalf("results = %+v", results)
	}
}

func TestUnknownCallKeypadDropped(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator()
	if err := o.HandleKeypad("CA-ghost", "1", 1); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("error = %v, want ErrUnknownCall", err)
	}
}
