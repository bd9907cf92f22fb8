package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anupbose/dhwani/internal/bus"
	"github.com/anupbose/dhwani/internal/config"
	"github.com/anupbose/dhwani/internal/escalate"
	"github.com/anupbose/dhwani/internal/orchestrator"
	"github.com/anupbose/dhwani/internal/provider"
	"github.com/anupbose/dhwani/internal/session"
	"github.com/anupbose/dhwani/internal/telephony"
)

type fakeOrch struct {
	mu        sync.Mutex
	statuses  []string
	keypads   []string
	statusErr error
	keypadErr error
}

func (f *fakeOrch) HandleCallStatus(_ context.Context, callID, status, from string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statuses = append(f.statuses, callID+":"+status+":"+from)
	return nil
}

func (f *fakeOrch) HandleKeypad(callID, digit string, seq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keypadErr != nil {
		return f.keypadErr
	}
	f.keypads = append(f.keypads, callID+":"+digit)
	return nil
}

func (f *fakeOrch) HandleRecording(context.Context, string, string) error { return nil }

func (f *fakeOrch) ConsumeStream(ctx context.Context, _ string, _ *telephony.Stream) error {
	<-ctx.Done()
	return ctx.Err()
}

type nopPlacer struct{}

func (nopPlacer) PlaceEscalationCall(context.Context, escalate.Snapshot, bool) error { return nil }

type nopNotifier struct{}

func (nopNotifier) NotifyEvent(context.Context, string, map[string]any) {}

func newTestServer(t *testing.T, orch *fakeOrch) (*Server, *escalate.Engine) {
	t.Helper()
	cfg := config.Config{
		WebhookSecret:    "wh-secret",
		AdminBearerToken: "admin-token",
		RecordingTimeout: time.Second,
	}
	// Slow flows so ladders started by a test never reach a call step
	// before the test ends.
	flows := map[string]escalate.Flow{}
	for name, f := range escalate.BuiltinFlows() {
		for i := range f.Steps {
			if i > 0 {
				f.Steps[i].Wait = time.Hour
			}
		}
		flows[name] = f
	}
	eventBus := bus.New()
	engine := escalate.NewEngine(flows, nopPlacer{}, nopNotifier{}, eventBus, nil)
	t.Cleanup(func() {
		for _, e := range engine.List() {
			engine.Stop(e.ID, "test teardown")
		}
		engine.Wait()
	})
	sessions := session.NewStore(10, time.Minute)
	registry := provider.NewRegistry(time.Minute, time.Second)
	return New(cfg, orch, engine, sessions, registry, eventBus, nil), engine
}

func signedForm(t *testing.T, srv http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Signature", telephony.Sign("wh-secret", []byte(body)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func signedJSON(t *testing.T, srv http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", telephony.Sign("wh-secret", []byte(body)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s, _ := newTestServer(t, &fakeOrch{})
	srv := s.Router()

	body := "callId=CA1&status=answered"
	req := httptest.NewRequest(http.MethodPost, "/telephony/call-status", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	// Missing signature entirely is also rejected.
	req = httptest.NewRequest(http.MethodPost, "/telephony/call-status", strings.NewReader(body))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no-signature status = %d, want 401", rec.Code)
	}
}

func TestCallStatusAccepted(t *testing.T) {
	orch := &fakeOrch{}
	s, _ := newTestServer(t, orch)
	srv := s.Router()

	rec := signedForm(t, srv, "/telephony/call-status", "callId=CA1&status=answered&from=%2B919812345678")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if len(orch.statuses) != 1 || orch.statuses[0] != "CA1:answered:+919812345678" {
		t.Fatalf("statuses = %v", orch.statuses)
	}
}

func TestKeypadEmptyDigitIsUnprocessable(t *testing.T) {
	s, _ := newTestServer(t, &fakeOrch{})
	srv := s.Router()

	rec := signedForm(t, srv, "/telephony/keypad", "callId=CA1&digit=&seq=1")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != "missing_input" {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestKeypadUnknownCallStillAccepted(t *testing.T) {
	orch := &fakeOrch{keypadErr: orchestrator.ErrUnknownCall}
	s, _ := newTestServer(t, orch)
	srv := s.Router()

	rec := signedForm(t, srv, "/telephony/keypad", "callId=CA-gone&digit=1&seq=4")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
}

func TestOrderEventsDriveEscalations(t *testing.T) {
	s, engine := newTestServer(t, &fakeOrch{})
	srv := s.Router()

	rec := signedJSON(t, srv, "/events/order/new", `{"orderId":"O-9"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("order/new = %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := engine.Get(escalate.ID("vendor.new_order", "O-9")); err != nil {
		t.Fatalf("ladder not started: %v", err)
	}

	rec = signedJSON(t, srv, "/events/order/accepted", `{"orderId":"O-9"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("order/accepted = %d", rec.Code)
	}
	snap, err := engine.Get(escalate.ID("vendor.new_order", "O-9"))
	if err == nil && snap.Status == escalate.StatusActive {
		t.Fatalf("ladder still active after acceptance: %+v", snap)
	}
}

func TestRiderAcceptedStopsAssignAndAddressLadders(t *testing.T) {
	s, engine := newTestServer(t, &fakeOrch{})
	srv := s.Router()

	signedJSON(t, srv, "/events/rider/assigned", `{"orderId":"O-7"}`)
	signedJSON(t, srv, "/events/address/changed", `{"orderId":"O-7"}`)

	rec := signedJSON(t, srv, "/events/rider/accepted", `{"orderId":"O-7"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("rider/accepted = %d", rec.Code)
	}
	for _, flow := range []string{"rider.assign", "rider.address_update"} {
		snap, err := engine.Get(escalate.ID(flow, "O-7"))
		if err == nil && snap.Status == escalate.StatusActive {
			t.Fatalf("%s still active: %+v", flow, snap)
		}
	}
}

func TestUnknownOrderEventRejected(t *testing.T) {
	s, _ := newTestServer(t, &fakeOrch{})
	rec := signedJSON(t, s.Router(), "/events/order/vanished", `{"orderId":"O-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAdminRequiresBearerToken(t *testing.T) {
	s, _ := newTestServer(t, &fakeOrch{})
	srv := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("good token = %d, want 200", rec.Code)
	}
}

func TestAdminEscalationStartUnknownFlow(t *testing.T) {
	s, _ := newTestServer(t, &fakeOrch{})
	srv := s.Router()

	body := `{"purpose":"vendor.nonsense","orderId":"O-1"}`
	req := httptest.NewRequest(http.MethodPost, "/escalation/start", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer admin-token")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminProviderPriorityValidation(t *testing.T) {
	s, _ := newTestServer(t, &fakeOrch{})
	srv := s.Router()

	body := `{"kind":"video","priority":["local"]}`
	req := httptest.NewRequest(http.MethodPut, "/providers/priority", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer admin-token")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStreamRequiresCallID(t *testing.T) {
	s, _ := newTestServer(t, &fakeOrch{})
	srv := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/telephony/stream", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStreamRejectsUnsignedDial(t *testing.T) {
	s, _ := newTestServer(t, &fakeOrch{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/telephony/stream"

	// No signature at all.
	conn, resp, err := websocket.DefaultDialer.Dial(base+"?callId=CA-hijack", nil)
	if err == nil {
		conn.Close()
		t.Fatalf("unsigned dial upgraded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned dial status = %+v, want 401", resp)
	}

	// A signature minted for another call does not transfer.
	q := url.Values{}
	q.Set("callId", "CA-hijack")
	q.Set("sig", telephony.Sign("wh-secret", []byte("CA-other")))
	conn, resp, err = websocket.DefaultDialer.Dial(base+"?"+q.Encode(), nil)
	if err == nil {
		conn.Close()
		t.Fatalf("mis-signed dial upgraded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("mis-signed dial status = %+v, want 401", resp)
	}

	// Signed over the callId it upgrades.
	q.Set("sig", telephony.Sign("wh-secret", []byte("CA-hijack")))
	conn, _, err = websocket.DefaultDialer.Dial(base+"?"+q.Encode(), nil)
	if err != nil {
		t.Fatalf("signed dial failed: %v", err)
	}
	conn.Close()
}

func TestCallStatusVerifiesCallbackSignature(t *testing.T) {
	orch := &fakeOrch{}
	s, _ := newTestServer(t, orch)
	srv := s.Router()
	body := "callId=CA1&status=answered"

	forged := "/telephony/call-status?purpose=vendor.new_order&orderId=O-2&sig=deadbeef"
	rec := signedForm(t, srv, forged, body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged callback = %d, want 401", rec.Code)
	}
	if len(orch.statuses) != 0 {
		t.Fatalf("forged callback reached the orchestrator: %v", orch.statuses)
	}

	q := url.Values{}
	q.Set("purpose", "vendor.new_order")
	q.Set("orderId", "O-2")
	q.Set("sig", telephony.Sign("wh-secret", []byte("vendor.new_order|O-2")))
	rec = signedForm(t, srv, "/telephony/call-status?"+q.Encode(), body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("signed callback = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if len(orch.statuses) != 1 {
		t.Fatalf("statuses = %v", orch.statuses)
	}
}

func TestCallStatusRegistrationFailureMapsToRetryableCode(t *testing.T) {
	orch := &fakeOrch{statusErr: errors.New("register call CA1: backend down")}
	s, _ := newTestServer(t, orch)
	srv := s.Router()
	body := "callId=CA1&status=answered&from=%2B919812345678"

	rec := signedForm(t, srv, "/telephony/call-status", body)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	orch.mu.Lock()
	orch.statusErr = session.ErrCapacity
	orch.mu.Unlock()
	rec = signedForm(t, srv, "/telephony/call-status", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("capacity status = %d, want 429", rec.Code)
	}
}
