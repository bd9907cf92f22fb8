// Package httpapi exposes the webhook, streaming and admin surfaces.
package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/anupbose/dhwani/internal/bus"
	"github.com/anupbose/dhwani/internal/config"
	"github.com/anupbose/dhwani/internal/escalate"
	"github.com/anupbose/dhwani/internal/observability"
	"github.com/anupbose/dhwani/internal/orchestrator"
	"github.com/anupbose/dhwani/internal/provider"
	"github.com/anupbose/dhwani/internal/session"
	"github.com/anupbose/dhwani/internal/telephony"
)

// maxWebhookBody bounds webhook payloads read into memory for HMAC
// verification.
const maxWebhookBody = 1 << 20

// Orchestrator is the call-handling surface the server drives.
type Orchestrator interface {
	HandleCallStatus(ctx context.Context, callID, status, from string) error
	HandleKeypad(callID, digit string, seq int64) error
	HandleRecording(ctx context.Context, callID, url string) error
	ConsumeStream(ctx context.Context, callID string, st *telephony.Stream) error
}

type Server struct {
	cfg      config.Config
	orch     Orchestrator
	engine   *escalate.Engine
	sessions *session.Store
	registry *provider.Registry
	bus      *bus.Bus
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, orch Orchestrator, engine *escalate.Engine, sessions *session.Store, registry *provider.Registry, b *bus.Bus, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		orch:     orch,
		engine:   engine,
		sessions: sessions,
		registry: registry,
		bus:      b,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The telephony provider connects server-to-server and sends
			// no Origin header; browsers have no business on this socket.
			CheckOrigin: func(r *http.Request) bool {
				return strings.TrimSpace(r.Header.Get("Origin")) == ""
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	// Telephony webhooks: every request is HMAC-signed over the raw body.
	r.Group(func(r chi.Router) {
		r.Use(s.requireWebhookSignature)
		r.Post("/telephony/call-status", s.handleCallStatus)
		r.Post("/telephony/keypad", s.handleKeypad)
		r.Post("/telephony/recording", s.handleRecording)
		r.Post("/events/order/{event}", s.handleOrderEvent)
		r.Post("/events/rider/{event}", s.handleRiderEvent)
		r.Post("/events/address/changed", s.handleAddressChanged)
	})

	// Bidirectional audio for active calls. Websocket dials cannot carry
	// a body signature, so the handler verifies an HMAC over the callId
	// itself before upgrading.
	r.Get("/telephony/stream", s.handleStream)

	// Operator surface.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAdminToken)
		r.Post("/escalation/start", s.handleEscalationStart)
		r.Post("/escalation/stop", s.handleEscalationStop)
		r.Get("/escalations", s.handleEscalationList)
		r.Get("/providers/health", s.handleProviderHealth)
		r.Put("/providers/priority", s.handleProviderPriority)
		r.Get("/sessions", s.handleSessionList)
		r.Get("/sessions/{callID}", s.handleSessionGet)
		r.Get("/stats", s.handleStats)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"active_calls": s.sessions.ActiveCount(),
	})
}

// requireWebhookSignature verifies the X-Signature header: hex
// HMAC-SHA256 of the raw request body under the shared webhook secret.
// The body is re-wrapped so downstream handlers can parse it normally.
func (s *Server) requireWebhookSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		r.Body.Close()
		if err != nil {
			respondError(w, http.StatusBadRequest, "bad_body", "could not read request body")
			return
		}
		sig := strings.TrimSpace(r.Header.Get("X-Signature"))
		if sig == "" || !telephony.Verify(s.cfg.WebhookSecret, body, sig) {
			if s.metrics != nil {
				s.metrics.AuthFailures.WithLabelValues("webhook").Inc()
			}
			respondError(w, http.StatusUnauthorized, "bad_signature", "missing or invalid signature")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if s.cfg.AdminBearerToken == "" || token == auth || token != s.cfg.AdminBearerToken {
			if s.metrics != nil {
				s.metrics.AuthFailures.WithLabelValues("admin").Inc()
			}
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) webhookResult(path, result string) {
	if s.metrics != nil {
		s.metrics.WebhookEvents.WithLabelValues(path, result).Inc()
	}
}

// handleCallStatus processes call lifecycle notifications. The provider
// retries on anything but 2xx: failures that a retransmission can cure
// get a retryable status, everything else a 202.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	// Calls we placed carry a signed purpose/orderId pair in the
	// callback URL; a forged pair must not steer another order's call.
	q := r.URL.Query()
	if q.Get("purpose") != "" || q.Get("orderId") != "" || q.Get("sig") != "" {
		expect := q.Get("purpose") + "|" + q.Get("orderId")
		if !telephony.Verify(s.cfg.WebhookSecret, []byte(expect), q.Get("sig")) {
			if s.metrics != nil {
				s.metrics.AuthFailures.WithLabelValues("webhook").Inc()
			}
			s.webhookResult("call-status", "bad_callback_sig")
			respondError(w, http.StatusUnauthorized, "bad_signature", "invalid callback signature")
			return
		}
	}

	if err := r.ParseForm(); err != nil {
		s.webhookResult("call-status", "bad_request")
		respondError(w, http.StatusBadRequest, "bad_form", "could not parse form body")
		return
	}
	callID := strings.TrimSpace(r.PostFormValue("CallSid"))
	if callID == "" {
		callID = strings.TrimSpace(r.PostFormValue("callId"))
	}
	status := strings.ToLower(strings.TrimSpace(r.PostFormValue("Status")))
	if status == "" {
		status = strings.ToLower(strings.TrimSpace(r.PostFormValue("status")))
	}
	if callID == "" || status == "" {
		s.webhookResult("call-status", "bad_request")
		respondError(w, http.StatusBadRequest, "missing_field", "callId and status are required")
		return
	}
	from := strings.TrimSpace(r.PostFormValue("From"))
	if from == "" {
		from = strings.TrimSpace(r.PostFormValue("from"))
	}

	if err := s.orch.HandleCallStatus(r.Context(), callID, status, from); err != nil {
		log.Printf("httpapi: call-status %s %s: %v", callID, status, err)
		s.webhookResult("call-status", "error")
		if errors.Is(err, session.ErrCapacity) {
			respondError(w, http.StatusTooManyRequests, "capacity", "no session capacity for new call")
			return
		}
		// Registration failed for some other transient reason; a 503
		// makes the provider retransmit the event.
		respondError(w, http.StatusServiceUnavailable, "unavailable", "could not register call")
		return
	}
	s.webhookResult("call-status", "ok")
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) handleKeypad(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.webhookResult("keypad", "bad_request")
		respondError(w, http.StatusBadRequest, "bad_form", "could not parse form body")
		return
	}
	callID := strings.TrimSpace(r.PostFormValue("callId"))
	digit := strings.TrimSpace(r.PostFormValue("digit"))
	if callID == "" {
		s.webhookResult("keypad", "bad_request")
		respondError(w, http.StatusBadRequest, "missing_field", "callId is required")
		return
	}
	if digit == "" {
		s.webhookResult("keypad", "missing_input")
		respondError(w, http.StatusUnprocessableEntity, "missing_input", "digit is required")
		return
	}
	seq, _ := strconv.ParseInt(strings.TrimSpace(r.PostFormValue("seq")), 10, 64)

	err := s.orch.HandleKeypad(callID, digit, seq)
	switch {
	case errors.Is(err, orchestrator.ErrUnknownCall):
		// Already logged by the orchestrator; a 4xx would only make the
		// provider retransmit an event we will never want.
		s.webhookResult("keypad", "unknown_call")
	case err != nil:
		log.Printf("httpapi: keypad %s: %v", callID, err)
		s.webhookResult("keypad", "error")
	default:
		s.webhookResult("keypad", "ok")
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

// handleRecording acknowledges immediately and fetches the recording in
// the background: the download can take seconds and the provider's
// webhook timeout is short.
func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.webhookResult("recording", "bad_request")
		respondError(w, http.StatusBadRequest, "bad_form", "could not parse form body")
		return
	}
	callID := strings.TrimSpace(r.PostFormValue("callId"))
	url := strings.TrimSpace(r.PostFormValue("recordingUrl"))
	if callID == "" || url == "" {
		s.webhookResult("recording", "bad_request")
		respondError(w, http.StatusBadRequest, "missing_field", "callId and recordingUrl are required")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RecordingTimeout)
		defer cancel()
		if err := s.orch.HandleRecording(ctx, callID, url); err != nil {
			log.Printf("httpapi: recording %s: %v", callID, err)
		}
	}()
	s.webhookResult("recording", "ok")
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

type orderEventRequest struct {
	OrderID string         `json:"orderId"`
	Data    map[string]any `json:"data"`
}

// handleOrderEvent maps order lifecycle notifications from the core
// backend onto escalation ladders.
func (s *Server) handleOrderEvent(w http.ResponseWriter, r *http.Request) {
	event := chi.URLParam(r, "event")
	var req orderEventRequest
	if err := decodeJSON(r, &req); err != nil || req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "orderId is required")
		return
	}

	var err error
	switch event {
	case "new":
		_, err = s.engine.Start(r.Context(), "vendor.new_order", req.OrderID, req.Data)
	case "accepted", "rejected":
		s.stopFlow("vendor.new_order", req.OrderID, "order "+event)
	case "ready":
		s.stopFlow("vendor.reminder", req.OrderID, "order ready")
	case "delivered":
		// Nothing to stop; delivered orders have no live ladder, but the
		// event still fans out on the bus below.
	default:
		respondError(w, http.StatusBadRequest, "unknown_event", "unknown order event "+event)
		return
	}
	if err != nil {
		log.Printf("httpapi: order/%s %s: %v", event, req.OrderID, err)
		respondError(w, http.StatusInternalServerError, "escalation_failed", err.Error())
		return
	}

	s.publishEvent("order."+event, req.OrderID, req.Data)
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) handleRiderEvent(w http.ResponseWriter, r *http.Request) {
	event := chi.URLParam(r, "event")
	var req orderEventRequest
	if err := decodeJSON(r, &req); err != nil || req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "orderId is required")
		return
	}

	var err error
	switch event {
	case "assigned":
		_, err = s.engine.Start(r.Context(), "rider.assign", req.OrderID, req.Data)
	case "accepted":
		// The rider acknowledging the assignment also settles any pending
		// address confirmation for the same order.
		s.stopFlow("rider.assign", req.OrderID, "rider accepted")
		s.stopFlow("rider.address_update", req.OrderID, "rider accepted")
	case "rejected":
		s.stopFlow("rider.assign", req.OrderID, "rider rejected")
	default:
		respondError(w, http.StatusBadRequest, "unknown_event", "unknown rider event "+event)
		return
	}
	if err != nil {
		log.Printf("httpapi: rider/%s %s: %v", event, req.OrderID, err)
		respondError(w, http.StatusInternalServerError, "escalation_failed", err.Error())
		return
	}

	s.publishEvent("rider."+event, req.OrderID, req.Data)
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) handleAddressChanged(w http.ResponseWriter, r *http.Request) {
	var req orderEventRequest
	if err := decodeJSON(r, &req); err != nil || req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "orderId is required")
		return
	}
	if _, err := s.engine.Start(r.Context(), "rider.address_update", req.OrderID, req.Data); err != nil {
		log.Printf("httpapi: address/changed %s: %v", req.OrderID, err)
		respondError(w, http.StatusInternalServerError, "escalation_failed", err.Error())
		return
	}
	s.publishEvent("address.changed", req.OrderID, req.Data)
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) stopFlow(flow, orderID, reason string) {
	if err := s.engine.StopByOrder(flow, orderID, reason); err != nil && !errors.Is(err, escalate.ErrNotFound) {
		log.Printf("httpapi: stop %s for %s: %v", flow, orderID, err)
	}
}

func (s *Server) publishEvent(topic, orderID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Topic:    topic,
		Key:      orderID,
		Severity: bus.SeverityLow,
		Payload:  data,
	})
}

// handleStream upgrades to a websocket carrying the call's audio: binary
// frames of 8 kHz mu-law in both directions, JSON control messages
// interleaved as text frames. The dial must present an HMAC over the
// callId under the shared webhook secret; without it anyone could
// attach to a call's audio leg.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(r.URL.Query().Get("callId"))
	if callID == "" {
		respondError(w, http.StatusBadRequest, "missing_field", "callId query parameter is required")
		return
	}
	sig := strings.TrimSpace(r.URL.Query().Get("sig"))
	if sig == "" {
		sig = strings.TrimSpace(r.Header.Get("X-Signature"))
	}
	if sig == "" || !telephony.Verify(s.cfg.WebhookSecret, []byte(callID), sig) {
		if s.metrics != nil {
			s.metrics.AuthFailures.WithLabelValues("stream").Inc()
		}
		respondError(w, http.StatusUnauthorized, "bad_signature", "missing or invalid signature")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("httpapi: stream upgrade for %s: %v", callID, err)
		return
	}

	st := telephony.NewStream(conn, callID, s.metrics)
	ctx, cancel := context.WithCancel(r.Context())
	go func() {
		defer cancel()
		if err := s.orch.ConsumeStream(ctx, callID, st); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("httpapi: stream consumer for %s: %v", callID, err)
		}
	}()
	if err := st.Run(ctx); err != nil {
		log.Printf("httpapi: stream for %s closed: %v", callID, err)
	}
	cancel()
}

type escalationStartRequest struct {
	Purpose string         `json:"purpose"`
	OrderID string         `json:"orderId"`
	Data    map[string]any `json:"data"`
}

func (s *Server) handleEscalationStart(w http.ResponseWriter, r *http.Request) {
	var req escalationStartRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Purpose == "" || req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "missing_field", "purpose and orderId are required")
		return
	}
	snap, err := s.engine.Start(r.Context(), req.Purpose, req.OrderID, req.Data)
	if errors.Is(err, escalate.ErrUnknownFlow) {
		respondError(w, http.StatusNotFound, "unknown_flow", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "escalation_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

type escalationStopRequest struct {
	EscalationID string `json:"escalationId"`
	Reason       string `json:"reason"`
}

func (s *Server) handleEscalationStop(w http.ResponseWriter, r *http.Request) {
	var req escalationStopRequest
	if err := decodeJSON(r, &req); err != nil || req.EscalationID == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "escalationId is required")
		return
	}
	err := s.engine.Stop(req.EscalationID, req.Reason)
	if errors.Is(err, escalate.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "stop_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

func (s *Server) handleEscalationList(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"escalations": s.engine.List()})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"providers": s.registry.HealthSnapshot()})
}

type priorityRequest struct {
	Kind     string   `json:"kind"`
	Priority []string `json:"priority"`
}

func (s *Server) handleProviderPriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var kind provider.Kind
	switch req.Kind {
	case "asr":
		kind = provider.KindASR
	case "tts":
		kind = provider.KindTTS
	default:
		respondError(w, http.StatusBadRequest, "bad_kind", "kind must be asr or tts")
		return
	}
	if err := s.registry.SetPriority(kind, req.Priority); err != nil {
		respondError(w, http.StatusBadRequest, "bad_priority", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"kind":     req.Kind,
		"priority": s.registry.Priority(kind),
	})
}

func (s *Server) handleSessionList(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	sess, err := s.sessions.Get(callID)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "no active session for "+callID)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	escalations := s.engine.List()
	byStatus := map[string]int{}
	for _, e := range escalations {
		byStatus[string(e.Status)]++
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"active_calls":          s.sessions.ActiveCount(),
		"escalations":           len(escalations),
		"escalations_by_status": byStatus,
		"providers":             s.registry.HealthSnapshot(),
	})
}
