package escalate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/anupbose/dhwani/internal/bus"
	"github.com/anupbose/dhwani/internal/observability"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	ErrNotFound    = errors.New("escalation not found")
	ErrUnknownFlow = errors.New("unknown escalation flow")
)

// Snapshot is the externally visible state of one escalation.
type Snapshot struct {
	ID        string         `json:"id"`
	Target    string         `json:"target"`
	Flow      string         `json:"flow"`
	OrderID   string         `json:"orderId"`
	Recorded  bool           `json:"recorded"`
	Status    Status         `json:"status"`
	Index     int            `json:"index"`
	StartedAt time.Time      `json:"startedAt"`
	Steps     []Step         `json:"steps"`
	Data      map[string]any `json:"data,omitempty"`
}

// CallPlacer starts the telephony leg of a ring or interactive_voice
// step.
type CallPlacer interface {
	PlaceEscalationCall(ctx context.Context, esc Snapshot, interactive bool) error
}

// Notifier delivers push and chat steps; delivery is fire-and-forget.
type Notifier interface {
	NotifyEvent(ctx context.Context, kind string, payload map[string]any)
}

type escalation struct {
	Snapshot
	cancel context.CancelFunc
}

// Engine runs the timed ladder for every active escalation. One runner
// goroutine per escalation sleeps to each step's cumulative due time
// (monotonic clock), so step N never dispatches before N-1 finishes.
type Engine struct {
	mu      sync.Mutex
	active  map[string]*escalation
	flows   map[string]Flow
	placer  CallPlacer
	notify  Notifier
	bus     *bus.Bus
	metrics *observability.Metrics

	wg sync.WaitGroup
}

func NewEngine(flows map[string]Flow, placer CallPlacer, notify Notifier, b *bus.Bus, metrics *observability.Metrics) *Engine {
	return &Engine{
		active:  make(map[string]*escalation),
		flows:   flows,
		placer:  placer,
		notify:  notify,
		bus:     b,
		metrics: metrics,
	}
}

// ID derives the deterministic escalation id for a flow and order, so
// concurrent starts agree without coordination.
func ID(flow, orderID string) string {
	sum := sha256.Sum256([]byte(flow + "|" + orderID))
	return "esc_" + hex.EncodeToString(sum[:8])
}

// Start begins the ladder for (flow, orderId), or returns the existing
// active escalation unchanged. Step 0 executes immediately.
func (e *Engine) Start(ctx context.Context, flowName, orderID string, data map[string]any) (Snapshot, error) {
	flow, ok := e.flows[flowName]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownFlow, flowName)
	}
	id := ID(flowName, orderID)

	e.mu.Lock()
	if existing, ok := e.active[id]; ok && existing.Status == StatusActive {
		snap := existing.Snapshot
		e.mu.Unlock()
		return snap, nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	esc := &escalation{
		Snapshot: Snapshot{
			ID:        id,
			Target:    flow.Target,
			Flow:      flowName,
			OrderID:   orderID,
			Recorded:  flow.Recorded,
			Status:    StatusActive,
			StartedAt: time.Now(),
			Steps:     flow.Steps,
			Data:      data,
		},
		cancel: cancel,
	}
	e.active[id] = esc
	snap := esc.Snapshot
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.Escalations.WithLabelValues(flowName, "started").Inc()
	}
	e.bus.Publish(bus.Event{
		Topic: "escalation.started", Key: orderID, Severity: bus.SeverityLow,
		Payload: map[string]any{"escalationId": id, "flow": flowName, "orderId": orderID},
	})

	e.wg.Add(1)
	go e.run(runCtx, esc)
	return snap, nil
}

// Stop cancels all pending steps. Idempotent; a timer firing
// concurrently observes the status change and no-ops.
func (e *Engine) Stop(id, reason string) error {
	e.mu.Lock()
	esc, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	if esc.Status != StatusActive {
		e.mu.Unlock()
		return nil
	}
	esc.Status = StatusStopped
	flow, orderID := esc.Flow, esc.OrderID
	esc.cancel()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.Escalations.WithLabelValues(flow, "stopped").Inc()
	}
	e.bus.Publish(bus.Event{
		Topic: "escalation.stopped", Key: orderID, Severity: bus.SeverityLow,
		Payload: map[string]any{"escalationId": id, "flow": flow, "orderId": orderID, "reason": reason},
	})
	return nil
}

// StopByOrder stops the active escalation for (flow, orderId) if any.
// Used when backend acknowledgement events arrive.
func (e *Engine) StopByOrder(flow, orderID, reason string) error {
	return e.Stop(ID(flow, orderID), reason)
}

// Get returns the escalation's current snapshot.
func (e *Engine) Get(id string) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, ok := e.active[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return esc.Snapshot, nil
}

// List returns all tracked escalations, most recent first.
func (e *Engine) List() []Snapshot {
	e.mu.Lock()
	out := make([]Snapshot, 0, len(e.active))
	for _, esc := range e.active {
		out = append(out, esc.Snapshot)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Wait blocks until every runner goroutine has exited. For shutdown and
// tests.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) run(ctx context.Context, esc *escalation) {
	defer e.wg.Done()

	for i, step := range esc.Steps {
		// StartedAt carries Go's monotonic reading, so wall-clock jumps
		// do not accelerate steps.
		wait := time.Until(esc.StartedAt.Add(step.Wait))
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		e.mu.Lock()
		if esc.Status != StatusActive {
			e.mu.Unlock()
			return
		}
		esc.Index = i
		snap := esc.Snapshot
		e.mu.Unlock()

		e.dispatch(ctx, snap, step)
	}

	e.mu.Lock()
	if esc.Status != StatusActive {
		e.mu.Unlock()
		return
	}
	esc.Status = StatusCompleted
	snap := esc.Snapshot
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.Escalations.WithLabelValues(snap.Flow, "exhausted").Inc()
	}
	e.bus.Publish(bus.Event{
		Topic: "escalation.exhausted", Key: snap.OrderID, Severity: bus.SeverityMedium,
		Payload: map[string]any{"escalationId": snap.ID, "flow": snap.Flow, "orderId": snap.OrderID},
	})
}

func (e *Engine) dispatch(ctx context.Context, snap Snapshot, step Step) {
	result := "ok"
	switch step.Channel {
	case ChannelPush, ChannelChat:
		e.notify.NotifyEvent(ctx, "escalation."+string(step.Channel), map[string]any{
			"escalationId": snap.ID,
			"flow":         snap.Flow,
			"orderId":      snap.OrderID,
			"target":       snap.Target,
			"step":         snap.Index,
			"data":         snap.Data,
		})
	case ChannelRing:
		if err := e.placer.PlaceEscalationCall(ctx, snap, false); err != nil {
			log.Printf("escalate %s: ring step failed: %v", snap.ID, err)
			result = "error"
		}
	case ChannelInteractiveVoice:
		if err := e.placer.PlaceEscalationCall(ctx, snap, true); err != nil {
			log.Printf("escalate %s: interactive step failed: %v", snap.ID, err)
			result = "error"
		}
	case ChannelHumanOperator:
		e.bus.Publish(bus.Event{
			Topic: "escalation.alert", Key: snap.OrderID, Severity: bus.SeverityHigh,
			Payload: map[string]any{
				"escalationId": snap.ID,
				"flow":         snap.Flow,
				"orderId":      snap.OrderID,
				"reason":       "ladder reached human operator",
			},
		})
	default:
		log.Printf("escalate %s: unknown channel %q", snap.ID, step.Channel)
		result = "error"
	}
	if e.metrics != nil {
		e.metrics.EscalationSteps.WithLabelValues(snap.Flow, string(step.Channel), result).Inc()
	}
}
