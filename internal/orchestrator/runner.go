package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anupbose/dhwani/internal/backend"
	"github.com/anupbose/dhwani/internal/brain"
	"github.com/anupbose/dhwani/internal/bus"
	"github.com/anupbose/dhwani/internal/clipcache"
	"github.com/anupbose/dhwani/internal/escalate"
	"github.com/anupbose/dhwani/internal/observability"
	"github.com/anupbose/dhwani/internal/provider"
	"github.com/anupbose/dhwani/internal/session"
	"github.com/anupbose/dhwani/internal/telephony"
)

var ErrUnknownCall = errors.New("orchestrator: unknown call")

// OutcomeFailedBackend marks calls that ended because the language
// endpoint or backend was unreachable.
const OutcomeFailedBackend = "failed_backend"

const (
	openTurnCap    = 10
	historyWindow  = 5
	eventQueueSize = 32
)

// Backend is the slice of the core-backend client the runner needs.
type Backend interface {
	GetOrder(ctx context.Context, orderID string) (*backend.Order, error)
	LookupPartyByPhone(ctx context.Context, phone string) (*backend.Party, error)
	ReportTransition(ctx context.Context, orderID string, toState backend.OrderState, actor, reason string) (backend.TransitionStatus, error)
	ReportCallResult(ctx context.Context, res backend.CallResult) error
}

// Dialer places outbound calls and fetches recordings.
type Dialer interface {
	PlaceCall(ctx context.Context, req telephony.PlacementRequest) (string, error)
	FetchRecording(ctx context.Context, url string) ([]byte, error)
}

// Speech routes recognition and synthesis through the provider stack.
type Speech interface {
	Recognize(ctx context.Context, req provider.RecognizeRequest, preferred string) (string, string, error)
	Synthesize(ctx context.Context, req provider.SynthesizeRequest, preferred string) ([]byte, string, error)
}

// AudioOut is where a call's synthesized audio goes once a stream leg
// is attached.
type AudioOut interface {
	EnqueueClip(clip []byte)
	Interrupt()
}

// Stopper cancels the escalation ladder once a call reaches a
// successful terminal state.
type Stopper interface {
	StopByOrder(flow, orderID, reason string) error
}

type Config struct {
	DefaultLanguage string
	Voice           string
	// CallerID resolves the outbound caller line for a purpose.
	CallerID func(purpose string) string
}

// Orchestrator runs one event loop per call: all events for a callId
// are serialized onto that loop, so machine transitions need no locks.
type Orchestrator struct {
	cfg      Config
	sessions *session.Store
	clips    *clipcache.Cache
	speech   Speech
	backend  Backend
	dialer   Dialer
	brain    brain.Responder
	bus      *bus.Bus
	metrics  *observability.Metrics

	mu      sync.Mutex
	calls   map[string]*call
	stopper Stopper

	wg sync.WaitGroup
}

type call struct {
	id       string
	purpose  string
	orderID  string
	language string
	recorded bool
	machine  Machine
	state    MachineState
	vars     PhraseVars

	events chan Event
	cancel context.CancelFunc

	audioMu sync.Mutex
	audio   AudioOut

	promptTimer *time.Timer
	answered    bool
	reported    bool
	failing     bool
	outcome     string
}

func New(cfg Config, sessions *session.Store, clips *clipcache.Cache, speech Speech, be Backend, dialer Dialer, responder brain.Responder, b *bus.Bus, metrics *observability.Metrics) *Orchestrator {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "hi"
	}
	if cfg.Voice == "" {
		cfg.Voice = "default"
	}
	return &Orchestrator{
		cfg:      cfg,
		sessions: sessions,
		clips:    clips,
		speech:   speech,
		backend:  be,
		dialer:   dialer,
		brain:    responder,
		bus:      b,
		metrics:  metrics,
		calls:    make(map[string]*call),
	}
}

// SetStopper wires the escalation engine after construction; the engine
// needs the orchestrator as its call placer, so one side attaches late.
func (o *Orchestrator) SetStopper(s Stopper) {
	o.mu.Lock()
	o.stopper = s
	o.mu.Unlock()
}

// StartRequest describes an outbound call to begin.
type StartRequest struct {
	Purpose  string
	OrderID  string
	To       string
	Language string
	Recorded bool
	RingOnly bool
}

// StartOutboundCall places the call and, unless it is a bare ring,
// registers the purpose's state machine and pre-synthesizes its opening
// phrases.
func (o *Orchestrator) StartOutboundCall(ctx context.Context, req StartRequest) (string, error) {
	var machine Machine
	if !req.RingOnly {
		m, ok := MachineFor(req.Purpose)
		if !ok {
			return "", fmt.Errorf("no machine for purpose %q", req.Purpose)
		}
		machine = m
	}

	vars, language := o.callContext(ctx, req)

	callerID := ""
	if o.cfg.CallerID != nil {
		callerID = o.cfg.CallerID(req.Purpose)
	}
	callID, err := o.dialer.PlaceCall(ctx, telephony.PlacementRequest{
		To:       req.To,
		CallerID: callerID,
		Purpose:  req.Purpose,
		OrderID:  req.OrderID,
		Language: language,
		RingOnly: req.RingOnly,
	})
	if err != nil {
		return "", err
	}
	if req.RingOnly {
		return callID, nil
	}

	if err := o.register(callID, req, machine, vars, language); err != nil {
		return "", err
	}
	return callID, nil
}

// PlaceEscalationCall implements the escalation engine's call placer.
func (o *Orchestrator) PlaceEscalationCall(ctx context.Context, esc escalate.Snapshot, interactive bool) error {
	to, _ := esc.Data["phone"].(string)
	language, _ := esc.Data["language"].(string)
	if to == "" {
		var err error
		to, language, err = o.resolveTarget(ctx, esc)
		if err != nil {
			return err
		}
	}
	_, err := o.StartOutboundCall(ctx, StartRequest{
		Purpose:  esc.Flow,
		OrderID:  esc.OrderID,
		To:       to,
		Language: language,
		Recorded: esc.Recorded,
		RingOnly: !interactive,
	})
	return err
}

func (o *Orchestrator) resolveTarget(ctx context.Context, esc escalate.Snapshot) (phone, language string, err error) {
	order, err := o.backend.GetOrder(ctx, esc.OrderID)
	if err != nil {
		return "", "", fmt.Errorf("resolve %s target: %w", esc.ID, err)
	}
	var p *backend.Party
	switch esc.Target {
	case "vendor":
		p = &order.Vendor
	case "rider":
		p = order.Rider
	case "customer":
		p = &order.Customer
	}
	if p == nil || p.Phone == "" {
		return "", "", fmt.Errorf("resolve %s target: no %s phone on order %s", esc.ID, esc.Target, esc.OrderID)
	}
	return p.Phone, p.PreferredLanguage, nil
}

func (o *Orchestrator) callContext(ctx context.Context, req StartRequest) (PhraseVars, string) {
	vars := PhraseVars{OrderRef: shortRef(req.OrderID)}
	language := req.Language
	if req.OrderID != "" {
		if order, err := o.backend.GetOrder(ctx, req.OrderID); err == nil {
			vars.VendorName = order.Vendor.DisplayName
			vars.AmountRupees = formatRupees(order.AmountPaise)
			vars.Items = itemSummary(order.Items)
			if order.Rider != nil {
				vars.RiderName = order.Rider.DisplayName
			}
			if language == "" {
				language = partyLanguage(order, req.Purpose)
			}
		} else {
			log.Printf("orchestrator: order %s lookup failed, generic phrases: %v", req.OrderID, err)
		}
	}
	if language == "" {
		language = o.cfg.DefaultLanguage
	}
	return vars, language
}

func partyLanguage(order *backend.Order, purpose string) string {
	switch {
	case strings.HasPrefix(purpose, "vendor."):
		return order.Vendor.PreferredLanguage
	case strings.HasPrefix(purpose, "rider.") && order.Rider != nil:
		return order.Rider.PreferredLanguage
	case strings.HasPrefix(purpose, "customer."):
		return order.Customer.PreferredLanguage
	}
	return ""
}

func (o *Orchestrator) register(callID string, req StartRequest, machine Machine, vars PhraseVars, language string) error {
	_, err := o.sessions.Create(&session.Session{
		CallID:   callID,
		Purpose:  req.Purpose,
		OrderID:  req.OrderID,
		Language: language,
		State:    machine.Entry.Node,
		Status:   session.StatusActive,
		Recorded: req.Recorded,
	})
	if err != nil {
		return fmt.Errorf("register call %s: %w", callID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &call{
		id:       callID,
		purpose:  req.Purpose,
		orderID:  req.OrderID,
		language: language,
		recorded: req.Recorded,
		machine:  machine,
		state:    machine.Entry,
		vars:     vars,
		events:   make(chan Event, eventQueueSize),
		cancel:   cancel,
	}

	o.mu.Lock()
	o.calls[callID] = c
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ActiveCalls.Inc()
	}

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		o.presynth(ctx, c)
	}()
	go func() {
		defer o.wg.Done()
		o.run(ctx, c)
	}()
	return nil
}

// StartInboundCall registers a session for a caller who dialed in.
func (o *Orchestrator) StartInboundCall(ctx context.Context, callID, from string) error {
	machine, _ := MachineFor(PurposeCustomerInbound)
	language := o.cfg.DefaultLanguage
	if party, err := o.backend.LookupPartyByPhone(ctx, from); err == nil && party.PreferredLanguage != "" {
		language = party.PreferredLanguage
	}
	return o.register(callID, StartRequest{Purpose: PurposeCustomerInbound}, machine, PhraseVars{}, language)
}

func (o *Orchestrator) lookup(callID string) (*call, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.calls[callID]
	return c, ok
}

// HandleCallStatus translates a provider lifecycle webhook into a
// machine event. An unknown callId with a live status and a caller
// number starts an inbound session; otherwise the event is dropped with
// a logged warning, since the provider may retransmit.
func (o *Orchestrator) HandleCallStatus(ctx context.Context, callID, status, from string) error {
	c, ok := o.lookup(callID)
	if !ok {
		if (status == "ringing" || status == "answered") && from != "" {
			if err := o.StartInboundCall(ctx, callID, from); err != nil {
				return err
			}
			c, ok = o.lookup(callID)
			if !ok {
				return nil
			}
		} else {
			log.Printf("orchestrator: status %q for unknown call %s dropped", status, callID)
			return nil
		}
	}

	switch status {
	case "ringing":
		o.sessions.Touch(callID)
	case "answered":
		o.enqueue(c, Event{Kind: EventAnswered})
	case "completed", "no-answer", "busy", "failed":
		o.enqueue(c, Event{Kind: EventHangup})
	default:
		log.Printf("orchestrator: call %s unknown status %q", callID, status)
	}
	return nil
}

// HandleKeypad feeds a digit press. Duplicate retransmissions are
// identified by the provider's monotonic seq and dropped.
func (o *Orchestrator) HandleKeypad(callID, digit string, seq int64) error {
	c, ok := o.lookup(callID)
	if !ok {
		log.Printf("orchestrator: keypad for unknown call %s dropped", callID)
		return ErrUnknownCall
	}
	fresh, err := o.sessions.AdvanceSeq(callID, seq)
	if err != nil {
		return err
	}
	if !fresh {
		log.Printf("orchestrator: call %s duplicate keypad seq %d dropped", callID, seq)
		return nil
	}
	o.enqueue(c, Event{Kind: EventKeypad, Digit: digit, Seq: seq})
	return nil
}

// HandleRecording downloads a finished recording and feeds it to the
// machine as audio.
func (o *Orchestrator) HandleRecording(ctx context.Context, callID, url string) error {
	c, ok := o.lookup(callID)
	if !ok {
		log.Printf("orchestrator: recording for unknown call %s dropped", callID)
		return ErrUnknownCall
	}
	data, err := o.dialer.FetchRecording(ctx, url)
	if err != nil {
		return fmt.Errorf("call %s: %w", callID, err)
	}
	o.enqueue(c, Event{Kind: EventRecording, Audio: data})
	return nil
}

// HandleSpeech feeds captured caller audio (WAV) from the stream leg.
func (o *Orchestrator) HandleSpeech(callID string, wav []byte) error {
	c, ok := o.lookup(callID)
	if !ok {
		return ErrUnknownCall
	}
	o.enqueue(c, Event{Kind: EventRecording, Audio: wav})
	return nil
}

// HandleInterrupt is barge-in: the caller spoke over playback.
func (o *Orchestrator) HandleInterrupt(callID string) {
	if c, ok := o.lookup(callID); ok {
		o.enqueue(c, Event{Kind: EventInterrupt})
	}
}

// AttachAudio binds the call's outbound audio leg.
func (o *Orchestrator) AttachAudio(callID string, out AudioOut) error {
	c, ok := o.lookup(callID)
	if !ok {
		return ErrUnknownCall
	}
	c.audioMu.Lock()
	c.audio = out
	c.audioMu.Unlock()
	return nil
}

// CancelCall tears a call down, e.g. from the inactivity sweeper.
func (o *Orchestrator) CancelCall(callID string) {
	if c, ok := o.lookup(callID); ok {
		c.cancel()
	}
}

// Wait blocks until all call loops have exited. For shutdown and tests.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) enqueue(c *call, ev Event) {
	if o.metrics != nil {
		o.metrics.CallEvents.WithLabelValues(string(ev.Kind)).Inc()
	}
	select {
	case c.events <- ev:
	default:
		log.Printf("orchestrator: call %s inbox full, dropped %s", c.id, ev.Kind)
	}
}

func (o *Orchestrator) run(ctx context.Context, c *call) {
	defer o.teardown(c)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			switch ev.Kind {
			case EventAnswered:
				if c.answered {
					continue
				}
				c.answered = true
				o.sessions.Touch(c.id)
				o.dispatch(ctx, c, c.machine.EntryActions, ev)
			case EventInterrupt:
				c.audioMu.Lock()
				if c.audio != nil {
					c.audio.Interrupt()
				}
				c.audioMu.Unlock()
				continue
			default:
				c.stopPromptTimer()
				next, actions := c.machine.Step(c.state, ev)
				c.state = next
				o.sessions.SetState(c.id, next.Node)
				o.dispatch(ctx, c, actions, ev)
			}
			if c.state.Node == nodeDone {
				return
			}
		}
	}
}

func (o *Orchestrator) teardown(c *call) {
	c.stopPromptTimer()
	c.cancel()

	// A loop that exits without a terminal report still reports exactly
	// once; teardown by sweep or transport loss counts as missed.
	if !c.reported {
		o.report(context.Background(), c, OutcomeMissed, nil)
	}

	o.mu.Lock()
	delete(o.calls, c.id)
	o.mu.Unlock()

	if s, err := o.sessions.End(c.id, c.lastOutcome()); err == nil {
		o.bus.Publish(bus.Event{
			Topic: "call.ended", Key: c.orderID, Severity: bus.SeverityLow,
			Payload: map[string]any{"callId": c.id, "purpose": c.purpose, "outcome": s.Outcome},
		})
	}
	if o.metrics != nil {
		o.metrics.ActiveCalls.Dec()
	}
}

func (c *call) lastOutcome() string {
	if c.outcome == "" {
		return OutcomeMissed
	}
	return c.outcome
}

func (c *call) stopPromptTimer() {
	if c.promptTimer != nil {
		c.promptTimer.Stop()
		c.promptTimer = nil
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, c *call, actions []Action, ev Event) {
	for _, a := range actions {
		if c.state.Node == nodeDone && a.Kind != ActionReport && a.Kind != ActionPlay && a.Kind != ActionHangup {
			return
		}
		switch a.Kind {
		case ActionPlay:
			o.playPhrase(ctx, c, a.Phrase)
		case ActionPrompt:
			o.playPhrase(ctx, c, a.Phrase)
			if c.state.Node == nodeDone {
				return
			}
			timeout := a.Timeout
			if timeout <= 0 {
				timeout = promptTimeout
			}
			c.stopPromptTimer()
			c.promptTimer = time.AfterFunc(timeout, func() {
				if cur, ok := o.lookup(c.id); ok {
					o.enqueue(cur, Event{Kind: EventTimeout})
				}
			})
		case ActionRecord:
			// The provider records server-side and posts
			// /telephony/recording when done.
		case ActionReport:
			o.report(ctx, c, a.Outcome, a.Details)
		case ActionConverse:
			o.converse(ctx, c, ev)
		case ActionHangup:
			c.state = MachineState{Node: nodeDone}
		case ActionTransfer, ActionBridge:
			log.Printf("orchestrator: call %s requested %s to %s", c.id, a.Kind, a.Peer)
		}
		if c.state.Node == nodeDone && a.Kind == ActionHangup {
			return
		}
	}
}

// playPhrase fetches or synthesizes the clip and queues it for
// playback. A miss synthesizes fresh (the cache is never
// authoritative); one retry, then the call closes with failed_tts over
// the cached apology clip.
func (o *Orchestrator) playPhrase(ctx context.Context, c *call, phrase string) {
	clip, err := o.ensureClip(ctx, c, phrase)
	if err != nil {
		log.Printf("orchestrator: call %s synthesis for %q failed: %v", c.id, phrase, err)
		o.failCall(ctx, c, OutcomeFailedTTS)
		return
	}
	o.enqueueAudio(c, clip)
}

func (o *Orchestrator) enqueueAudio(c *call, clip []byte) {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	if c.audio != nil {
		c.audio.EnqueueClip(clip)
	}
}

func (o *Orchestrator) clipKey(c *call, phrase string) clipcache.Key {
	id := phrase
	if orderScoped(phrase) && c.orderID != "" {
		id = phrase + "|" + c.orderID
	}
	return clipcache.Key{PhraseID: id, Language: c.language, Voice: o.cfg.Voice}
}

func (o *Orchestrator) ensureClip(ctx context.Context, c *call, phrase string) ([]byte, error) {
	key := o.clipKey(c, phrase)
	if clip, ok := o.clips.Get(key); ok {
		if o.metrics != nil {
			o.metrics.ClipCacheEvents.WithLabelValues("hit").Inc()
		}
		return clip, nil
	}
	if o.metrics != nil {
		o.metrics.ClipCacheEvents.WithLabelValues("miss").Inc()
	}

	text := PhraseText(phrase, c.language, c.vars)
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		clip, served, err := o.speech.Synthesize(ctx, provider.SynthesizeRequest{
			Text:     text,
			Language: c.language,
			Voice:    o.cfg.Voice,
		}, "")
		if err == nil {
			o.clips.Put(key, clip)
			o.noteProviders(c.id, "", served)
			return clip, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// failCall ends a call on an internal failure: spoken apology in the
// session's language, terminal report, hangup. The line is never left
// silent.
func (o *Orchestrator) failCall(ctx context.Context, c *call, outcome string) {
	if c.failing {
		c.state = MachineState{Node: nodeDone}
		return
	}
	c.failing = true
	if clip, ok := o.clips.Get(o.clipKey(c, PhraseApology)); ok {
		o.enqueueAudio(c, clip)
	} else if clip, _, err := o.speech.Synthesize(ctx, provider.SynthesizeRequest{
		Text:     PhraseText(PhraseApology, c.language, c.vars),
		Language: c.language,
		Voice:    o.cfg.Voice,
	}, ""); err == nil {
		o.enqueueAudio(c, clip)
	}
	o.report(ctx, c, outcome, nil)
	c.state = MachineState{Node: nodeDone}
}

func (o *Orchestrator) report(ctx context.Context, c *call, outcome string, details map[string]any) {
	if c.reported {
		return
	}
	c.reported = true
	c.outcome = outcome

	if details == nil {
		details = map[string]any{}
	}
	if c.orderID != "" {
		details["orderId"] = c.orderID
	}
	if err := o.backend.ReportCallResult(ctx, backend.CallResult{
		CallID:  c.id,
		Purpose: c.purpose,
		Outcome: outcome,
		Details: details,
	}); err != nil {
		log.Printf("orchestrator: call %s result report failed: %v", c.id, err)
	}

	o.afterReport(ctx, c, outcome)
}

func (o *Orchestrator) afterReport(ctx context.Context, c *call, outcome string) {
	if c.orderID != "" {
		switch {
		case c.purpose == PurposeVendorNewOrder && outcome == OutcomeAccepted:
			if _, err := o.backend.ReportTransition(ctx, c.orderID, backend.StateProcessing, "ivr", "vendor accepted on call"); err != nil {
				log.Printf("orchestrator: call %s transition failed: %v", c.id, err)
			}
		case c.purpose == PurposeVendorReminder && outcome == OutcomeReady:
			if _, err := o.backend.ReportTransition(ctx, c.orderID, backend.StateHandover, "ivr", "vendor marked ready on call"); err != nil {
				log.Printf("orchestrator: call %s transition failed: %v", c.id, err)
			}
		}
	}

	if acknowledged(outcome) && c.orderID != "" {
		o.mu.Lock()
		stopper := o.stopper
		o.mu.Unlock()
		if stopper != nil {
			if err := stopper.StopByOrder(c.purpose, c.orderID, "call "+outcome); err != nil && !errors.Is(err, escalate.ErrNotFound) {
				log.Printf("orchestrator: call %s escalation stop failed: %v", c.id, err)
			}
		}
	}

	o.bus.Publish(bus.Event{
		Topic: "call.completed", Key: c.orderID, Severity: bus.SeverityLow,
		Payload: map[string]any{"callId": c.id, "purpose": c.purpose, "outcome": outcome},
	})
}

// acknowledged outcomes resolve the notification, so the ladder stops;
// missed and failed calls leave it running.
func acknowledged(outcome string) bool {
	switch outcome {
	case OutcomeAccepted, OutcomeRejected, OutcomeConfirmed, OutcomeEscalate, OutcomeReady, OutcomeExtended, OutcomeCompleted:
		return true
	}
	return false
}

// converse runs one open-ended turn: recognize, think, speak.
func (o *Orchestrator) converse(ctx context.Context, c *call, ev Event) {
	text := ev.Text
	if text == "" && len(ev.Audio) > 0 {
		var err error
		text, err = o.recognize(ctx, c, ev.Audio)
		if err != nil {
			log.Printf("orchestrator: call %s recognition failed: %v", c.id, err)
			o.failCall(ctx, c, OutcomeFailedASR)
			return
		}
	}
	if strings.TrimSpace(text) == "" {
		o.enqueue(c, Event{Kind: EventTimeout})
		return
	}

	// Snapshot the history before appending the caller turn: the current
	// utterance travels in Text only, never doubled into History.
	history := o.history(c.id)

	turns, err := o.sessions.AppendTurn(c.id, session.Turn{Role: "caller", Text: text, At: time.Now()}, true)
	if err != nil {
		log.Printf("orchestrator: call %s history append failed: %v", c.id, err)
	}
	if turns > openTurnCap {
		o.playPhrase(ctx, c, PhraseGoodbye)
		o.report(ctx, c, OutcomeCompleted, map[string]any{"turns": turns})
		c.state = MachineState{Node: nodeDone}
		return
	}

	reply, err := o.brain.Reply(ctx, brain.ReplyRequest{
		CallID:   c.id,
		Purpose:  c.purpose,
		Language: c.language,
		History:  history,
		Text:     text,
	})
	if err != nil {
		// One retry; the endpoint is occasionally slow to warm.
		reply, err = o.brain.Reply(ctx, brain.ReplyRequest{
			CallID: c.id, Purpose: c.purpose, Language: c.language, History: history, Text: text,
		})
	}
	if err != nil {
		log.Printf("orchestrator: call %s brain failed: %v", c.id, err)
		o.failCall(ctx, c, OutcomeFailedBackend)
		return
	}
	o.sessions.AppendTurn(c.id, session.Turn{Role: "assistant", Text: reply, At: time.Now()}, false)

	clip, served, err := o.speech.Synthesize(ctx, provider.SynthesizeRequest{
		Text: reply, Language: c.language, Voice: o.cfg.Voice,
	}, "")
	if err != nil {
		clip, served, err = o.speech.Synthesize(ctx, provider.SynthesizeRequest{
			Text: reply, Language: c.language, Voice: o.cfg.Voice,
		}, "")
	}
	if err != nil {
		log.Printf("orchestrator: call %s reply synthesis failed: %v", c.id, err)
		o.failCall(ctx, c, OutcomeFailedTTS)
		return
	}
	o.noteProviders(c.id, "", served)
	o.enqueueAudio(c, clip)

	c.stopPromptTimer()
	c.promptTimer = time.AfterFunc(promptTimeout, func() {
		if cur, ok := o.lookup(c.id); ok {
			o.enqueue(cur, Event{Kind: EventTimeout})
		}
	})
}

func (o *Orchestrator) recognize(ctx context.Context, c *call, wav []byte) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		text, served, err := o.speech.Recognize(ctx, provider.RecognizeRequest{
			Audio:    wav,
			Format:   "wav",
			Language: c.language,
		}, "")
		if err == nil {
			o.noteProviders(c.id, served, "")
			return text, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func (o *Orchestrator) history(callID string) []brain.Turn {
	s, err := o.sessions.Get(callID)
	if err != nil {
		return nil
	}
	turns := s.Turns
	if len(turns) > historyWindow {
		turns = turns[len(turns)-historyWindow:]
	}
	out := make([]brain.Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, brain.Turn{Role: t.Role, Text: t.Text})
	}
	return out
}

func (o *Orchestrator) noteProviders(callID, asr, tts string) {
	o.sessions.SetProviders(callID, asr, tts)
}

// presynth renders every phrase reachable within two transitions so the
// greeting plays the moment the line opens. Fan-out is bounded; repeat
// calls for the same order hit the cache.
func (o *Orchestrator) presynth(ctx context.Context, c *call) {
	phrases := ReachablePhrases(c.machine, 2)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, phrase := range phrases {
		g.Go(func() error {
			if _, ok := o.clips.Get(o.clipKey(c, phrase)); ok {
				return nil
			}
			if _, err := o.ensureClipQuiet(gctx, c, phrase); err != nil {
				log.Printf("orchestrator: call %s presynth %q failed: %v", c.id, phrase, err)
			}
			return nil
		})
	}
	g.Wait()
}

// ensureClipQuiet is ensureClip without the fail-the-call escalation;
// presynth failures fall back to on-demand synthesis at play time.
func (o *Orchestrator) ensureClipQuiet(ctx context.Context, c *call, phrase string) ([]byte, error) {
	key := o.clipKey(c, phrase)
	if clip, ok := o.clips.Get(key); ok {
		return clip, nil
	}
	clip, _, err := o.speech.Synthesize(ctx, provider.SynthesizeRequest{
		Text:     PhraseText(phrase, c.language, c.vars),
		Language: c.language,
		Voice:    o.cfg.Voice,
	}, "")
	if err != nil {
		return nil, err
	}
	o.clips.Put(key, clip)
	return clip, nil
}

func shortRef(orderID string) string {
	if len(orderID) <= 6 {
		return orderID
	}
	return orderID[len(orderID)-6:]
}

func formatRupees(paise int64) string {
	r := paise / 100
	p := paise % 100
	if p == 0 {
		return strconv.FormatInt(r, 10)
	}
	return fmt.Sprintf("%d.%02d", r, p)
}

func itemSummary(items []backend.OrderItem) string {
	if len(items) == 0 {
		return ""
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%s x%d", it.Name, it.Qty))
	}
	return strings.Join(parts, ", ")
}
