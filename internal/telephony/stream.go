package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anupbose/dhwani/internal/audio"
	"github.com/anupbose/dhwani/internal/observability"
)

const (
	streamReadLimit  = 64 << 10
	streamPingPeriod = 20 * time.Second
	streamWriteWait  = 5 * time.Second

	// At most 2 s of audio may sit in the playout queue; beyond that
	// the oldest frames are dropped so playback never lags the call.
	playoutBudget = 2 * time.Second
)

// ControlEvent is a JSON control frame on the audio stream.
type ControlEvent struct {
	Event  string        `json:"event"` // start|media|stop|mark
	CallID string        `json:"callId,omitempty"`
	Seq    int64         `json:"seq,omitempty"`
	Name   string        `json:"name,omitempty"`
	Media  *MediaPayload `json:"media,omitempty"`
}

// MediaPayload carries μ-law audio inside a JSON control frame for
// providers that do not use binary frames.
type MediaPayload struct {
	Payload string `json:"payload"` // base64 μ-law
}

// playout is the bounded outbound frame queue. Frames leave in
// submission order; when the budget is exceeded the oldest frame is
// dropped.
type playout struct {
	mu     sync.Mutex
	frames [][]byte
	max    int
}

func newPlayout(budget time.Duration) *playout {
	return &playout{max: audio.FrameCount(budget)}
}

// push appends a frame, dropping the oldest when full. Reports how many
// frames were dropped.
func (p *playout) push(frame []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	dropped := 0
	for len(p.frames) >= p.max {
		p.frames = p.frames[1:]
		dropped++
	}
	p.frames = append(p.frames, frame)
	return dropped
}

func (p *playout) pop() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return nil, false
	}
	f := p.frames[0]
	p.frames = p.frames[1:]
	return f, true
}

func (p *playout) clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.frames)
	p.frames = nil
	return n
}

func (p *playout) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// Stream is one bidirectional audio leg: 20 ms μ-law frames in both
// directions plus JSON control frames. Inbound delivery blocks on a
// bounded channel so a slow consumer backpressures the socket instead
// of buffering without limit.
type Stream struct {
	callID  string
	conn    *websocket.Conn
	metrics *observability.Metrics

	inbound  chan []byte
	controls chan ControlEvent
	marks    chan ControlEvent
	out      *playout
	done     chan struct{}
	once     sync.Once
}

func NewStream(conn *websocket.Conn, callID string, metrics *observability.Metrics) *Stream {
	return &Stream{
		callID:   callID,
		conn:     conn,
		metrics:  metrics,
		inbound:  make(chan []byte, 64),
		controls: make(chan ControlEvent, 16),
		marks:    make(chan ControlEvent, 8),
		out:      newPlayout(playoutBudget),
		done:     make(chan struct{}),
	}
}

// Inbound yields caller audio frames in receive order.
func (s *Stream) Inbound() <-chan []byte { return s.inbound }

// Controls yields start/stop/mark control frames.
func (s *Stream) Controls() <-chan ControlEvent { return s.controls }

// EnqueueClip schedules a synthesized clip for playback. Frames play in
// enqueue order; excess beyond the playout budget drops oldest-first.
func (s *Stream) EnqueueClip(clip []byte) {
	for _, frame := range audio.Frames(clip) {
		if dropped := s.out.push(frame); dropped > 0 && s.metrics != nil {
			s.metrics.StreamDroppedFrames.WithLabelValues("playout_budget").Add(float64(dropped))
		}
	}
}

// SendMark asks the far side to echo a marker once playback reaches it.
func (s *Stream) SendMark(name string) {
	select {
	case s.marks <- ControlEvent{Event: "mark", CallID: s.callID, Name: name}:
	case <-s.done:
	}
}

// Interrupt discards all queued outbound audio and tells the far side
// to flush whatever it has buffered. Used on barge-in.
func (s *Stream) Interrupt() {
	if n := s.out.clear(); n > 0 && s.metrics != nil {
		s.metrics.StreamDroppedFrames.WithLabelValues("barge_in").Add(float64(n))
	}
	select {
	case s.marks <- ControlEvent{Event: "clear", CallID: s.callID}:
	case <-s.done:
	default:
	}
}

// PlayoutDepth reports queued outbound frames, for draining decisions.
func (s *Stream) PlayoutDepth() int { return s.out.depth() }

// Run drives the socket until the peer stops, the context ends, or the
// connection errors. It always closes the connection on return.
func (s *Stream) Run(ctx context.Context) error {
	defer s.close()

	go s.writeLoop(ctx)
	return s.readLoop(ctx)
}

func (s *Stream) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Stream) readLoop(ctx context.Context) error {
	s.conn.SetReadLimit(streamReadLimit)
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(2 * streamPingPeriod))
	})
	s.conn.SetReadDeadline(time.Now().Add(2 * streamPingPeriod))

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("stream read %s: %w", s.callID, err)
		}
		switch kind {
		case websocket.BinaryMessage:
			if err := s.deliver(ctx, data); err != nil {
				return err
			}
		case websocket.TextMessage:
			var ev ControlEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Printf("stream %s: bad control frame: %v", s.callID, err)
				continue
			}
			if ev.Event == "media" && ev.Media != nil {
				frame, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
				if err != nil {
					log.Printf("stream %s: bad media payload: %v", s.callID, err)
					continue
				}
				if err := s.deliver(ctx, frame); err != nil {
					return err
				}
				continue
			}
			select {
			case s.controls <- ev:
			default:
				log.Printf("stream %s: control queue full, dropped %s", s.callID, ev.Event)
			}
			if ev.Event == "stop" {
				return nil
			}
		}
	}
}

func (s *Stream) deliver(ctx context.Context, frame []byte) error {
	if s.metrics != nil {
		s.metrics.StreamFrames.WithLabelValues("in").Inc()
	}
	select {
	case s.inbound <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

func (s *Stream) writeLoop(ctx context.Context) {
	frameTicker := time.NewTicker(audio.FrameDuration)
	defer frameTicker.Stop()
	pingTicker := time.NewTicker(streamPingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.close()
			return
		case <-s.done:
			return
		case ev := <-s.marks:
			payload, _ := json.Marshal(ev)
			s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.close()
				return
			}
		case <-pingTicker.C:
			s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-frameTicker.C:
			frame, ok := s.out.pop()
			if !ok {
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.close()
				return
			}
			if s.metrics != nil {
				s.metrics.StreamFrames.WithLabelValues("out").Inc()
			}
		}
	}
}
