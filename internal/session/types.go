package session

import (
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Turn is one exchange in a call's conversation history.
type Turn struct {
	Role string    `json:"role"` // "caller" or "system"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// maxTurns bounds the conversation history ring per call.
const maxTurns = 20

// Providers records which speech providers served this call.
type Providers struct {
	ASR string `json:"asr,omitempty"`
	TTS string `json:"tts,omitempty"`
}

// Session is the per-call state: identity, machine node, conversation
// history and bookkeeping. All mutation goes through the Store so the
// admin surface sees a consistent view; the orchestrator serializes all
// events for one call onto a single goroutine.
type Session struct {
	CallID         string            `json:"call_id"`
	Purpose        string            `json:"purpose"`
	OrderID        string            `json:"order_id,omitempty"`
	PartyID        string            `json:"party_id,omitempty"`
	Language       string            `json:"language"`
	State          string            `json:"state"`
	Status         Status            `json:"status"`
	Outcome        string            `json:"outcome,omitempty"`
	Recorded       bool              `json:"recorded"`
	Turns          []Turn            `json:"turns,omitempty"`
	OpenEndedTurns int               `json:"open_ended_turns"`
	Providers      Providers         `json:"providers"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`

	// lastSeq is the highest webhook sequence number processed for this
	// call; duplicates and reordered retransmissions are discarded.
	lastSeq int64
}

func cloneSession(s *Session) *Session {
	c := *s
	c.Turns = append([]Turn(nil), s.Turns...)
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
