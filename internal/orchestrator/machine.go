package orchestrator

import (
	"time"
)

// EventKind is an external stimulus for a call's state machine.
type EventKind string

const (
	EventAnswered  EventKind = "answered"
	EventKeypad    EventKind = "keypad"
	EventSpeech    EventKind = "speech"
	EventRecording EventKind = "recording"
	EventHangup    EventKind = "hangup"
	EventTimeout   EventKind = "timeout"
	EventInterrupt EventKind = "interrupt"
)

// Event is one stimulus delivered to a call. Seq is the provider's
// monotonic sequence number when present; duplicates are dropped before
// the machine sees them.
type Event struct {
	Kind  EventKind
	Digit string
	Text  string
	Audio []byte
	Seq   int64
}

// InputKind is what a prompt expects back from the caller.
type InputKind string

const (
	InputDTMF      InputKind = "dtmf"
	InputSpeech    InputKind = "speech"
	InputOpenEnded InputKind = "open-ended"
)

// ActionKind is one effect requested by a transition. Actions are
// dispatched asynchronously by the call runner; replies re-enter the
// machine as events.
type ActionKind string

const (
	ActionPlay     ActionKind = "play"
	ActionPrompt   ActionKind = "prompt"
	ActionRecord   ActionKind = "record"
	ActionHangup   ActionKind = "hangup"
	ActionTransfer ActionKind = "transfer"
	ActionBridge   ActionKind = "bridge"
	ActionReport   ActionKind = "report"
	ActionConverse ActionKind = "converse"
)

type Action struct {
	Kind    ActionKind
	Phrase  string
	Timeout time.Duration
	Input   InputKind
	Peer    string
	Outcome string
	Details map[string]any
}

// MachineState is the per-call machine position. Reprompts counts
// repeated prompts in the current node so "re-prompt once, then give
// up" stays a pure-function decision.
type MachineState struct {
	Node      string
	Reprompts int
}

// Terminal nodes shared by every machine.
const (
	nodeDone = "done"
)

// Machine maps a purpose to its transition function. Step must be pure:
// all effects go through the returned actions.
type Machine struct {
	Purpose string
	Entry   MachineState
	// EntryActions are dispatched when the call is answered.
	EntryActions []Action
	Step         func(st MachineState, ev Event) (MachineState, []Action)
}

const promptTimeout = 10 * time.Second

func play(phrase string) Action { return Action{Kind: ActionPlay, Phrase: phrase} }

func prompt(phrase string, input InputKind) Action {
	return Action{Kind: ActionPrompt, Phrase: phrase, Input: input, Timeout: promptTimeout}
}

func hangupAction() Action { return Action{Kind: ActionHangup} }

func report(outcome string, details map[string]any) Action {
	return Action{Kind: ActionReport, Outcome: outcome, Details: details}
}

// terminalReport ends the call: report once, close politely, hang up.
func terminalReport(outcome string, details map[string]any, closingPhrase string) []Action {
	actions := []Action{report(outcome, details)}
	if closingPhrase != "" {
		actions = append(actions, play(closingPhrase))
	}
	return append(actions, hangupAction())
}

// MachineFor returns the machine for a call purpose, or false when the
// purpose has no interactive flow.
func MachineFor(purpose string) (Machine, bool) {
	switch purpose {
	case PurposeVendorNewOrder:
		return vendorNewOrderMachine(), true
	case PurposeVendorReminder:
		return vendorReminderMachine(), true
	case PurposeRiderAssign:
		return riderAssignMachine(), true
	case PurposeRiderAddressUpdate:
		return riderAddressUpdateMachine(), true
	case PurposeCustomerInbound:
		return customerInboundMachine(), true
	}
	return Machine{}, false
}

// Call purposes with interactive machines.
const (
	PurposeVendorNewOrder     = "vendor.new_order"
	PurposeVendorReminder     = "vendor.reminder"
	PurposeRiderAssign        = "rider.assign"
	PurposeRiderAddressUpdate = "rider.address_update"
	PurposeCustomerInbound    = "customer.inbound"
)

// vendorNewOrderMachine drives the accept/reject call for a fresh
// order: greeting with order details, prep-time selection on accept,
// recorded reason on reject.
func vendorNewOrderMachine() Machine {
	return Machine{
		Purpose: PurposeVendorNewOrder,
		Entry:   MachineState{Node: "greeting"},
		EntryActions: []Action{
			play(PhraseVendorGreeting),
			play(PhraseOrderDetails),
			prompt(PhraseAcceptReject, InputDTMF),
		},
		Step: func(st MachineState, ev Event) (MachineState, []Action) {
			switch st.Node {
			case "greeting":
				switch ev.Kind {
				case EventKeypad:
					switch ev.Digit {
					case "1":
						return MachineState{Node: "ack_accept"}, []Action{prompt(PhrasePrepTime, InputDTMF)}
					case "2":
						return MachineState{Node: "ack_reject_reason"}, []Action{
							play(PhraseRejectReason),
							{Kind: ActionRecord, Input: InputSpeech, Timeout: 30 * time.Second},
						}
					default:
						return MachineState{Node: "invalid"}, []Action{play(PhraseInvalidInput), prompt(PhraseAcceptReject, InputDTMF)}
					}
				case EventTimeout:
					if st.Reprompts == 0 {
						return MachineState{Node: "greeting", Reprompts: 1}, []Action{prompt(PhraseAcceptReject, InputDTMF)}
					}
					return MachineState{Node: nodeDone}, terminalReport(OutcomeNoAction, nil, PhraseMissedClose)
				case EventHangup:
					return MachineState{Node: nodeDone}, terminalReport(OutcomeNoAction, nil, "")
				}
			case "invalid":
				// Same inputs as greeting; the invalid clip already played.
				switch ev.Kind {
				case EventKeypad, EventTimeout, EventHangup:
					return vendorNewOrderMachine().Step(MachineState{Node: "greeting", Reprompts: st.Reprompts}, ev)
				}
			case "ack_accept":
				switch ev.Kind {
				case EventKeypad:
					minutes := map[string]int{"1": 15, "2": 30, "3": 45}[ev.Digit]
					if minutes == 0 {
						if st.Reprompts == 0 {
							return MachineState{Node: "ack_accept", Reprompts: 1}, []Action{prompt(PhrasePrepTime, InputDTMF)}
						}
						return MachineState{Node: nodeDone}, terminalReport(OutcomeNoAction, nil, PhraseMissedClose)
					}
					return MachineState{Node: nodeDone}, terminalReport(OutcomeAccepted,
						map[string]any{"accepted": true, "prepMinutes": minutes}, PhraseAcceptedClose)
				case EventTimeout, EventHangup:
					return MachineState{Node: nodeDone}, terminalReport(OutcomeNoAction, nil, PhraseMissedClose)
				}
			case "ack_reject_reason":
				switch ev.Kind {
				case EventKeypad:
					if ev.Digit == "#" {
						return MachineState{Node: nodeDone}, terminalReport(OutcomeRejected,
							map[string]any{"accepted": false}, PhraseRejectedClose)
					}
					return st, nil
				case EventRecording, EventSpeech, EventTimeout, EventHangup:
					details := map[string]any{"accepted": false}
					if ev.Text != "" {
						details["reason"] = ev.Text
					}
					return MachineState{Node: nodeDone}, terminalReport(OutcomeRejected, details, PhraseRejectedClose)
				}
			}
			return st, nil
		},
	}
}

// vendorReminderMachine nudges a vendor whose order sits in processing:
// press 1 to mark ready, 2 for ten more minutes.
func vendorReminderMachine() Machine {
	return Machine{
		Purpose: PurposeVendorReminder,
		Entry:   MachineState{Node: "greeting"},
		EntryActions: []Action{
			play(PhraseReminderGreeting),
			prompt(PhraseReminderChoices, InputDTMF),
		},
		Step: func(st MachineState, ev Event) (MachineState, []Action) {
			if st.Node != "greeting" {
				return st, nil
			}
			switch ev.Kind {
			case EventKeypad:
				switch ev.Digit {
				case "1":
					return MachineState{Node: nodeDone}, terminalReport(OutcomeReady, nil, PhraseReadyClose)
				case "2":
					return MachineState{Node: nodeDone}, terminalReport(OutcomeExtended,
						map[string]any{"extraMinutes": 10}, PhraseExtendedClose)
				default:
					if st.Reprompts == 0 {
						return MachineState{Node: "greeting", Reprompts: 1}, []Action{play(PhraseInvalidInput), prompt(PhraseReminderChoices, InputDTMF)}
					}
					return MachineState{Node: nodeDone}, terminalReport(OutcomeNoAction, nil, PhraseMissedClose)
				}
			case EventTimeout:
				if st.Reprompts == 0 {
					return MachineState{Node: "greeting", Reprompts: 1}, []Action{prompt(PhraseReminderChoices, InputDTMF)}
				}
				return MachineState{Node: nodeDone}, terminalReport(OutcomeNoAction, nil, PhraseMissedClose)
			case EventHangup:
				return MachineState{Node: nodeDone}, terminalReport(OutcomeNoAction, nil, "")
			}
			return st, nil
		},
	}
}

// riderAssignMachine offers a delivery job: accept or reject only.
func riderAssignMachine() Machine {
	return Machine{
		Purpose: PurposeRiderAssign,
		Entry:   MachineState{Node: "greeting"},
		EntryActions: []Action{
			play(PhraseRiderGreeting),
			prompt(PhraseAcceptReject, InputDTMF),
		},
		Step: func(st MachineState, ev Event) (MachineState, []Action) {
			if st.Node != "greeting" {
				return st, nil
			}
			switch ev.Kind {
			case EventKeypad:
				switch ev.Digit {
				case "1":
					return MachineState{Node: nodeDone}, terminalReport(OutcomeAccepted,
						map[string]any{"accepted": true}, PhraseAcceptedClose)
				case "2":
					return MachineState{Node: nodeDone}, terminalReport(OutcomeRejected,
						map[string]any{"accepted": false}, PhraseRejectedClose)
				default:
					if st.Reprompts == 0 {
						return MachineState{Node: "greeting", Reprompts: 1}, []Action{play(PhraseInvalidInput), prompt(PhraseAcceptReject, InputDTMF)}
					}
					return MachineState{Node: nodeDone}, terminalReport(OutcomeNoAction, nil, PhraseMissedClose)
				}
			case EventTimeout:
				if st.Reprompts == 0 {
					return MachineState{Node: "greeting", Reprompts: 1}, []Action{prompt(PhraseAcceptReject, InputDTMF)}
				}
				return MachineState{Node: nodeDone}, terminalReport(OutcomeNoAction, nil, PhraseMissedClose)
			case EventHangup:
				return MachineState{Node: nodeDone}, terminalReport(OutcomeNoAction, nil, "")
			}
			return st, nil
		},
	}
}

// riderAddressUpdateMachine reads the changed drop address: confirm or
// hand off to a human.
func riderAddressUpdateMachine() Machine {
	return Machine{
		Purpose: PurposeRiderAddressUpdate,
		Entry:   MachineState{Node: "greeting"},
		EntryActions: []Action{
			play(PhraseAddressGreeting),
			play(PhraseAddressDetails),
			prompt(PhraseConfirmEscalate, InputDTMF),
		},
		Step: func(st MachineState, ev Event) (MachineState, []Action) {
			if st.Node != "greeting" {
				return st, nil
			}
			switch ev.Kind {
			case EventKeypad:
				switch ev.Digit {
				case "1":
					return MachineState{Node: nodeDone}, terminalReport(OutcomeConfirmed,
						map[string]any{"confirmed": true}, PhraseConfirmedClose)
				case "2":
					return MachineState{Node: nodeDone}, terminalReport(OutcomeEscalate,
						map[string]any{"confirmed": false}, PhraseEscalateClose)
				default:
					if st.Reprompts == 0 {
						return MachineState{Node: "greeting", Reprompts: 1}, []Action{play(PhraseInvalidInput), prompt(PhraseConfirmEscalate, InputDTMF)}
					}
					return MachineState{Node: nodeDone}, terminalReport(OutcomeNoAction, nil, PhraseMissedClose)
				}
			case EventTimeout:
				if st.Reprompts == 0 {
					return MachineState{Node: "greeting", Reprompts: 1}, []Action{prompt(PhraseConfirmEscalate, InputDTMF)}
				}
				return MachineState{Node: nodeDone}, terminalReport(OutcomeNoAction, nil, PhraseMissedClose)
			case EventHangup:
				return MachineState{Node: nodeDone}, terminalReport(OutcomeNoAction, nil, "")
			}
			return st, nil
		},
	}
}

// customerInboundMachine routes an inbound caller into the free-form
// conversation path. The runner enforces the open-ended turn cap.
func customerInboundMachine() Machine {
	return Machine{
		Purpose: PurposeCustomerInbound,
		Entry:   MachineState{Node: "conversation"},
		EntryActions: []Action{
			play(PhraseInboundGreeting),
			prompt(PhraseInboundPrompt, InputOpenEnded),
		},
		Step: func(st MachineState, ev Event) (MachineState, []Action) {
			if st.Node != "conversation" {
				return st, nil
			}
			switch ev.Kind {
			case EventSpeech, EventRecording:
				return st, []Action{{Kind: ActionConverse, Input: InputOpenEnded}}
			case EventTimeout:
				if st.Reprompts == 0 {
					return MachineState{Node: "conversation", Reprompts: 1}, []Action{prompt(PhraseInboundPrompt, InputOpenEnded)}
				}
				return MachineState{Node: nodeDone}, terminalReport(OutcomeCompleted, nil, PhraseGoodbye)
			case EventHangup:
				return MachineState{Node: nodeDone}, terminalReport(OutcomeCompleted, nil, "")
			}
			return st, nil
		},
	}
}

// Call outcomes reported to the core backend.
const (
	OutcomeAccepted  = "accepted"
	OutcomeRejected  = "rejected"
	OutcomeConfirmed = "confirmed"
	OutcomeEscalate  = "escalate"
	OutcomeReady     = "ready"
	OutcomeExtended  = "extended"
	OutcomeNoAction  = "no_action"
	OutcomeCompleted = "completed"
	OutcomeMissed    = "missed"
	OutcomeFailedTTS = "failed_tts"
	OutcomeFailedASR = "failed_asr"
)
