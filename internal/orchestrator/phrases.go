package orchestrator

import (
	"fmt"
	"strings"
)

// Phrase ids. Texts are rendered per language; clips are cached on
// (phrase, language, voice), with order-specific phrases keyed per
// order so repeat calls reuse work.
const (
	PhraseVendorGreeting   = "vendor_greeting"
	PhraseOrderDetails     = "order_details"
	PhraseAcceptReject     = "accept_reject"
	PhrasePrepTime         = "prep_time"
	PhraseRejectReason     = "reject_reason"
	PhraseInvalidInput     = "invalid_input"
	PhraseMissedClose      = "missed_close"
	PhraseAcceptedClose    = "accepted_close"
	PhraseRejectedClose    = "rejected_close"
	PhraseReminderGreeting = "reminder_greeting"
	PhraseReminderChoices  = "reminder_choices"
	PhraseReadyClose       = "ready_close"
	PhraseExtendedClose    = "extended_close"
	PhraseRiderGreeting    = "rider_greeting"
	PhraseAddressGreeting  = "address_greeting"
	PhraseAddressDetails   = "address_details"
	PhraseConfirmEscalate  = "confirm_escalate"
	PhraseConfirmedClose   = "confirmed_close"
	PhraseEscalateClose    = "escalate_close"
	PhraseInboundGreeting  = "inbound_greeting"
	PhraseInboundPrompt    = "inbound_prompt"
	PhraseGoodbye          = "goodbye"
	PhraseApology          = "apology"
)

// PhraseVars carries the order-specific values spliced into phrase
// templates.
type PhraseVars struct {
	VendorName   string
	RiderName    string
	OrderRef     string
	AmountRupees string
	Items        string
	Address      string
}

// orderScoped phrases embed order data, so their clip cache key carries
// the order id.
func orderScoped(phrase string) bool {
	switch phrase {
	case PhraseOrderDetails, PhraseAddressDetails, PhraseVendorGreeting, PhraseRiderGreeting:
		return true
	}
	return false
}

var phraseTexts = map[string]map[string]string{
	PhraseVendorGreeting: {
		"hi": "नमस्ते %[1]s जी, आपके लिए एक नया ऑर्डर आया है।",
		"en": "Hello %[1]s, you have a new order.",
	},
	PhraseOrderDetails: {
		"hi": "ऑर्डर %[2]s, कुल %[3]s रुपये। सामान: %[4]s।",
		"en": "Order %[2]s, total %[3]s rupees. Items: %[4]s.",
	},
	PhraseAcceptReject: {
		"hi": "स्वीकार करने के लिए एक दबाएँ, मना करने के लिए दो दबाएँ।",
		"en": "Press one to accept, press two to reject.",
	},
	PhrasePrepTime: {
		"hi": "तैयारी में कितना समय लगेगा? पंद्रह मिनट के लिए एक, तीस के लिए दो, पैंतालीस के लिए तीन दबाएँ।",
		"en": "How long to prepare? Press one for fifteen minutes, two for thirty, three for forty-five.",
	},
	PhraseRejectReason: {
		"hi": "बीप के बाद मना करने का कारण बताएँ, फिर हैश दबाएँ।",
		"en": "After the beep, say the reason for rejecting, then press hash.",
	},
	PhraseInvalidInput: {
		"hi": "गलत बटन। कृपया फिर से कोशिश करें।",
		"en": "Invalid input. Please try again.",
	},
	PhraseMissedClose: {
		"hi": "कोई जवाब नहीं मिला। हम बाद में फिर संपर्क करेंगे। धन्यवाद।",
		"en": "We did not receive a response. We will reach out again later. Thank you.",
	},
	PhraseAcceptedClose: {
		"hi": "धन्यवाद, ऑर्डर स्वीकार हो गया।",
		"en": "Thank you, the order is accepted.",
	},
	PhraseRejectedClose: {
		"hi": "ठीक है, ऑर्डर अस्वीकार दर्ज हो गया। धन्यवाद।",
		"en": "Okay, the rejection has been recorded. Thank you.",
	},
	PhraseReminderGreeting: {
		"hi": "नमस्ते, आपका ऑर्डर तैयारी में है। क्या वह तैयार है?",
		"en": "Hello, your order is in preparation. Is it ready?",
	},
	PhraseReminderChoices: {
		"hi": "तैयार होने पर एक दबाएँ, दस मिनट और चाहिए तो दो दबाएँ।",
		"en": "Press one if ready, press two for ten more minutes.",
	},
	PhraseReadyClose: {
		"hi": "बढ़िया, राइडर रास्ते में है। धन्यवाद।",
		"en": "Great, the rider is on the way. Thank you.",
	},
	PhraseExtendedClose: {
		"hi": "ठीक है, दस मिनट और जोड़ दिए गए हैं।",
		"en": "Okay, ten more minutes have been added.",
	},
	PhraseRiderGreeting: {
		"hi": "नमस्ते %[5]s जी, आपके लिए एक डिलीवरी है।",
		"en": "Hello %[5]s, a delivery is available for you.",
	},
	PhraseAddressGreeting: {
		"hi": "नमस्ते, ऑर्डर %[2]s का पता बदल गया है।",
		"en": "Hello, the address for order %[2]s has changed.",
	},
	PhraseAddressDetails: {
		"hi": "नया पता है: %[6]s।",
		"en": "The new address is: %[6]s.",
	},
	PhraseConfirmEscalate: {
		"hi": "समझ गए तो एक दबाएँ, मदद चाहिए तो दो दबाएँ।",
		"en": "Press one to confirm, press two for help.",
	},
	PhraseConfirmedClose: {
		"hi": "धन्यवाद, नया पता दर्ज हो गया।",
		"en": "Thank you, the new address is confirmed.",
	},
	PhraseEscalateClose: {
		"hi": "ठीक है, हमारी टीम आपसे संपर्क करेगी।",
		"en": "Okay, our team will contact you.",
	},
	PhraseInboundGreeting: {
		"hi": "नमस्ते, आपके ऑर्डर में मैं क्या मदद कर सकती हूँ?",
		"en": "Hello, how can I help you with your order?",
	},
	PhraseInboundPrompt: {
		"hi": "कृपया बोलिए।",
		"en": "Please go ahead.",
	},
	PhraseGoodbye: {
		"hi": "धन्यवाद, आपका दिन शुभ हो।",
		"en": "Thank you, have a good day.",
	},
	PhraseApology: {
		"hi": "माफ़ कीजिए, अभी तकनीकी समस्या है। कृपया बाद में कोशिश करें।",
		"en": "Sorry, we are having technical trouble. Please try again later.",
	},
}

// PhraseText renders a phrase for a language, falling back to English
// and then to the phrase id.
func PhraseText(phrase, lang string, vars PhraseVars) string {
	byLang, ok := phraseTexts[phrase]
	if !ok {
		return phrase
	}
	tmpl, ok := byLang[strings.ToLower(lang)]
	if !ok {
		tmpl = byLang["en"]
	}
	if tmpl == "" {
		return phrase
	}
	// Verb-less templates must not go through Sprintf: unused operands
	// would be reported into the spoken text.
	if !strings.Contains(tmpl, "%") {
		return tmpl
	}
	return strings.TrimSpace(fmt.Sprintf(tmpl,
		vars.VendorName, vars.OrderRef, vars.AmountRupees, vars.Items, vars.RiderName, vars.Address))
}

// eventAlphabet is the stimulus set used to walk a machine's reachable
// phrases without a static transition table.
var eventAlphabet = []Event{
	{Kind: EventKeypad, Digit: "1"},
	{Kind: EventKeypad, Digit: "2"},
	{Kind: EventKeypad, Digit: "3"},
	{Kind: EventKeypad, Digit: "9"},
	{Kind: EventKeypad, Digit: "#"},
	{Kind: EventTimeout},
	{Kind: EventHangup},
	{Kind: EventSpeech, Text: "."},
}

// ReachablePhrases enumerates every phrase the machine can play within
// depth transitions of the entry node. Used to pre-synthesize before a
// call connects; the apology clip is always included so failures never
// leave the line silent.
func ReachablePhrases(m Machine, depth int) []string {
	seen := map[string]bool{}
	var out []string
	add := func(actions []Action) {
		for _, a := range actions {
			if (a.Kind == ActionPlay || a.Kind == ActionPrompt) && a.Phrase != "" && !seen[a.Phrase] {
				seen[a.Phrase] = true
				out = append(out, a.Phrase)
			}
		}
	}

	add(m.EntryActions)

	type visit struct {
		st    MachineState
		depth int
	}
	visited := map[MachineState]bool{m.Entry: true}
	queue := []visit{{st: m.Entry, depth: 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= depth {
			continue
		}
		for _, ev := range eventAlphabet {
			next, actions := m.Step(cur.st, ev)
			add(actions)
			if !visited[next] {
				visited[next] = true
				queue = append(queue, visit{st: next, depth: cur.depth + 1})
			}
		}
	}

	if !seen[PhraseApology] {
		out = append(out, PhraseApology)
	}
	return out
}
