package backend

// PaymentMode is how the customer pays for an order.
type PaymentMode string

const (
	PaymentPrepaid PaymentMode = "prepaid"
	PaymentCOD     PaymentMode = "cod"
)

// OrderState mirrors the core backend's order lifecycle. The transition
// matrix lives server-side; we only request transitions and react to
// events for them.
type OrderState string

const (
	StatePending        OrderState = "pending"
	StatePartial        OrderState = "partial"
	StateConfirmed      OrderState = "confirmed"
	StateProcessing     OrderState = "processing"
	StateHandover       OrderState = "handover"
	StateOutForDelivery OrderState = "out_for_delivery"
	StateDelivered      OrderState = "delivered"
	StateCancelled      OrderState = "cancelled"
)

type PartyKind string

const (
	PartyVendor   PartyKind = "vendor"
	PartyRider    PartyKind = "rider"
	PartyCustomer PartyKind = "customer"
	PartyAdmin    PartyKind = "admin"
)

// Party is one participant on an order, looked up by phone on inbound
// calls. Phone is always stored in normalized E.164 form.
type Party struct {
	Kind              PartyKind `json:"kind"`
	ID                string    `json:"id"`
	Phone             string    `json:"phone"`
	DisplayName       string    `json:"displayName"`
	PreferredLanguage string    `json:"preferredLanguage,omitempty"`
}

type OrderItem struct {
	Name string `json:"name"`
	Qty  int    `json:"qty"`
}

// Order is a read-only view of a core backend order. Amounts are in
// paise so currency stays fixed-point.
type Order struct {
	ID          string      `json:"id"`
	AmountPaise int64       `json:"amountPaise"`
	PaymentMode PaymentMode `json:"paymentMode"`
	State       OrderState  `json:"state"`
	Vendor      Party       `json:"vendor"`
	Customer    Party       `json:"customer"`
	Rider       *Party      `json:"rider,omitempty"`
	Items       []OrderItem `json:"items"`
}

// CallResult is the per-call outcome reported back to the core backend,
// idempotent on CallID.
type CallResult struct {
	CallID  string         `json:"callId"`
	Purpose string         `json:"purpose"`
	Outcome string         `json:"outcome"`
	Details map[string]any `json:"details,omitempty"`
}

// TransitionStatus tells the caller whether a requested order state
// transition reached the backend synchronously or was parked in the
// durable queue.
type TransitionStatus string

const (
	TransitionApplied TransitionStatus = "applied"
	TransitionQueued  TransitionStatus = "queued"
)
