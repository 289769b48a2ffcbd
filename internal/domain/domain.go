package domain

// Entry states. The engine owns every transition between them; nothing else
// writes GateEntry.State.
const (
	StateWaiting      = "waiting"
	StateCalling      = "calling"
	StateApproved     = "approved"
	StateRejected     = "rejected"
	StateCheckedIn    = "checked_in"
	StateCheckedOut   = "checked_out"
	StateNotResponded = "not_responded"
	StateExpired      = "expired"
)

// Entry kinds (closed enum).
const (
	KindGuest    = "guest"
	KindDelivery = "delivery"
	KindCab      = "cab"
	KindService  = "service"
	KindStaff    = "staff"
)

// Kinds lists every valid entry kind.
var Kinds = []string{KindGuest, KindDelivery, KindCab, KindService, KindStaff}

// ValidKind reports whether k is a member of the closed kind enum.
func ValidKind(k string) bool {
	for _, kind := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// TerminalState reports whether no further lifecycle transition is permitted.
func TerminalState(s string) bool {
	switch s {
	case StateRejected, StateCheckedOut, StateNotResponded, StateExpired:
		return true
	}
	return false
}

// stateLabels maps canonical states to display labels. Defined once; callers
// must not invent their own vocabulary.
var stateLabels = map[string]string{
	StateWaiting:      "Waiting",
	StateCalling:      "Calling resident",
	StateApproved:     "Approved",
	StateRejected:     "Rejected",
	StateCheckedIn:    "Checked in",
	StateCheckedOut:   "Checked out",
	StateNotResponded: "No response",
	StateExpired:      "Expired",
}

// StateLabel returns the display label for a canonical state.
func StateLabel(s string) string {
	if l, ok := stateLabels[s]; ok {
		return l
	}
	return s
}

// LegacyKind collapses the five-way kind enum onto the four-way
// GUEST/DELIVERY/MAINTENANCE/OTHER vocabulary used by older exports. Cab maps
// to OTHER; that mapping is applied here and nowhere else.
func LegacyKind(k string) string {
	switch k {
	case KindGuest:
		return "GUEST"
	case KindDelivery:
		return "DELIVERY"
	case KindService, KindStaff:
		return "MAINTENANCE"
	default:
		return "OTHER"
	}
}

type Gate struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,closed"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// GateEntry is one visitor/delivery/cab/service/staff attempt at a gate.
// Timestamps are RFC3339 and non-decreasing in lifecycle order.
type GateEntry struct {
	ID             string  `json:"id"`
	GateID         string  `json:"gate_id"`
	Kind           string  `json:"kind" enum:"guest,delivery,cab,service,staff"`
	VisitorName    string  `json:"visitor_name"`
	VisitorPhone   *string `json:"visitor_phone,omitempty"`
	VehiclePlate   *string `json:"vehicle_plate,omitempty"`
	Building       string  `json:"building,omitempty"`
	Flat           string  `json:"flat"`
	ResidentID     *string `json:"resident_id,omitempty"`
	State          string  `json:"state" enum:"waiting,calling,approved,rejected,checked_in,checked_out,not_responded,expired"`
	Attempts       int     `json:"attempts"`
	PreApprovalRef *string `json:"pre_approval_ref,omitempty"`
	ApprovedBy     *string `json:"approved_by,omitempty"`
	RejectReason   *string `json:"reject_reason,omitempty"`
	CreatedBy      string  `json:"created_by"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	CallStartedAt  *string `json:"call_started_at,omitempty" format:"date-time"`
	RespondedAt    *string `json:"responded_at,omitempty" format:"date-time"`
	CheckInAt      *string `json:"check_in_at,omitempty" format:"date-time"`
	CheckOutAt     *string `json:"check_out_at,omitempty" format:"date-time"`
}

// Gatepass is a resident-issued pre-approval. An empty VisitorPhone matches
// any phone. Validity is the half-open interval [ValidFrom, ValidUntil).
type Gatepass struct {
	ID           string  `json:"id"`
	Kind         string  `json:"kind" enum:"guest,delivery,cab,service,staff"`
	VisitorName  string  `json:"visitor_name"`
	VisitorPhone string  `json:"visitor_phone,omitempty"`
	Building     string  `json:"building,omitempty"`
	Flat         string  `json:"flat"`
	ValidFrom    string  `json:"valid_from" format:"date-time"`
	ValidUntil   string  `json:"valid_until" format:"date-time"`
	Reusable     bool    `json:"reusable"`
	IsUsed       bool    `json:"is_used"`
	UsedByEntry  *string `json:"used_by_entry,omitempty"`
	UsedAt       *string `json:"used_at,omitempty" format:"date-time"`
	IssuedBy     string  `json:"issued_by"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// Resident maps a flat to the person the dispatcher should reach.
type Resident struct {
	ID        string `json:"id"`
	Building  string `json:"building,omitempty"`
	Flat      string `json:"flat"`
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	GateID     string `json:"gate_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// EntrySummary is what the notification dispatcher delivers to a resident.
type EntrySummary struct {
	EntryID      string `json:"entry_id"`
	Kind         string `json:"kind"`
	VisitorName  string `json:"visitor_name"`
	VisitorPhone string `json:"visitor_phone,omitempty"`
	Flat         string `json:"flat"`
	GateID       string `json:"gate_id"`
	Attempt      int    `json:"attempt"`
}

// DeliveryReceipt is returned by a notification dispatcher. It is logged,
// never awaited for transition correctness.
type DeliveryReceipt struct {
	ID          string `json:"id"`
	ResidentID  string `json:"resident_id"`
	Channel     string `json:"channel"`
	DeliveredAt string `json:"delivered_at" format:"date-time"`
}
