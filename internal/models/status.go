package models

// TradeStatus is the gateway trade-status code. Codes are compared as the
// strings the gateway sends, never parsed as integers.
type TradeStatus string

const (
	TradeStatusUnpaid      TradeStatus = "0"
	TradeStatusPaid        TradeStatus = "1"
	TradeStatusFailed      TradeStatus = "2"
	TradeStatusCancelled   TradeStatus = "3"
	TradeStatusRefunded    TradeStatus = "6"
	TradeStatusPendingBank TradeStatus = "9"
)

var statusNames = map[TradeStatus]string{
	TradeStatusUnpaid:      "UNPAID",
	TradeStatusPaid:        "PAID",
	TradeStatusFailed:      "FAILED",
	TradeStatusCancelled:   "CANCELLED",
	TradeStatusRefunded:    "REFUNDED",
	TradeStatusPendingBank: "PENDING_BANK",
}

var validNext = map[TradeStatus]map[TradeStatus]bool{
	TradeStatusUnpaid: {
		TradeStatusPaid:        true,
		TradeStatusFailed:      true,
		TradeStatusCancelled:   true,
		TradeStatusRefunded:    true,
		TradeStatusPendingBank: true,
	},
	TradeStatusPendingBank: {
		TradeStatusPaid:      true,
		TradeStatusFailed:    true,
		TradeStatusCancelled: true,
		TradeStatusRefunded:  true,
	},
}

// Known reports whether s is a code the gateway is documented to send
func (s TradeStatus) Known() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further transition may be applied from s
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeStatusPaid, TradeStatusFailed, TradeStatusCancelled, TradeStatusRefunded:
		return true
	}
	return false
}

// Name returns the symbolic name, e.g. "PAID"
func (s TradeStatus) Name() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "UNKNOWN(" + string(s) + ")"
}

// CanTransition reports whether from -> to is a legal state change
func CanTransition(from, to TradeStatus) bool {
	return validNext[from][to]
}

// HoldsStock reports whether entering s takes stock out of inventory
func (s TradeStatus) HoldsStock() bool {
	return s == TradeStatusPaid || s == TradeStatusPendingBank
}

// ReleasesStock reports whether entering s gives held stock back
func (s TradeStatus) ReleasesStock() bool {
	switch s {
	case TradeStatusCancelled, TradeStatusRefunded, TradeStatusFailed:
		return true
	}
	return false
}

// ClearsCart reports whether reaching s ends the user's checkout cycle
func (s TradeStatus) ClearsCart() bool {
	switch s {
	case TradeStatusUnpaid, TradeStatusPaid, TradeStatusFailed, TradeStatusCancelled:
		return true
	}
	return false
}
