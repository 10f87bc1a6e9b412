package gateway

// Status is the shared operation-status vocabulary all gateway and till
// protocols normalize into.
type Status int

const (
	// StatusUnknown is the sentinel for tokens outside a gateway's known
	// vocabulary. Callers treat it as "no state change", never as an error.
	StatusUnknown Status = iota
	// StatusCreated - the order exists at the gateway but nothing happened yet.
	StatusCreated
	// StatusApproved - funds held for a two-phase payment.
	StatusApproved
	// StatusDeposited - payment completed.
	StatusDeposited
	// StatusDeclined - the gateway rejected or expired the order.
	StatusDeclined
	// StatusReversed - the hold was cancelled before completion.
	StatusReversed
	// StatusRefunded - a full or partial refund succeeded.
	StatusRefunded
	// StatusOnPayment - waiting for payment confirmation from the bank.
	StatusOnPayment
)

// String renders the status for logs and API payloads.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusApproved:
		return "APPROVED"
	case StatusDeposited:
		return "DEPOSITED"
	case StatusDeclined:
		return "DECLINED"
	case StatusReversed:
		return "REVERSED"
	case StatusRefunded:
		return "REFUNDED"
	case StatusOnPayment:
		return "ON_PAYMENT"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are defined out of the
// status. Later callbacks for a terminal order are still acknowledged but
// must not re-mutate settled financial fields.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeposited, StatusRefunded, StatusDeclined:
		return true
	default:
		return false
	}
}
