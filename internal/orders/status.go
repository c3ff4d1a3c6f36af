package orders

type State string

const (
	StateAwaitingPayment  State = "awaiting_payment"
	StateAwaitingDelivery State = "awaiting_delivery"
	StateCancelled        State = "cancelled"
	StateExpired          State = "expired"
)

var validNext = map[State]map[State]bool{
	StateAwaitingPayment:  {StateAwaitingDelivery: true, StateCancelled: true, StateExpired: true},
	StateAwaitingDelivery: {},
	StateCancelled:        {},
	StateExpired:          {},
}

func CanTransition(from, to State) bool {
	return validNext[from][to]
}

// Terminal reports whether an order in state s belongs to the archived partition.
func (s State) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

func (s State) Valid() bool {
	_, ok := validNext[s]
	return ok
}
