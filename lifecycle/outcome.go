package lifecycle

// Outcome is the terminal result of a request.
type Outcome int

const (
	// Accepted indicates the request was accepted, via Registry.Accept.
	Accepted Outcome = iota + 1
	// Declined indicates the request was declined, via Registry.Decline.
	Declined
	// TimedOut indicates the request's timeout elapsed first.
	TimedOut
	// Invalidated indicates the request's Signal completed first, or that
	// it was invalidated directly, or by Registry.Close.
	Invalidated
	// Replaced indicates a newer request was opened for the same key.
	Replaced
)

func (x Outcome) String() string {
	switch x {
	case Accepted:
		return `accepted`
	case Declined:
		return `declined`
	case TimedOut:
		return `timed out`
	case Invalidated:
		return `invalidated`
	case Replaced:
		return `replaced`
	default:
		return `unknown`
	}
}
