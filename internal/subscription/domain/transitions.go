package domain

// TransitionAllowed is the lifecycle state machine. Terminal states admit
// nothing; every other edge is listed explicitly.
func TransitionAllowed(current, target Status) bool {
	if current == target {
		return false
	}
	switch current {
	case StatusPending:
		return target == StatusTrialing || target == StatusActive ||
			target == StatusPastDue || target == StatusCancelled
	case StatusTrialing:
		return target == StatusActive || target == StatusPastDue ||
			target == StatusCancelled || target == StatusExpired
	case StatusActive:
		return target == StatusPastDue || target == StatusPaused ||
			target == StatusCancelled || target == StatusExpired
	case StatusPastDue:
		return target == StatusActive || target == StatusCancelled ||
			target == StatusExpired
	case StatusPaused:
		return target == StatusActive || target == StatusCancelled
	default:
		return false
	}
}
