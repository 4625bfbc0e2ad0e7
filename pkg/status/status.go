package status

// Status represents a connection pipeline status. Each value maps to a
// stable machine label and a human-readable sentence for presentation.
type Status int

const (
	StatusUnknown Status = iota
	StatusAuthenticating
	StatusAuthFailed
	StatusAuthSucceeded
	StatusExistingUser
	StatusNewUser
	StatusLookingForSession
	StatusFoundRunningSession
	StatusStartingNewSession
	StatusFoundSessionToJoin
	StatusJoiningOpenSession
	StatusContinuingExistingSession
	StatusWaitingForOpponent
)

func (s Status) String() string {
	switch s {
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthFailed:
		return "auth-failed"
	case StatusAuthSucceeded:
		return "auth-succeeded"
	case StatusExistingUser:
		return "existing-user"
	case StatusNewUser:
		return "new-user"
	case StatusLookingForSession:
		return "looking-for-session"
	case StatusFoundRunningSession:
		return "found-running-session"
	case StatusStartingNewSession:
		return "starting-new-session"
	case StatusFoundSessionToJoin:
		return "found-session-to-join"
	case StatusJoiningOpenSession:
		return "joining-open-session"
	case StatusContinuingExistingSession:
		return "continuing-existing-session"
	case StatusWaitingForOpponent:
		return "waiting-for-opponent"
	}
	return "unknown"
}

// Text returns the presentation sentence for the status.
func (s Status) Text() string {
	switch s {
	case StatusAuthenticating:
		return "Authenticating"
	case StatusAuthFailed:
		return "Authentication failed"
	case StatusAuthSucceeded:
		return "Authentication successful"
	case StatusExistingUser:
		return "Existing user detected"
	case StatusNewUser:
		return "Added new user"
	case StatusLookingForSession:
		return "Looking for a session to join"
	case StatusFoundRunningSession:
		return "Found running session"
	case StatusStartingNewSession:
		return "Starting new session"
	case StatusFoundSessionToJoin:
		return "Found a session. Joining now"
	case StatusJoiningOpenSession:
		return "Joining open session"
	case StatusContinuingExistingSession:
		return "Continuing previous session"
	case StatusWaitingForOpponent:
		return "Waiting for an opponent to join"
	}
	return "Unknown"
}

// Handler receives status transitions from the connection pipeline.
type Handler func(s Status)

// Emit calls the handler if one is set. Components hold a Handler that
// may be nil when the caller does not care about status events.
func (h Handler) Emit(s Status) {
	if h != nil {
		h(s)
	}
}
