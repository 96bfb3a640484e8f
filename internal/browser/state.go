package browser

// State is the position of a session in the login sequence. States only move
// forward; Failed is reachable from any state and is final.
type State int

const (
	StateNew State = iota
	StateStarted
	StateIdentitySubmitted
	StateCodePromptReady
	StateCodeSubmitted
	StateLoginComplete
	StateCookiesExtracted
	StateFailed
)

var stateNames = map[State]string{
	StateNew:               "NEW",
	StateStarted:           "STARTED",
	StateIdentitySubmitted: "IDENTITY_SUBMITTED",
	StateCodePromptReady:   "CODE_PROMPT_READY",
	StateCodeSubmitted:     "CODE_SUBMITTED",
	StateLoginComplete:     "LOGIN_COMPLETE",
	StateCookiesExtracted:  "COOKIES_EXTRACTED",
	StateFailed:            "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// next returns the state after a requested transition.
func (s State) next(to State) State {
	if s == StateFailed {
		return s
	}
	if to == StateFailed || to > s {
		return to
	}
	return s
}
