package call

// State is the negotiation state of one call session. Transitions are
// driven by local actions (Invite, Accept, Hangup) and by relayed frames;
// anything invalid for the current state is rejected or ignored, never
// queued.
type State int

const (
	StateIdle State = iota
	StateInviting
	StateRinging
	StateNegotiating
	StateActive
	StateRetrying
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInviting:
		return "inviting"
	case StateRinging:
		return "ringing"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateRetrying:
		return "retrying"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Role records which side of the invite this session is. The identity that
// sent the invite is the caller; it drives the offer once the callee
// signals peer-ready.
type Role int

const (
	RoleNone Role = iota
	RoleCaller
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return "none"
	}
}
