package host

import "github.com/cory-johannsen/netplay/internal/protocol"

// connState is where one remote address stands with the host.
type connState int

const (
	stateUnknown connState = iota
	stateRegistered
	// stateDead is terminal for an identity; the address returns to
	// stateUnknown once the entry is purged and must Join again.
	stateDead
)

func (s connState) String() string {
	switch s {
	case stateUnknown:
		return "unknown"
	case stateRegistered:
		return "registered"
	case stateDead:
		return "dead"
	default:
		return "invalid"
	}
}

// connection is the registry's view of one address.
type connection struct {
	state connState
	id    protocol.ClientID
}

type inputKind int

const (
	inputUndecodable inputKind = iota
	inputMessage
	inputDied
)

// input is anything that can move a connection between states.
type input struct {
	kind inputKind
	msg  protocol.ClientMessage
}

// action is what the router must do after a transition.
type action int

const (
	actNone action = iota
	actReject
	actDropMalformed
	actDropUnauthorized
	actDropSpoofed
	actRegister
	actReack
	actHeartbeat
	actForward
	actLeave
	actPurge
)

func (a action) String() string {
	switch a {
	case actNone:
		return "none"
	case actReject:
		return "reject"
	case actDropMalformed:
		return "drop_malformed"
	case actDropUnauthorized:
		return "drop_unauthorized"
	case actDropSpoofed:
		return "drop_spoofed"
	case actRegister:
		return "register"
	case actReack:
		return "reack"
	case actHeartbeat:
		return "heartbeat"
	case actForward:
		return "forward"
	case actLeave:
		return "leave"
	case actPurge:
		return "purge"
	default:
		return "invalid"
	}
}

// transition is the single place connection rules live.
//
// Postcondition: the returned state is stateRegistered only for actRegister
// or for inputs that keep an existing registration.
func transition(c connection, in input) (connState, action) {
	switch c.state {
	case stateUnknown:
		switch in.kind {
		case inputUndecodable:
			return stateUnknown, actReject
		case inputMessage:
			if in.msg.Request.Type == protocol.RequestJoin {
				return stateRegistered, actRegister
			}
			return stateUnknown, actDropUnauthorized
		default:
			return stateUnknown, actNone
		}

	case stateRegistered:
		switch in.kind {
		case inputUndecodable:
			return stateRegistered, actDropMalformed
		case inputDied:
			return stateDead, actPurge
		}
		if claimed := in.msg.ClientID; claimed != nil && *claimed != c.id {
			return stateRegistered, actDropSpoofed
		}
		switch in.msg.Request.Type {
		case protocol.RequestJoin:
			return stateRegistered, actReack
		case protocol.RequestIdle:
			return stateRegistered, actHeartbeat
		case protocol.RequestLeave:
			return stateUnknown, actLeave
		default:
			return stateRegistered, actForward
		}

	default:
		return c.state, actNone
	}
}
