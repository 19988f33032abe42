package conference

import "fmt"

// DisconnectReason enumerates why the server force-closes a session.
// The set is closed: serializing a reason outside it is a programming error
// and panics rather than leaking an unmapped value onto the wire.
type DisconnectReason int

const (
	// ReasonUnknown is what clients parse an unrecognized wire label to.
	// It is never valid to send.
	ReasonUnknown DisconnectReason = iota

	// ReasonSuperseded means a newer login claimed this session's alias.
	ReasonSuperseded

	// ReasonNotAuthenticated means the session attempted a privileged
	// action before authenticating.
	ReasonNotAuthenticated
)

const (
	labelSuperseded       = "superseded by login elsewhere"
	labelNotAuthenticated = "unauthenticated privileged action"
)

// Label serializes the reason to its fixed wire string.
func (r DisconnectReason) Label() string {
	switch r {
	case ReasonSuperseded:
		return labelSuperseded
	case ReasonNotAuthenticated:
		return labelNotAuthenticated
	default:
		panic(fmt.Sprintf("conference: no wire label for disconnect reason %d", r))
	}
}

// String implements fmt.Stringer for logging.
func (r DisconnectReason) String() string {
	switch r {
	case ReasonSuperseded, ReasonNotAuthenticated:
		return r.Label()
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// ParseDisconnectReason maps a wire label back to the enum. Unknown labels
// parse to ReasonUnknown so a newer server cannot wedge an older client.
func ParseDisconnectReason(label string) DisconnectReason {
	switch label {
	case labelSuperseded:
		return ReasonSuperseded
	case labelNotAuthenticated:
		return ReasonNotAuthenticated
	default:
		return ReasonUnknown
	}
}
