package tables

import "firestige.xyz/tap/internal/core"

// TcpSessionState is the connection state tracked per session.
type TcpSessionState string

const (
	SynSent       TcpSessionState = "SynSent"
	SynReceived   TcpSessionState = "SynReceived"
	Established   TcpSessionState = "Established"
	FinWait1      TcpSessionState = "FinWait1"
	FinWait2      TcpSessionState = "FinWait2"
	ClosedFin     TcpSessionState = "ClosedFin"
	ClosedRst     TcpSessionState = "ClosedRst"
	ClosedTimeout TcpSessionState = "ClosedTimeout"
	Refused       TcpSessionState = "Refused"
)

// Terminal reports whether no segment can move the session out of s.
func (s TcpSessionState) Terminal() bool {
	switch s {
	case ClosedFin, ClosedRst, ClosedTimeout, Refused:
		return true
	}
	return false
}

// ConnectionStatus maps the state to the status carried by derived events.
func (s TcpSessionState) ConnectionStatus() core.ConnectionStatus {
	switch s {
	case ClosedTimeout:
		return core.ConnectionInactiveTimeout
	case ClosedFin, ClosedRst, Refused:
		return core.ConnectionInactive
	}
	return core.ConnectionActive
}

// initialState is the state of a session whose first observed segment
// carries flags. Only SynSent creates a table entry.
func initialState(flags core.TcpFlags) TcpSessionState {
	switch {
	case flags.Has(core.FlagSYN) && !flags.Has(core.FlagACK):
		return SynSent
	case flags.Has(core.FlagSYN | core.FlagACK):
		return SynReceived
	case flags.Has(core.FlagRST):
		return ClosedRst
	case flags.Has(core.FlagFIN):
		return FinWait1
	}
	return Established
}

// nextState applies one segment to a session in state current. Terminal
// states are sticky so late or reordered segments cannot reopen a session.
func nextState(current TcpSessionState, flags core.TcpFlags) TcpSessionState {
	if current.Terminal() {
		return current
	}

	syn := flags.Has(core.FlagSYN)
	ack := flags.Has(core.FlagACK)
	rst := flags.Has(core.FlagRST)
	fin := flags.Has(core.FlagFIN)

	switch {
	case rst && current == SynSent:
		return Refused
	case rst:
		return ClosedRst
	case syn && ack && current == SynSent:
		return SynReceived
	case syn:
		// SYN retransmission or a repeated SYN+ACK.
		return current
	case ack && current == SynReceived:
		return Established
	case fin && current == Established:
		return FinWait1
	case ack && current == FinWait1:
		return FinWait2
	case ack && current == FinWait2:
		return ClosedFin
	}
	return current
}
