package vpn

// Direction identifies which transition a gate pair guards.
type Direction int

const (
	// DirConnect guards the transition into the connected state.
	DirConnect Direction = iota
	// DirDisconnect guards the transition back to idle.
	DirDisconnect
)

// String returns a human-readable representation of the direction.
func (d Direction) String() string {
	switch d {
	case DirConnect:
		return "connect"
	case DirDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Gate identifies one of the two readiness sources of a direction.
type Gate int

const (
	// GateNetwork is reported by the network mode controller.
	GateNetwork Gate = 0
	// GateProcess is reported by the warp-plus process.
	GateProcess Gate = 1
)

// String returns a human-readable representation of the gate.
func (g Gate) String() string {
	switch g {
	case GateNetwork:
		return "network"
	case GateProcess:
		return "process"
	default:
		return "unknown"
	}
}

// Barrier combines two readiness gates per direction into a single event.
// Check reports true exactly once per direction and lifecycle, and only
// after both gates of that direction have been set. The zero value is a
// reset barrier. Barrier is not safe for concurrent use; the manager loop
// owns it.
type Barrier struct {
	gates [2][2]bool
	fired [2]bool
}

// Set marks one gate of a direction as ready. Gates never go back to false
// until Reset.
func (b *Barrier) Set(dir Direction, gate Gate) {
	if !validDirection(dir) || !validGate(gate) {
		return
	}
	b.gates[dir][gate] = true
}

// IsSet reports whether a gate has been marked.
func (b *Barrier) IsSet(dir Direction, gate Gate) bool {
	if !validDirection(dir) || !validGate(gate) {
		return false
	}
	return b.gates[dir][gate]
}

// Check returns true the first time it is called with both gates of dir set.
// Redundant calls after that return false.
func (b *Barrier) Check(dir Direction) bool {
	if !validDirection(dir) || b.fired[dir] {
		return false
	}
	if b.gates[dir][GateNetwork] && b.gates[dir][GateProcess] {
		b.fired[dir] = true
		return true
	}
	return false
}

// Fired reports whether Check has already fired for dir.
func (b *Barrier) Fired(dir Direction) bool {
	if !validDirection(dir) {
		return false
	}
	return b.fired[dir]
}

// Reset clears both gate pairs for a new lifecycle.
func (b *Barrier) Reset() {
	*b = Barrier{}
}

func validDirection(d Direction) bool { return d == DirConnect || d == DirDisconnect }
func validGate(g Gate) bool           { return g == GateNetwork || g == GateProcess }
