package model

// TriState is a boolean that may not be known yet. Adapters leave a flag
// Unknown when the wire payload says nothing about it.
type TriState int

const (
	// Unknown means the source did not report the value.
	Unknown TriState = iota
	// True is a known true value.
	True
	// False is a known false value.
	False
)

// TriStateOf converts a plain bool into a known TriState.
func TriStateOf(b bool) TriState {
	if b {
		return True
	}
	return False
}

// Known reports whether t carries a value.
func (t TriState) Known() bool { return t == True || t == False }

// Bool returns the value of t, or def when t is Unknown.
func (t TriState) Bool(def bool) bool {
	switch t {
	case True:
		return true
	case False:
		return false
	default:
		return def
	}
}

// Coalesce merges an incoming value into t. Unknown never overwrites a known
// value; a known incoming value always wins.
func (t TriState) Coalesce(incoming TriState) TriState {
	if incoming.Known() {
		return incoming
	}
	return t
}

// String returns "true", "false" or "unknown".
func (t TriState) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}
