package resolver

import "fmt"

// Mode is what the rendering layer should show.
type Mode int

const (
	Preparing Mode = iota
	Native
	Remote
)

func (m Mode) String() string {
	switch m {
	case Native:
		return "native"
	case Remote:
		return "remote"
	default:
		return "preparing"
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "preparing":
		*m = Preparing
	case "native":
		*m = Native
	case "remote":
		*m = Remote
	default:
		return fmt.Errorf("unknown display mode %q", b)
	}
	return nil
}

// GateRejection says why the resolver settled on Native.
type GateRejection string

const (
	RejectNone       GateRejection = ""
	RejectDevice     GateRejection = "device"
	RejectDate       GateRejection = "date"
	RejectNativeOnly GateRejection = "native_only"
	// RejectFetch is a permanent primary fetch failure; it persists native-only
	// like the gate rejections do.
	RejectFetch GateRejection = "fetch"
)

// View is the state published to readers. It is replaced wholesale on every
// change and never mutated in place.
type View struct {
	Mode      Mode          `json:"mode"`
	Loading   bool          `json:"loading"`
	Endpoint  string        `json:"endpoint"`
	Rejection GateRejection `json:"rejection,omitempty"`
}
