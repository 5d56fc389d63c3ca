package attribution

import (
	"fmt"

	"github.com/spf13/cast"
)

// Data is one delivery from the attribution SDK: an opaque device identifier
// and the conversion attributes, already normalized to strings.
type Data struct {
	DeviceID   string
	Attributes map[string]string
}

// Normalize coerces a loosely typed attribute map into strings. Nil values are
// dropped; values cast cannot handle are formatted with fmt.
func Normalize(raw map[string]any) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		s, err := cast.ToStringE(v)
		if err != nil {
			s = fmt.Sprint(v)
		}
		out[k] = s
	}
	return out
}

// usable reports whether an attribute value may be sent upstream.
func usable(v string) bool {
	return v != "" && v != "null" && v != "<null>"
}
