package manifest

import (
	"encoding/json"
	"fmt"
)

// redacted is what a SecureString renders as everywhere except Reveal.
const redacted = "********"

// SecureString wraps a sensitive parameter value. It renders as a fixed
// redaction marker through fmt, %v, %s, %#v and JSON encoding so that secure
// parameters can never leak through logging or error formatting. The wrapped
// value is only reachable through Reveal, which binding code calls at the
// last possible moment.
type SecureString struct {
	value string
}

// NewSecureString wraps a plaintext value.
func NewSecureString(value string) SecureString {
	return SecureString{value: value}
}

// Reveal returns the wrapped plaintext.
func (s SecureString) Reveal() string {
	return s.value
}

// Empty reports whether the wrapped value is the empty string. An explicitly
// empty secure value is distinct from an absent one; callers that need the
// distinction hold a *SecureString and compare against nil.
func (s SecureString) Empty() bool {
	return s.value == ""
}

// String implements fmt.Stringer.
func (s SecureString) String() string {
	return redacted
}

// GoString implements fmt.GoStringer so %#v stays redacted too.
func (s SecureString) GoString() string {
	return fmt.Sprintf("manifest.SecureString(%s)", redacted)
}

// MarshalJSON renders the redaction marker, never the value.
func (s SecureString) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

// WrapSecure wraps an arbitrary decoded parameter value as a SecureString.
// Non-string values are rendered with their default formatting first; the
// manifest wire format only ever carries scalar secure values.
func WrapSecure(v any) SecureString {
	switch val := v.(type) {
	case string:
		return NewSecureString(val)
	case SecureString:
		return val
	default:
		return NewSecureString(fmt.Sprintf("%v", val))
	}
}
