// Package protocol defines the wire format spoken between the relay and
// game clients: one self-describing JSON record per WebSocket text frame,
// discriminated by its "type" field.
//
// Inbound fields are coerced, never rejected: missing or mistyped numbers
// default to zero, strings are length-clamped with markup characters
// stripped. The relay is client-authoritative by design and only
// sanitizes and retransmits.
package protocol

import (
	"encoding/json"
	"strings"
)

// Field caps and clamps applied to client input.
const (
	MaxNameLen   = 16
	MaxChatLen   = 200
	MaxTagLen    = 64
	MaxItemIDLen = 64
	MaxQuantity  = 1000
)

// Frame is a decoded inbound record. Fields holds everything besides the
// type discriminator; handlers pull what they need through the coercion
// helpers below.
type Frame struct {
	Type   string
	Fields map[string]any
}

// Decode parses a raw text frame. ok is false for anything that is not a
// JSON object with a string "type" field; such frames are noise and are
// dropped by the caller.
func Decode(data []byte) (Frame, bool) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Frame{}, false
	}
	typ, isString := fields["type"].(string)
	if !isString || typ == "" {
		return Frame{}, false
	}
	delete(fields, "type")
	return Frame{Type: typ, Fields: fields}, true
}

// Num coerces a field to float64, defaulting to 0 on missing or
// non-numeric input.
func (f Frame) Num(key string) float64 {
	v, _ := f.Fields[key].(float64)
	return v
}

// Bool coerces a field to bool, defaulting to false.
func (f Frame) Bool(key string) bool {
	v, _ := f.Fields[key].(bool)
	return v
}

// Str coerces a field to string, defaulting to "".
func (f Frame) Str(key string) string {
	v, _ := f.Fields[key].(string)
	return v
}

// Map coerces a field to an open JSON object, defaulting to an empty map.
func (f Frame) Map(key string) map[string]any {
	if v, ok := f.Fields[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

// stripThenClamp removes every rune in deny, then truncates to max runes.
// Stripping before clamping keeps the operation idempotent: the cap is
// applied to already-clean text, so a second pass is a no-op.
func stripThenClamp(s, deny string, max int) string {
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(deny, r) {
			return -1
		}
		return r
	}, s)
	if runes := []rune(s); len(runes) > max {
		return string(runes[:max])
	}
	return s
}

// SanitizeName cleans a display name: strips <>&"' and caps at 16 runes.
func SanitizeName(s string) string {
	return stripThenClamp(s, `<>&"'`, MaxNameLen)
}

// SanitizeChat cleans chat text: strips <>& and caps at 200 runes.
func SanitizeChat(s string) string {
	return stripThenClamp(s, `<>&`, MaxChatLen)
}

// SanitizeTag cleans free-form identifier tags (combat style, area,
// enemy ids): strips <>&"' and caps at 64 runes.
func SanitizeTag(s string) string {
	return stripThenClamp(s, `<>&"'`, MaxTagLen)
}

// ClampQuantity bounds an item quantity to [0, MaxQuantity]. The relay
// never retransmits a negative or oversized drop.
func ClampQuantity(q float64) float64 {
	if q < 0 {
		return 0
	}
	if q > MaxQuantity {
		return MaxQuantity
	}
	return q
}

// ClampLevel floors a character level at 1.
func ClampLevel(level float64) int {
	if level < 1 {
		return 1
	}
	return int(level)
}
