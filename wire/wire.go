// Package wire parses the narrow packet shapes the hub cares about: a bare
// framed payload, or an address-prefixed "addr SP payload" variant, plus
// the identifier list embedded in a framed payload. It does not implement
// a general wire codec (that is a Non-goal); it only extracts what the
// dispatch policies in package registry need.
package wire

import (
	"bytes"
	"errors"
)

// ErrMalformedFrame is returned when a frame cannot be parsed far enough
// to extract an identifier list. Callers log and drop the frame.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// ErrNoAddressPrefix is returned by SplitAddressed when the frame does not
// start with the expected "addr " prefix.
var ErrNoAddressPrefix = errors.New("wire: missing address prefix")

// ErrPrefixTooLong is returned when a caller registers a client handle
// with a filter prefix longer than MaxPrefixLen (the ArrayString<8>
// bound on the filter field in the original implementation).
var ErrPrefixTooLong = errors.New("wire: prefix exceeds maximum length")

// ErrAddressTooLong is returned when an addressed send's target address
// exceeds MaxAddressLen (the ArrayVec<u8, 64> bound on the address field
// in the original implementation).
var ErrAddressTooLong = errors.New("wire: address exceeds maximum length")

// MaxPrefixLen bounds a client handle's filter prefix.
const MaxPrefixLen = 8

// MaxAddressLen bounds an addressed-send target address.
const MaxAddressLen = 64

// idListMarker is the first byte of a framed payload that carries an
// explicit identifier list, e.g. a map-shaped packet. Payloads without
// this marker carry zero identifiers.
const idListMarker = 0x01

// ReplyEnvelope is the opaque sequence of routing frames captured when a
// server-flavor request socket receives a packet; it must travel
// unmodified from receive to the eventual reply send.
type ReplyEnvelope struct {
	frames [][]byte
}

// NewReplyEnvelope wraps a captured routing frame sequence.
func NewReplyEnvelope(frames [][]byte) ReplyEnvelope {
	cp := make([][]byte, len(frames))
	copy(cp, frames)
	return ReplyEnvelope{frames: cp}
}

// Frames returns the captured routing frames, in receive order.
func (e ReplyEnvelope) Frames() [][]byte { return e.frames }

// IsZero reports whether the envelope carries no routing frames.
func (e ReplyEnvelope) IsZero() bool { return len(e.frames) == 0 }

// ParseIdentifiers extracts the identifier list from a framed payload.
// A payload whose first byte is idListMarker is followed by a sequence of
// length-prefixed (1-byte length, 0..255) identifier strings terminated
// by a zero-length entry; any other first byte means zero identifiers.
// Truncated input is reported as ErrMalformedFrame.
func ParseIdentifiers(frame []byte) ([][]byte, error) {
	if len(frame) == 0 {
		return nil, ErrMalformedFrame
	}
	if frame[0] != idListMarker {
		return nil, nil
	}
	var ids [][]byte
	pos := 1
	for {
		if pos >= len(frame) {
			return nil, ErrMalformedFrame
		}
		n := int(frame[pos])
		pos++
		if n == 0 {
			break
		}
		if pos+n > len(frame) {
			return nil, ErrMalformedFrame
		}
		id := make([]byte, n)
		copy(id, frame[pos:pos+n])
		ids = append(ids, id)
		pos += n
	}
	return ids, nil
}

// SplitAddressed splits an "address SP payload" frame into its two parts.
// It returns ErrNoAddressPrefix if there is no space-delimited address
// prefix.
func SplitAddressed(frame []byte) (addr, rest []byte, err error) {
	idx := bytes.IndexByte(frame, ' ')
	if idx < 0 {
		return nil, nil, ErrNoAddressPrefix
	}
	return frame[:idx], frame[idx+1:], nil
}

// HasPrefix reports whether subject is prefixed by instanceID+" ", the
// subscription-priming convention used on the client inbound socket.
func HasPrefix(subject []byte, instanceID string) bool {
	prefix := append([]byte(instanceID), ' ')
	return bytes.HasPrefix(subject, prefix)
}

// TrimPrefix removes instanceID+" " from subject, returning the remainder
// and whether the prefix was present.
func TrimPrefix(subject []byte, instanceID string) ([]byte, bool) {
	prefix := append([]byte(instanceID), ' ')
	if !bytes.HasPrefix(subject, prefix) {
		return nil, false
	}
	return subject[len(prefix):], true
}

// FrameCount reports how many length-prefixed identifier entries a framed
// payload carries, by way of ParseIdentifiers; a malformed frame counts
// as 0. It mirrors pushpin's multipart frame counters and is not called
// by the dispatch path.
func FrameCount(raw []byte) int {
	ids, err := ParseIdentifiers(raw)
	if err != nil {
		return 0
	}
	return len(ids)
}
