// This package defines the bencode codec used for message envelopes, stored message content and ratchet frames.
// Struct fields are mapped to dictionary keys with `bencode:".."` tags. Dictionaries are written with sorted keys,
// so an encoding is canonical for a given value. Nil pointer fields are omitted and may be absent when decoding;
// unknown keys are skipped so newer senders can add fields.
package bencode

import "fmt"

const (
	numberStart    = 'i'
	dictStart      = 'd'
	listStart      = 'l'
	bencodeEnd     = 'e'
	bytesLengthSep = ':'

	// guards against hostile length prefixes and nesting
	maxDepth = 64
)

type DecodeError struct {
	msg string
}

func newDecodeError(msg string, vars ...interface{}) *DecodeError {
	return &DecodeError{fmt.Sprintf(msg, vars...)}
}

func (e *DecodeError) Error() string {
	return "bencode: " + e.msg
}
