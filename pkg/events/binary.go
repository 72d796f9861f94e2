package events

import (
	"encoding/binary"
	"errors"
)

// Binary envelope for WebSocket binary messages, little-endian:
//
//	uint16 event name length | event name
//	uint16 session id length | session id
//	payload (rest of the message)
//
// Used for telemetry_binary and video_frame so producers skip base64.

var ErrBinaryEnvelope = errors.New("malformed binary envelope")

// EncodeBinary frames a named binary payload.
func EncodeBinary(event, sessionID string, payload []byte) []byte {
	buf := make([]byte, 0, 4+len(event)+len(sessionID)+len(payload))
	buf = appendLString(buf, event)
	buf = appendLString(buf, sessionID)
	return append(buf, payload...)
}

// DecodeBinary splits a binary envelope into its parts. The payload
// aliases the input buffer.
func DecodeBinary(b []byte) (event, sessionID string, payload []byte, err error) {
	event, rest, ok := readLString(b)
	if !ok || event == "" {
		return "", "", nil, ErrBinaryEnvelope
	}
	sessionID, rest, ok = readLString(rest)
	if !ok {
		return "", "", nil, ErrBinaryEnvelope
	}
	return event, sessionID, rest, nil
}

func appendLString(buf []byte, s string) []byte {
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func readLString(b []byte) (string, []byte, bool) {
	if len(b) < 2 {
		return "", nil, false
	}
	n := int(binary.LittleEndian.Uint16(b))
	if len(b) < 2+n {
		return "", nil, false
	}
	return string(b[2 : 2+n]), b[2+n:], true
}
