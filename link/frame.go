package link

import (
	"bytes"
	"fmt"
	"strconv"
)

const (
	HeaderLength    = 7
	FrameHeaderSize = HeaderLength + 1 /*type*/
	MaxPayloadLen   = 9999999
)

var (
	ErrFrameInvalid     = fmt.Errorf("frame is invalid")
	ErrFrameLenOverflow = fmt.Errorf("frame is too large")
)

type FrameType byte

const (
	TypePoll           FrameType = '0' // device->server poll, server->device keepalive
	TypeTemperature    FrameType = '1'
	TypeClassification FrameType = '2'
	TypeRecord         FrameType = '3' // server->device queued user record
	TypeConfidence     FrameType = '4'
)

func (t FrameType) Valid() bool { return t >= '0' && t <= '9' }

func (t FrameType) Known() bool { return t >= TypePoll && t <= TypeConfidence }

// Label is String with every unknown type folded into "unknown", bounded set for metrics.
func (t FrameType) Label() string {
	if !t.Known() {
		return "unknown"
	}
	return t.String()
}

func (t FrameType) String() string {
	switch t {
	case TypePoll:
		return "poll"
	case TypeTemperature:
		return "temperature"
	case TypeClassification:
		return "classification"
	case TypeRecord:
		return "record"
	case TypeConfidence:
		return "confidence"
	}
	return fmt.Sprintf("unknown(%q)", byte(t))
}

// ProtocolError means byte stream can not be parsed as frames anymore.
// Connection must be dropped, there is no way to resync.
type ProtocolError struct {
	Header []byte
	Reason string
}

// header may point into reader buffer
func newProtocolError(header []byte, reason string) *ProtocolError {
	return &ProtocolError{Header: append([]byte(nil), header[:FrameHeaderSize]...), Reason: reason}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s header=%q", e.Reason, e.Header)
}

type Frame struct {
	Type    FrameType
	Payload []byte
}

func NewFrame(t FrameType, payload string) Frame {
	return Frame{Type: t, Payload: []byte(payload)}
}

func (f Frame) String() string {
	const maxShow = 64
	p := f.Payload
	suffix := ""
	if len(p) > maxShow {
		p, suffix = p[:maxShow], "..."
	}
	return fmt.Sprintf("(type=%s len=%d payload=%q%s)", f.Type, len(f.Payload), p, suffix)
}

func FrameMarshal(f Frame) ([]byte, error) {
	if !f.Type.Valid() {
		return nil, ErrFrameInvalid
	}
	n := len(f.Payload)
	if n > MaxPayloadLen {
		return nil, ErrFrameLenOverflow
	}
	b := make([]byte, 0, FrameHeaderSize+n)
	b = strconv.AppendInt(b, int64(n), 10)
	for len(b) < HeaderLength {
		b = append(b, ' ')
	}
	b = append(b, byte(f.Type))
	b = append(b, f.Payload...)
	return b, nil
}

// FrameDecodeHeader parses first FrameHeaderSize bytes.
// Length field is trimmed of spaces on both sides like the device firmware does.
// max=0 means MaxPayloadLen.
func FrameDecodeHeader(header []byte, max uint32) (int, FrameType, error) {
	if len(header) < FrameHeaderSize {
		return 0, 0, ErrFrameInvalid
	}
	field := bytes.TrimSpace(header[:HeaderLength])
	if len(field) == 0 {
		return 0, 0, newProtocolError(header, "empty length")
	}
	n, err := strconv.ParseUint(string(field), 10, 32)
	if err != nil {
		return 0, 0, newProtocolError(header, "length is not decimal")
	}
	if max == 0 || max > MaxPayloadLen {
		max = MaxPayloadLen
	}
	if n > uint64(max) {
		return 0, 0, fmt.Errorf("%w length=%d exceeds max=%d", ErrFrameLenOverflow, n, max)
	}
	return int(n), FrameType(header[HeaderLength]), nil
}
