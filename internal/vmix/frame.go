// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package vmix

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ManuGH/mixlink/internal/mixer"
)

// FrameKind classifies inbound TCP frames.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameXML
	FrameVersion
	FrameSubscribe
	FrameUnsubscribe
	FrameFunction
	FrameActs
	FrameTally
)

func (k FrameKind) String() string {
	switch k {
	case FrameXML:
		return "xml"
	case FrameVersion:
		return "version"
	case FrameSubscribe:
		return "subscribe"
	case FrameUnsubscribe:
		return "unsubscribe"
	case FrameFunction:
		return "function"
	case FrameActs:
		return "acts"
	case FrameTally:
		return "tally"
	default:
		return "unknown"
	}
}

// Category names accepted by SUBSCRIBE.
const (
	CategoryActs  = "ACTS"
	CategoryTally = "TALLY"
)

const (
	maxLineBytes    = 64 << 10
	maxPayloadBytes = 32 << 20
)

// Frame is one decoded inbound message.
type Frame struct {
	Kind    FrameKind
	Command string
	OK      bool
	Message string
	Payload []byte // FrameXML only
}

// ActsEvent is a decoded "ACTS OK <Name> <input> <value>" change event.
type ActsEvent struct {
	Name   string
	Input  int
	Active bool
}

// Acts decodes an activator change event. ok is false for other frames and for
// ACTS values that are not input numbers (audio levels etc).
func (f Frame) Acts() (ActsEvent, bool) {
	if f.Kind != FrameActs || !f.OK {
		return ActsEvent{}, false
	}
	fields := strings.Fields(f.Message)
	if len(fields) < 3 {
		return ActsEvent{}, false
	}
	input, err := strconv.Atoi(fields[1])
	if err != nil || input < 1 {
		return ActsEvent{}, false
	}
	val, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return ActsEvent{}, false
	}
	return ActsEvent{Name: fields[0], Input: input, Active: val != 0}, true
}

// Decoder splits a byte stream into frames. It tolerates being fed partial
// reads: bytes stay buffered until a complete frame is available.
type Decoder struct {
	buf []byte
}

// Feed appends raw socket bytes.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of undecoded bytes.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame. ok is false when more bytes are needed.
// A non-nil error means the stream is corrupt; the buffer is discarded.
func (d *Decoder) Next() (Frame, bool, error) {
	for {
		nl := bytes.IndexByte(d.buf, '\n')
		if nl < 0 {
			if len(d.buf) > maxLineBytes {
				d.buf = nil
				return Frame{}, false, fmt.Errorf("%w: frame header exceeds %d bytes", mixer.ErrParse, maxLineBytes)
			}
			return Frame{}, false, nil
		}
		line := strings.TrimRight(string(d.buf[:nl]), "\r")
		rest := d.buf[nl+1:]

		if strings.TrimSpace(line) == "" {
			d.buf = rest
			continue
		}

		fields := strings.SplitN(line, " ", 3)
		if fields[0] == "XML" && len(fields) == 2 {
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 0 || n > maxPayloadBytes {
				d.buf = nil
				return Frame{}, false, fmt.Errorf("%w: bad XML frame length %q", mixer.ErrParse, fields[1])
			}
			if len(rest) < n {
				return Frame{}, false, nil
			}
			payload := make([]byte, n)
			copy(payload, rest[:n])
			d.buf = d.compact(rest[n:])
			return Frame{Kind: FrameXML, Command: "XML", OK: true, Payload: payload}, true, nil
		}

		d.buf = d.compact(rest)
		return parseLine(fields), true, nil
	}
}

func (d *Decoder) compact(rest []byte) []byte {
	if len(rest) == 0 {
		return d.buf[:0]
	}
	return rest
}

func parseLine(fields []string) Frame {
	f := Frame{Command: fields[0]}
	if len(fields) > 1 {
		f.OK = fields[1] == "OK"
	}
	if len(fields) > 2 {
		f.Message = fields[2]
	}
	switch f.Command {
	case "VERSION":
		f.Kind = FrameVersion
	case "SUBSCRIBE":
		f.Kind = FrameSubscribe
	case "UNSUBSCRIBE":
		f.Kind = FrameUnsubscribe
	case "FUNCTION":
		f.Kind = FrameFunction
	case "ACTS":
		f.Kind = FrameActs
	case "TALLY":
		f.Kind = FrameTally
	default:
		f.Kind = FrameUnknown
	}
	return f
}

// EncodeXML requests a full state document.
func EncodeXML() []byte {
	return []byte("XML\r\n")
}

// EncodeSubscribe subscribes to a change event category.
func EncodeSubscribe(category string) []byte {
	return []byte("SUBSCRIBE " + category + "\r\n")
}

// EncodeUnsubscribe cancels a change event subscription.
func EncodeUnsubscribe(category string) []byte {
	return []byte("UNSUBSCRIBE " + category + "\r\n")
}

// EncodeQuit asks the device to close the session.
func EncodeQuit() []byte {
	return []byte("QUIT\r\n")
}

// EncodeFunction renders "FUNCTION <name> <query>".
func EncodeFunction(name string, params mixer.Params) ([]byte, error) {
	if err := ValidateFunctionName(name); err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("FUNCTION ")
	b.WriteString(name)
	if q := params.Encode(); q != "" {
		b.WriteByte(' ')
		b.WriteString(q)
	}
	b.WriteString("\r\n")
	return []byte(b.String()), nil
}

// ValidateFunctionName rejects names that would break either wire format.
func ValidateFunctionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty function name", mixer.ErrConfig)
	}
	if strings.ContainsAny(name, " \t\r\n&=?") {
		return fmt.Errorf("%w: invalid function name %q", mixer.ErrConfig, name)
	}
	return nil
}
