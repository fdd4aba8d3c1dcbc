package sofascore

import (
	"strings"
)

// FrameType identifies one operation of the upstream's textual pub/sub
// protocol as tunneled inside WebSocket frames.
type FrameType int

const (
	FrameUnknown FrameType = iota
	FrameInfo
	FrameMsg
	FrameHMsg
	FramePing
	FramePong
	FrameOK
	FrameErr
)

func (t FrameType) String() string {
	switch t {
	case FrameInfo:
		return "INFO"
	case FrameMsg:
		return "MSG"
	case FrameHMsg:
		return "HMSG"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameOK:
		return "+OK"
	case FrameErr:
		return "-ERR"
	default:
		return "UNKNOWN"
	}
}

// Frame is one parsed protocol operation.
type Frame struct {
	Type    FrameType
	Subject string // MSG/HMSG topic
	SID     string // subscription id the message was delivered on
	Payload []byte // MSG/HMSG body
	ErrText string // -ERR message text
	Info    []byte // INFO body (JSON)
}

// parserState is the payload-expectation state of the line parser.
type parserState int

const (
	stateAwaitHeader parserState = iota
	stateAwaitPayload
)

// frameParser converts the protocol's line stream into typed frames.
// One WebSocket frame may carry several protocol lines; MSG and HMSG
// headers are followed by a payload line.
type frameParser struct {
	state   parserState
	pending Frame // header awaiting its payload line
}

// Feed parses one WebSocket text frame and returns the completed
// protocol frames it contained. Parser state survives across calls so
// a payload split from its header onto the next frame still attaches.
func (p *frameParser) Feed(data []byte) []Frame {
	var frames []Frame

	for _, line := range strings.Split(string(data), "\r\n") {
		switch p.state {
		case stateAwaitPayload:
			p.pending.Payload = []byte(line)
			frames = append(frames, p.pending)
			p.pending = Frame{}
			p.state = stateAwaitHeader

		case stateAwaitHeader:
			if line == "" {
				continue
			}
			f, needsPayload := parseHeader(line)
			if needsPayload {
				p.pending = f
				p.state = stateAwaitPayload
				continue
			}
			frames = append(frames, f)
		}
	}
	return frames
}

// parseHeader parses a single header line. The second return value is
// true when a payload line must follow.
func parseHeader(line string) (Frame, bool) {
	switch {
	case strings.HasPrefix(line, "INFO"):
		return Frame{Type: FrameInfo, Info: []byte(strings.TrimSpace(strings.TrimPrefix(line, "INFO")))}, false

	case strings.HasPrefix(line, "MSG"):
		f := Frame{Type: FrameMsg}
		f.Subject, f.SID = parseMsgArgs(strings.TrimPrefix(line, "MSG"))
		return f, true

	case strings.HasPrefix(line, "HMSG"):
		f := Frame{Type: FrameHMsg}
		f.Subject, f.SID = parseMsgArgs(strings.TrimPrefix(line, "HMSG"))
		return f, true

	case line == "PING":
		return Frame{Type: FramePing}, false

	case line == "PONG":
		return Frame{Type: FramePong}, false

	case strings.HasPrefix(line, "+OK"):
		return Frame{Type: FrameOK}, false

	case strings.HasPrefix(line, "-ERR"):
		return Frame{Type: FrameErr, ErrText: strings.Trim(strings.TrimSpace(strings.TrimPrefix(line, "-ERR")), "'")}, false

	default:
		return Frame{Type: FrameUnknown}, false
	}
}

// parseMsgArgs extracts subject and sid from "MSG <subject> <sid>
// [reply-to] <#bytes>". The byte count is advisory here; payload
// framing follows line boundaries on this transport.
func parseMsgArgs(rest string) (subject, sid string) {
	args := strings.Fields(rest)
	if len(args) >= 2 {
		subject, sid = args[0], args[1]
	} else if len(args) == 1 {
		subject = args[0]
	}
	return subject, sid
}
