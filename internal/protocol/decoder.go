package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	// MaxHeaderLen is the maximum size of a header line. A header that
	// grows past this without a newline is a framing error.
	MaxHeaderLen = 256

	// MaxBodyLen caps the declared body length so a misbehaving server
	// cannot make the client allocate without bound.
	MaxBodyLen = 16 * 1024 * 1024
)

// Framing errors. All of them are fatal for the connection they occur on.
var (
	ErrHeaderTooLong = errors.New("header exceeds maximum length")
	ErrBodyTooLarge  = errors.New("declared body length exceeds maximum")
)

// Decoder incrementally decodes server-to-client frames from a byte
// stream. Partial headers and bodies are buffered across calls to Feed,
// so the caller can hand it whatever each socket read returned.
//
// A Decoder is not safe for concurrent use; the connection's control
// goroutine is its only caller.
type Decoder struct {
	head    []byte
	pending Message
	body    []byte
	need    int
}

// Feed consumes a chunk read from the socket and returns every message
// completed by it, in wire order. Any returned error is a framing error
// and invalidates the Decoder.
func (d *Decoder) Feed(p []byte) ([]Message, error) {
	var msgs []Message

	for len(p) > 0 {
		if d.need > 0 {
			n := min(d.need, len(p))
			d.body = append(d.body, p[:n]...)
			d.need -= n
			p = p[n:]

			if d.need == 0 {
				d.pending.Body = d.body
				msgs = append(msgs, d.pending)
				d.pending = Message{}
				d.body = nil
			}

			continue
		}

		nl := bytes.IndexByte(p, '\n')
		if nl < 0 {
			if len(d.head)+len(p) > MaxHeaderLen {
				return msgs, ErrHeaderTooLong
			}

			d.head = append(d.head, p...)

			return msgs, nil
		}

		if len(d.head)+nl > MaxHeaderLen {
			return msgs, ErrHeaderTooLong
		}

		line := append(d.head, p[:nl]...)
		d.head = nil
		p = p[nl+1:]

		msg, bodyLen, err := parseHeader(line)
		if err != nil {
			return msgs, err
		}

		if bodyLen > 0 {
			d.pending = msg
			d.body = make([]byte, 0, bodyLen)
			d.need = bodyLen

			continue
		}

		msgs = append(msgs, msg)
	}

	return msgs, nil
}

// parseHeader decodes one header line (without the newline) into a
// Message plus the declared body length.
func parseHeader(line []byte) (Message, int, error) {
	toks := bytes.Fields(line)
	if len(toks) == 0 {
		return Message{}, 0, fmt.Errorf("empty header line")
	}

	typ := string(toks[0])
	args := toks[1:]

	var msg Message

	var err error

	switch typ {
	case TypeAlloc:
		// alloc sessionId serverFileIdent clientFileIdent
		if len(args) != 3 {
			return Message{}, 0, fieldCountErr(typ, 3, len(args))
		}

		msg.Type = TypeAlloc
		if msg.SessionID, err = parseSessionID(args[0]); err != nil {
			return Message{}, 0, err
		}

		if msg.ServerFileIdent, err = parseField(args[1]); err != nil {
			return Message{}, 0, err
		}

		if msg.ClientFileIdent, err = parseField(args[2]); err != nil {
			return Message{}, 0, err
		}

		return msg, 0, nil

	case TypeAccept:
		// accept sessionId serverVersion clientVersion
		if len(args) != 3 {
			return Message{}, 0, fieldCountErr(typ, 3, len(args))
		}

		msg.Type = TypeAccept
		if msg.SessionID, err = parseSessionID(args[0]); err != nil {
			return Message{}, 0, err
		}

		if msg.ServerVersion, err = parseField(args[1]); err != nil {
			return Message{}, 0, err
		}

		if msg.ClientVersion, err = parseField(args[2]); err != nil {
			return Message{}, 0, err
		}

		return msg, 0, nil

	case TypeChangeset:
		// changeset sessionId serverVersion clientVersion originTimestamp originFileIdent size
		if len(args) != 6 {
			return Message{}, 0, fieldCountErr(typ, 6, len(args))
		}

		msg.Type = TypeChangeset
		if msg.SessionID, err = parseSessionID(args[0]); err != nil {
			return Message{}, 0, err
		}

		if msg.ServerVersion, err = parseField(args[1]); err != nil {
			return Message{}, 0, err
		}

		if msg.ClientVersion, err = parseField(args[2]); err != nil {
			return Message{}, 0, err
		}

		if msg.OriginTimestamp, err = parseField(args[3]); err != nil {
			return Message{}, 0, err
		}

		if msg.OriginFileIdent, err = parseField(args[4]); err != nil {
			return Message{}, 0, err
		}

		size, err := parseField(args[5])
		if err != nil {
			return Message{}, 0, err
		}

		if size > MaxBodyLen {
			return Message{}, 0, ErrBodyTooLarge
		}

		return msg, int(size), nil

	default:
		return Message{}, 0, fmt.Errorf("unexpected message type %q", typ)
	}
}

func fieldCountErr(typ string, want, got int) error {
	return fmt.Errorf("message %q: expected %d header fields, got %d", typ, want, got)
}
