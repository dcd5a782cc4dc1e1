// Package protocol implements the wire framing of the sync protocol: an
// ASCII header line terminated by '\n', optionally followed by a binary
// body whose exact length is declared in the header.
package protocol

import (
	"fmt"
	"strconv"
)

// Message types. The first header token identifies the type; the number
// and meaning of the remaining integer tokens are fixed per type.
const (
	TypeIdent     = "ident"
	TypeAlloc     = "alloc"
	TypeBind      = "bind"
	TypeUnbind    = "unbind"
	TypeChangeset = "changeset"
	TypeAccept    = "accept"
)

// Version is the protocol version sent in the ident message.
const Version = 1

// Message is a decoded server-to-client frame. Only the fields relevant
// to the message type are populated.
type Message struct {
	Type      string
	SessionID int

	// alloc
	ServerFileIdent uint64
	ClientFileIdent uint64

	// changeset, accept
	ServerVersion uint64
	ClientVersion uint64

	// changeset
	OriginTimestamp uint64
	OriginFileIdent uint64
	Body            []byte
}

// Frame is an encoded client-to-server message: the header line including
// the trailing newline, plus the optional body.
type Frame struct {
	Header []byte
	Body   []byte
}

func header(typ string, fields ...uint64) []byte {
	b := make([]byte, 0, 64)
	b = append(b, typ...)

	for _, f := range fields {
		b = append(b, ' ')
		b = strconv.AppendUint(b, f, 10)
	}

	return append(b, '\n')
}

// IdentFrame builds the connection-level identification message carrying
// the protocol version and the application and user identity strings.
func IdentFrame(appID, userID []byte) Frame {
	body := make([]byte, 0, len(appID)+len(userID))
	body = append(body, appID...)
	body = append(body, userID...)

	return Frame{
		Header: header(TypeIdent, Version, uint64(len(appID)), uint64(len(userID))),
		Body:   body,
	}
}

// AllocFrame builds a file-identifier allocation request for the given
// remote path.
func AllocFrame(sessionID int, remotePath string) Frame {
	return Frame{
		Header: header(TypeAlloc, uint64(sessionID), uint64(len(remotePath))),
		Body:   []byte(remotePath),
	}
}

// BindFrame builds a bind request carrying the allocated identifier pair
// and the last confirmed synchronization progress.
func BindFrame(sessionID int, serverIdent, clientIdent, serverVersion, clientVersion uint64, remotePath string) Frame {
	return Frame{
		Header: header(TypeBind, uint64(sessionID), serverIdent, clientIdent,
			serverVersion, clientVersion, uint64(len(remotePath))),
		Body: []byte(remotePath),
	}
}

// UnbindFrame builds the message that releases server-side session state.
func UnbindFrame(sessionID int) Frame {
	return Frame{Header: header(TypeUnbind, uint64(sessionID))}
}

// UploadFrame builds an outbound changeset message for a locally
// committed version.
func UploadFrame(sessionID int, uploadVersion, lastIntegratedServerVersion, originTimestamp uint64, changeset []byte) Frame {
	return Frame{
		Header: header(TypeChangeset, uint64(sessionID), uploadVersion,
			lastIntegratedServerVersion, originTimestamp, uint64(len(changeset))),
		Body: changeset,
	}
}

func parseField(tok []byte) (uint64, error) {
	v, err := strconv.ParseUint(string(tok), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing header field %q: %w", tok, err)
	}

	return v, nil
}

func parseSessionID(tok []byte) (int, error) {
	v, err := strconv.ParseUint(string(tok), 10, 31)
	if err != nil {
		return 0, fmt.Errorf("parsing session id %q: %w", tok, err)
	}

	return int(v), nil
}
