// Package protocol implements the direct messenger wire format.
//
// Every request and reply is a single JSON document terminated by CRLF.
// Requests come in three shapes (authenticate, directmessage, fetch); replies
// always carry a "response" object whose payload is either a plain
// "message" string or a "messages" list.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Terminator ends every line on the wire.
const Terminator = "\r\n"

var (
	// ErrMalformedReply is returned when a reply line is not valid JSON or
	// its fields have unexpected types.
	ErrMalformedReply = errors.New("malformed reply")

	// ErrNotResponse is returned when a reply decodes but has no "response" object.
	ErrNotResponse = errors.New("reply has no response object")

	// ErrEmptyField is returned by request builders when a required field is empty.
	ErrEmptyField = errors.New("required field is empty")

	// ErrInvalidFetchKind is returned for fetch kinds other than unread and all.
	ErrInvalidFetchKind = errors.New("invalid fetch kind")
)

// FetchKind selects which messages a fetch request returns.
type FetchKind string

const (
	FetchUnread FetchKind = "unread"
	FetchAll    FetchKind = "all"
)

// Valid reports whether k is a fetch kind the server understands.
func (k FetchKind) Valid() bool {
	return k == FetchUnread || k == FetchAll
}

type authPayload struct {
	Authenticate credentials `json:"authenticate"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type directMessagePayload struct {
	Token         string        `json:"token"`
	DirectMessage outgoingEntry `json:"directmessage"`
}

type outgoingEntry struct {
	Entry     string `json:"entry"`
	Recipient string `json:"recipient"`
	Timestamp string `json:"timestamp"`
}

type fetchPayload struct {
	Token string    `json:"token"`
	Fetch FetchKind `json:"fetch"`
}

// AuthRequest builds the authenticate request.
func AuthRequest(username, password string) ([]byte, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("authenticate: %w", ErrEmptyField)
	}
	return json.Marshal(authPayload{Authenticate: credentials{Username: username, Password: password}})
}

// DirectMessageRequest builds a request that sends text to recipient.
// ts is sent verbatim; use Timestamp to produce one from a time.Time.
func DirectMessageRequest(token, recipient, text, ts string) ([]byte, error) {
	switch {
	case token == "":
		return nil, fmt.Errorf("directmessage token: %w", ErrEmptyField)
	case recipient == "":
		return nil, fmt.Errorf("directmessage recipient: %w", ErrEmptyField)
	case strings.TrimSpace(text) == "":
		return nil, fmt.Errorf("directmessage entry: %w", ErrEmptyField)
	}
	return json.Marshal(directMessagePayload{
		Token: token,
		DirectMessage: outgoingEntry{
			Entry:     text,
			Recipient: recipient,
			Timestamp: ts,
		},
	})
}

// FetchRequest builds a fetch request for the given kind.
func FetchRequest(token string, kind FetchKind) ([]byte, error) {
	if token == "" {
		return nil, fmt.Errorf("fetch token: %w", ErrEmptyField)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFetchKind, kind)
	}
	return json.Marshal(fetchPayload{Token: token, Fetch: kind})
}

// Frame appends the line terminator to payload.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+len(Terminator))
	out = append(out, payload...)
	return append(out, Terminator...)
}

// Timestamp renders t as fractional unix seconds, the format the server
// stores and echoes back.
func Timestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.Unix())+float64(t.Nanosecond())/1e9, 'f', -1, 64)
}

// ParseTimestamp converts a fractional unix seconds string back into a time.
func ParseTimestamp(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec), nil
}
