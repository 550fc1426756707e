package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Reply types the server sends in response.type.
const (
	TypeOK    = "ok"
	TypeError = "error"
)

// ReplyKind discriminates the payload a Response carries.
type ReplyKind int

const (
	// ReplyEmpty has neither a message nor a messages list.
	ReplyEmpty ReplyKind = iota
	// ReplyPlain carries a single status string in Message.
	ReplyPlain
	// ReplyList carries direct messages in Messages.
	ReplyList
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyPlain:
		return "plain"
	case ReplyList:
		return "list"
	default:
		return "empty"
	}
}

// Direction tells whether a direct message was sent or received by the
// authenticated user.
type Direction string

const (
	Received Direction = "received"
	Sent     Direction = "sent"
)

// DirectMessage is one entry of a messages list. Exactly one of From and
// Recipient is set.
type DirectMessage struct {
	Text      string `json:"message"`
	From      string `json:"from,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status,omitempty"`
}

// Direction reports whether the message was received or sent.
func (m DirectMessage) Direction() Direction {
	if m.From != "" {
		return Received
	}
	return Sent
}

// Contact is the other party of the conversation.
func (m DirectMessage) Contact() string {
	if m.From != "" {
		return m.From
	}
	return m.Recipient
}

// Time parses Timestamp. Unparseable timestamps yield the zero time.
func (m DirectMessage) Time() time.Time {
	t, err := ParseTimestamp(m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Response is a decoded server reply.
type Response struct {
	Type     string
	Message  string
	Messages []DirectMessage
	Token    string
	kind     ReplyKind
}

// Kind reports which payload the reply carried.
func (r *Response) Kind() ReplyKind {
	return r.kind
}

// OK reports whether the server accepted the request.
func (r *Response) OK() bool {
	return r.Type == TypeOK
}

// Err returns a *ServerError for error replies and nil otherwise.
func (r *Response) Err() error {
	if r.Type == TypeError {
		return &ServerError{Message: r.Message}
	}
	if r.Type != TypeOK {
		return &ServerError{Message: fmt.Sprintf("unexpected reply type %q", r.Type)}
	}
	return nil
}

// ServerError is an error reply from the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return "server error"
	}
	return "server error: " + e.Message
}

type envelope struct {
	Response *rawResponse `json:"response"`
}

type rawResponse struct {
	Type     string       `json:"type"`
	Message  *string      `json:"message"`
	Messages []rawMessage `json:"messages"`
	Token    string       `json:"token"`
}

type rawMessage struct {
	Message   string      `json:"message"`
	From      *string     `json:"from"`
	Recipient *string     `json:"recipient"`
	Timestamp looseString `json:"timestamp"`
	Status    looseString `json:"status"`
}

// looseString accepts JSON strings and numbers. Servers disagree on whether
// timestamps are quoted.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = looseString(n.String())
	return nil
}

// ParseResponse decodes one reply line. Received messages come first,
// followed by sent messages, each group in server order. An entry naming
// both a sender and a recipient appears once in each group. Entries that
// name neither are dropped.
func ParseResponse(line []byte) (*Response, error) {
	line = bytes.TrimSpace(line)
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if env.Response == nil {
		return nil, ErrNotResponse
	}
	raw := env.Response

	resp := &Response{Type: raw.Type, Token: raw.Token}
	switch {
	case raw.Message != nil:
		resp.Message = *raw.Message
		resp.kind = ReplyPlain
	case raw.Messages != nil:
		resp.Messages = splitMessages(raw.Messages)
		resp.kind = ReplyList
	default:
		resp.kind = ReplyEmpty
	}
	return resp, nil
}

func splitMessages(raw []rawMessage) []DirectMessage {
	received := make([]DirectMessage, 0, len(raw))
	var sent []DirectMessage
	for _, m := range raw {
		if m.From != nil {
			received = append(received, DirectMessage{
				Text:      m.Message,
				From:      *m.From,
				Timestamp: string(m.Timestamp),
				Status:    string(m.Status),
			})
		}
		if m.Recipient != nil {
			sent = append(sent, DirectMessage{
				Text:      m.Message,
				Recipient: *m.Recipient,
				Timestamp: string(m.Timestamp),
				Status:    string(m.Status),
			})
		}
	}
	return append(received, sent...)
}
