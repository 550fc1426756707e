package messenger

import "errors"

var (
	// ErrNotConnected is returned by requests made without a live session.
	ErrNotConnected = errors.New("not connected to server")

	// ErrAuthFailed is returned by Connect when the server rejects the
	// credentials or replies without a token.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrEmptyMessage is returned by Send for blank text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNoRecipient is returned by Send without a recipient.
	ErrNoRecipient = errors.New("recipient is empty")
)
