package chat

import "errors"

var (
	// ErrConversationNotFound is returned when the conversation does not
	// exist or belongs to another user.
	ErrConversationNotFound = errors.New("chat: conversation not found")

	// ErrMessageNotFound is returned when no message matches.
	ErrMessageNotFound = errors.New("chat: message not found")

	// ErrEmptyMessage is returned when a message has no content.
	ErrEmptyMessage = errors.New("chat: empty message")

	// ErrBadVerdict is returned when the router model answers in a shape
	// that cannot be parsed.
	ErrBadVerdict = errors.New("chat: unparseable router verdict")
)
