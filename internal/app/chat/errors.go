package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchFailed wraps batch read failures; the previous view state is kept.
	ErrFetchFailed = errors.New("chat: fetch failed")
	// ErrClosed is returned by a reconciler after Close.
	ErrClosed = errors.New("chat: conversation closed")
	// ErrNotOpen is returned when Send or MarkRead run before Open.
	ErrNotOpen = errors.New("chat: conversation not open")
	// ErrDetached is returned once the change feed ended without Close; the
	// view no longer updates and must be reopened.
	ErrDetached = errors.New("chat: change feed ended")
	// ErrInvalidPair rejects a conversation without two distinct participants.
	ErrInvalidPair = errors.New("chat: invalid conversation pair")
)

// SendError reports a failed send. Content holds the text so the caller can
// put it back into the input for a manual resend.
type SendError struct {
	Content string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("chat: send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

func fetchFailed(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrFetchFailed, what, err)
}
