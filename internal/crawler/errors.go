package crawler

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockedby/tgcrawl/internal/telegram"
)

// ErrNoQualifyingMessages is returned when a cutoff is given, nothing else
// bounds the crawl, and the chat's history holds no message at or before the
// cutoff. Failing fast beats silently returning nothing.
var ErrNoQualifyingMessages = errors.New("no messages at or before the cutoff time")

// ErrAuthCancelled is returned when the auth provider reports that the user
// dismissed a phone or code prompt.
var ErrAuthCancelled = errors.New("authentication cancelled by user")

// ConnectError means the connect retry policy was exhausted.
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ResolveError means the chat reference could not be turned into an
// accessible conversation.
type ResolveError struct {
	Ref string
	Err error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("cannot resolve chat %q: %v", e.Ref, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Hint maps a crawl error to a human-actionable remediation message for the
// presentation layer. Returns "" when there is nothing useful to suggest.
func Hint(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, telegram.ErrTwoFactorRequired):
		return "this account has two-step verification enabled; complete it in an official Telegram client first"
	case errors.Is(err, ErrNoQualifyingMessages):
		return "no messages exist at or before the given cutoff; pick a later cutoff or drop it"
	case errors.Is(err, ErrAuthCancelled):
		return "authentication was cancelled; run again and enter the phone number and code when prompted"
	case errors.Is(err, context.Canceled):
		return "the crawl was cancelled; progress collected so far has been checkpointed"
	}

	if seconds, ok := telegram.AsFloodWait(err); ok {
		return fmt.Sprintf("the server imposed a cooldown; wait %d seconds before trying again", seconds)
	}

	var ce *ConnectError
	if errors.As(err, &ce) {
		return "check the network connection and the proxy settings in config.json"
	}
	var re *ResolveError
	if errors.As(err, &re) {
		return "the chat reference may be a numeric id, a -100… supergroup id, a @username or a t.me link; make sure the account has joined the chat"
	}
	var se *telegram.ServerError
	if errors.As(err, &se) {
		return "the server reported a transient error; retry in a few minutes"
	}
	return ""
}
