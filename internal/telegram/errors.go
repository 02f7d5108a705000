package telegram

import (
	"errors"
	"fmt"
)

// ErrTwoFactorRequired is returned by SignIn when the account has a
// two-step-verification password. The crawl does not prompt for it.
var ErrTwoFactorRequired = errors.New("two-factor password required")

// FloodWaitError is a server-mandated cooldown. The crawl surfaces it as
// fatal; the caller may re-invoke after Seconds have passed.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: server requires a %d second pause", e.Seconds)
}

// AsFloodWait returns the required wait seconds if err is a flood-wait error.
func AsFloodWait(err error) (int, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Seconds, true
	}
	return 0, false
}

// EntityNotFoundError means a chat reference could not be resolved to an
// accessible conversation.
type EntityNotFoundError struct {
	Ref string
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("chat not found or not accessible: %s", e.Ref)
}

// ServerError is a transient server-side failure.
type ServerError struct {
	Err error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("telegram server error: %v", e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }
