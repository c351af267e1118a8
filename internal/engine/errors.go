package engine

import "fmt"

// ValidationError reports missing or malformed input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// InvalidStateError reports an action against an episode in the wrong state.
type InvalidStateError struct {
	Msg string
}

func (e InvalidStateError) Error() string { return e.Msg }

var (
	errNoWaitingEpisode  = InvalidStateError{Msg: "no verification found in waiting-for-release status"}
	errNoOpenEpisode     = InvalidStateError{Msg: "no open verification for subject"}
	errNoVerifiedEpisode = InvalidStateError{Msg: "no verified verification for subject"}
	errAwaitingRelease   = InvalidStateError{Msg: "verification is waiting for release and cannot be rescheduled"}
)

func required(field string) error {
	return ValidationError{Field: field, Msg: "is required"}
}
