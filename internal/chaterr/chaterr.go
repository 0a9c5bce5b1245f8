// Package chaterr defines the typed errors a dialog handler may raise. Every
// kind is recoverable at the conversation layer; the dispatcher maps each one
// to a user-facing message.
package chaterr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	IllegalCharacter   Kind = "ILLEGAL_CHARACTER"
	TooManyCharacters  Kind = "TOO_MANY_CHARACTERS"
	DuplicateName      Kind = "DUPLICATE_NAME"
	InvalidDateFormat  Kind = "INVALID_DATE_FORMAT"
	InvalidDate        Kind = "INVALID_DATE"
	NoCups             Kind = "NO_CUPS"
	NoActiveCups       Kind = "NO_ACTIVE_CUPS"
	NoJoinedCups       Kind = "NO_JOINED_CUPS"
	TooFewPlayers      Kind = "TOO_FEW_PLAYERS_IN_CUP"
	CacheInvalidFormat Kind = "CACHE_INVALID_FORMAT"
	CacheEmpty         Kind = "CACHE_EMPTY"
	UnavailablePlayer  Kind = "UNAVAILABLE_PLAYER"
	IllegalAction      Kind = "ILLEGAL_ACTION"
	InsufficientRights Kind = "INSUFFICIENT_RIGHTS"
)

// ChatError carries a kind and an optional payload used when rendering the
// user-facing message (max length, required player count, expected format).
type ChatError struct {
	Kind Kind
	Data any
}

func (e *ChatError) Error() string {
	if e.Data == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Data)
}

func New(kind Kind) *ChatError {
	return &ChatError{Kind: kind}
}

func NewWithData(kind Kind, data any) *ChatError {
	return &ChatError{Kind: kind, Data: data}
}

// As unwraps err into a *ChatError if it is one.
func As(err error) (*ChatError, bool) {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Is reports whether err is a ChatError of the given kind.
func Is(err error, kind Kind) bool {
	ce, ok := As(err)
	return ok && ce.Kind == kind
}
