package engine

import (
	"errors"
	"fmt"

	"github.com/ChamsBouzaiene/conduit/internal/auth"
)

// ValidationError marks malformed caller input. Mapped to a 4xx at the HTTP
// layer and never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "invalid request: " + e.Msg }

// FatalError marks corrupt state or a programming error. The turn is aborted
// with an error frame; the process keeps running.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// AuthRequired reports whether err is a credential problem the caller has to
// fix, and for which provider.
func AuthRequired(err error) (provider string, ok bool) {
	var missing *auth.MissingError
	if errors.As(err, &missing) {
		return missing.Provider, true
	}
	var expired *auth.ExpiredError
	if errors.As(err, &expired) {
		return expired.Provider, true
	}
	return "", false
}
