package idp

import "fmt"

// Error is a failed IdP exchange. Code and Description carry the OAuth error
// parameters when the IdP returned them; Err carries the underlying failure
// otherwise.
type Error struct {
	Op          string
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("idp %s: %v", e.Op, e.Err)
	case e.Description != "":
		return fmt.Sprintf("idp %s: %s: %s", e.Op, e.Code, e.Description)
	default:
		return fmt.Sprintf("idp %s: %s", e.Op, e.Code)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}
