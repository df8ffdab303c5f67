// Package osuser implements OS-user discovery: a function returning a
// non-empty username, or failing. The core treats failure as FAIL status
// in audit and aborts the command.
package osuser

import (
	"errors"
	"os/user"
)

// ErrUnknown is returned when the current OS user cannot be determined.
var ErrUnknown = errors.New("osuser: could not determine current user")

// Current returns the invoking OS user's username.
func Current() (string, error) {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "", ErrUnknown
	}
	return u.Username, nil
}
