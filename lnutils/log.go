package lnutils

import (
	"strings"

	"github.com/davecgh/go-spew/spew"
)

// LogClosure is used to provide a closure over expensive logging operations so
// don't have to be performed when the logging level doesn't warrant it.
type LogClosure func() string

// String invokes the underlying function and returns the result.
func (c LogClosure) String() string {
	return c()
}

// NewLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func NewLogClosure(c func() string) LogClosure {
	return LogClosure(c)
}

// SpewLogClosure takes an interface and returns the string of it created from
// `spew.Sdump` in a LogClosure.
func SpewLogClosure(a any) LogClosure {
	return func() string {
		return spew.Sdump(a)
	}
}

// KeysLogClosure renders a list of entity keys compactly, eliding the middle
// of long lists.
func KeysLogClosure(keys []string) LogClosure {
	const maxShown = 8

	return func() string {
		if len(keys) <= maxShown {
			return "[" + strings.Join(keys, " ") + "]"
		}

		head := strings.Join(keys[:maxShown/2], " ")
		tail := strings.Join(keys[len(keys)-maxShown/2:], " ")

		return "[" + head + " ... " + tail + "]"
	}
}
