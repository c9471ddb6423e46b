// Package errors turns arbitrary errors into short, stable metric tag values.
package errors

import (
	"context"
	goerrors "errors"
	"net"
	"reflect"
	"strings"
)

// Well-known classes that take precedence over type-name classification.
const (
	ClassTimeout  = "timeout"
	ClassCanceled = "canceled"
	ClassUnknown  = "unknown"
)

// Classify returns a normalized error class suitable for tagging metrics/logs.
// Deadline and cancellation errors map to fixed classes; anything else is
// unwrapped to its innermost concrete type and rendered as pkg_type.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case goerrors.Is(err, context.Canceled):
		return ClassCanceled
	}
	var netErr net.Error
	if goerrors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ClassUnknown
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return ClassUnknown
	}
	return name
}
