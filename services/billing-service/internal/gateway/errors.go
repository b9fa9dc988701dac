package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	// Transient failures leave local state untouched; the next pass retries.
	Transient Kind = iota + 1
	// Definitive failures are provider rejections of the request itself.
	Definitive
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Definitive:
		return "definitive"
	default:
		return "unknown"
	}
}

type Error struct {
	Op         string
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gateway %s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying on a later pass. Errors that did not
// come from the gateway boundary are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == Transient
	}
	return true
}

func IsDefinitive(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == Definitive
}

func classify(status int) Kind {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return Transient
	case status >= 400:
		return Definitive
	default:
		return Transient
	}
}
