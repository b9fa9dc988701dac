package crm

import (
	"errors"
	"fmt"
)

type Error struct {
	Method     string
	StatusCode int
	Code       string
	Message    string
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	msg := "crm " + e.Method
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
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

func IsTransient(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Transient
	}
	return err != nil
}
