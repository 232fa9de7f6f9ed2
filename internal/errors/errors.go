// Package errors provides a thin wrapping facade over github.com/pkg/errors.
package errors

import "github.com/pkg/errors"

// Wrap returns a new error annotating err with a stack trace captured at the
// call site. If err is nil, Wrap returns nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

// Wrapf annotates err with a stack trace and a formatted message. If err is
// nil, Wrapf returns nil.
func Wrapf(err error, msg string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, msg, args...)
}
