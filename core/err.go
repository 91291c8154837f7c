package core

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Errorf 返回带上下文的错误，kind可以通过Is判断
func Errorf(kind Error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}

// Wrapf 给下层错误附加上下文，不改变错误类别
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// Is reports whether err (or anything it wraps) is of the given kind.
func Is(err error, kind Error) bool {
	if err == nil {
		return false
	}
	if k, ok := errors.Cause(err).(Error); ok && k == kind {
		return true
	}
	return stderrors.Is(err, kind)
}

// Kind returns the Error kind at the root of err, or "" when err is not one of ours.
func Kind(err error) Error {
	if k, ok := errors.Cause(err).(Error); ok {
		return k
	}
	var k Error
	if stderrors.As(err, &k) {
		return k
	}
	return ""
}
