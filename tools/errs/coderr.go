package errs

import (
	"errors"
	"strconv"
	"strings"
)

// CodeError is the error currency of the realtime core. Every failure the
// gateway surfaces to a client carries a stable numeric code so callers can
// distinguish "permanently rejected" from "retry later".
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// WithDetail returns a copy carrying extra context; the original sentinel
// stays untouched so errors.Is keeps matching by code.
func (e *CodeError) WithDetail(detail string) *CodeError {
	c := *e
	if c.Detail == "" {
		c.Detail = detail
	} else {
		c.Detail += ", " + detail
	}
	return &c
}

func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// Retryable reports whether the caller may retry the failed operation with
// the same inputs.
func (e *CodeError) Retryable() bool {
	switch e.Code {
	case CodeAuthTimeout, CodeTransportDropped:
		return true
	}
	return false
}
