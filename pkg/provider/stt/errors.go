package stt

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a recognition failure.
type ErrorCode string

// Error codes reported by providers.
const (
	CodeNoSpeech             ErrorCode = "no-speech"
	CodeAborted              ErrorCode = "aborted"
	CodeAudioCapture         ErrorCode = "audio-capture"
	CodeNetwork              ErrorCode = "network"
	CodeNotAllowed           ErrorCode = "not-allowed"
	CodeServiceNotAllowed    ErrorCode = "service-not-allowed"
	CodeLanguageNotSupported ErrorCode = "language-not-supported"
)

// Error is a classified provider failure.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "stt: " + string(e.Code)
	}
	return fmt.Sprintf("stt: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the code of the first [*Error] in err's chain, or "" if
// there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
