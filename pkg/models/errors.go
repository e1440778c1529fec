package models

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrorKind is the closed set of failure categories a task attempt can end in
type ErrorKind string

const (
	ErrorNetwork           ErrorKind = "network"
	ErrorQuotaExhausted    ErrorKind = "quota_exhausted"
	ErrorCredentialInvalid ErrorKind = "credential_invalid"
	ErrorUnsupportedInput  ErrorKind = "unsupported_input"
	ErrorProcessingTimeout ErrorKind = "processing_timeout"
	ErrorResultWrite       ErrorKind = "result_write"
	ErrorInternalState     ErrorKind = "internal_state"
	ErrorUnknown           ErrorKind = "unknown"
)

// AllErrorKinds lists every kind, used for metric label pre-registration
var AllErrorKinds = []ErrorKind{
	ErrorNetwork,
	ErrorQuotaExhausted,
	ErrorCredentialInvalid,
	ErrorUnsupportedInput,
	ErrorProcessingTimeout,
	ErrorResultWrite,
	ErrorInternalState,
	ErrorUnknown,
}

// TaskError is a classified task failure
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	cause   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.cause
}

// NewTaskError builds a classified error
func NewTaskError(kind ErrorKind, format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapTaskError classifies an existing error under kind
func WrapTaskError(kind ErrorKind, err error) *TaskError {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: kind, Message: err.Error(), cause: err}
}

// AsTaskError converts any error into a TaskError, classifying it if needed
func AsTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return WrapTaskError(KindOf(err), err)
}

// KindOf resolves the error kind of err. Typed errors win, then deadline
// errors, then message patterns.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorUnknown
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorProcessingTimeout
	}
	return ClassifyMessage(err.Error())
}

type kindPatterns struct {
	kind     ErrorKind
	patterns []*regexp.Regexp
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// Checked in order; the first match wins.
var messagePatterns = []kindPatterns{
	{ErrorQuotaExhausted, compile(
		`quota.*exceeded`,
		`rate.*limit.*exceeded`,
		`too.*many.*requests`,
		`resource.*exhausted`,
		`insufficient.*quota`,
		`usage.*limit.*exceeded`,
		`api.*limit.*reached`,
		`credit.*exhausted`,
		`billing.*account.*suspended`,
		`\b429\b`,
	)},
	{ErrorCredentialInvalid, compile(
		`authentication.*failed`,
		`invalid.*api.*key`,
		`api.*key.*not.*valid`,
		`invalid.*credentials`,
		`unauthorized`,
		`forbidden`,
		`token.*expired`,
		`signature.*invalid`,
		`\b401\b`,
		`\b403\b`,
	)},
	{ErrorUnsupportedInput, compile(
		`unsupported.*format`,
		`video.*not.*supported`,
		`invalid.*video.*format`,
		`invalid.*file.*format`,
		`video.*too.*large`,
		`file.*too.*large`,
		`file.*corrupted`,
		`file.*not.*found`,
		`no.*such.*file`,
		`content.*policy.*violation`,
		`safety.*filter.*triggered`,
		`bad.*request`,
		`\b400\b`,
		`\b422\b`,
	)},
	{ErrorResultWrite, compile(
		`disk.*full`,
		`no.*space.*left`,
	)},
	{ErrorNetwork, compile(
		`connection.*(error|reset|refused)`,
		`network.*unreachable`,
		`dns.*resolution.*failed`,
		`socket.*error`,
		`(read|write|gateway).*timeout`,
		`timeout`,
		`ssl.*error`,
		`certificate.*error`,
		`internal.*server.*error`,
		`(server|service).*unavailable`,
		`bad.*gateway`,
		`upstream.*error`,
		`broken.*pipe`,
		`\beof\b`,
		`\b50[0234]\b`,
	)},
}

// ClassifyMessage maps a free-form error message to an error kind
func ClassifyMessage(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	for _, kp := range messagePatterns {
		for _, re := range kp.patterns {
			if re.MatchString(lower) {
				return kp.kind
			}
		}
	}
	return ErrorUnknown
}
