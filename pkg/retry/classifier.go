package retry

import (
	"github.com/psantana5/ffbatch/pkg/models"
)

// Action is what the worker pool does with a failed task
type Action string

const (
	RetrySameCredential  Action = "retry_same_credential"
	RetryOtherCredential Action = "retry_other_credential"
	FailPermanently      Action = "fail_permanently"
)

// Input is everything the classifier needs to decide
type Input struct {
	Kind          models.ErrorKind
	RetryCount    int // retries already spent on the task
	WriteFailures int // result sink failures including this one

	// Credential state after the outcome was reported
	ConsecutiveFailures int
	CredentialEligible  bool
}

// Limits bounds retries
type Limits struct {
	MaxRetries            int
	MaxResultWriteRetries int
	IsolationThreshold    int
}

// DefaultLimits returns the limits used when nothing is configured
func DefaultLimits() Limits {
	return Limits{
		MaxRetries:            3,
		MaxResultWriteRetries: 1,
		IsolationThreshold:    3,
	}
}

// Decision is the classifier's verdict
type Decision struct {
	Action Action
	// Isolate asks the worker to stop using its credential after this task.
	Isolate bool
	// Penalize is false when the retry is not the task's fault.
	Penalize bool
	// Fatal marks an internal state error that must fail the batch.
	Fatal  bool
	Reason string
}

// Classify maps a failure to an action. It is pure and total over ErrorKind.
func Classify(in Input, limits Limits) Decision {
	var d Decision

	switch in.Kind {
	case models.ErrorNetwork, models.ErrorProcessingTimeout, models.ErrorUnknown:
		if in.RetryCount < limits.MaxRetries {
			d = Decision{Action: RetrySameCredential, Penalize: true, Reason: "transient failure"}
		} else {
			d = Decision{Action: FailPermanently, Reason: "max retries exceeded"}
		}

	case models.ErrorQuotaExhausted:
		d = Decision{Action: RetryOtherCredential, Isolate: true, Reason: "credential quota exhausted"}

	case models.ErrorCredentialInvalid:
		d = Decision{Action: RetryOtherCredential, Isolate: true, Reason: "credential rejected"}

	case models.ErrorUnsupportedInput:
		d = Decision{Action: FailPermanently, Reason: "input not supported"}

	case models.ErrorResultWrite:
		if in.WriteFailures <= limits.MaxResultWriteRetries {
			d = Decision{Action: RetrySameCredential, Reason: "result write failed"}
		} else {
			d = Decision{Action: FailPermanently, Reason: "result write failed repeatedly"}
		}

	case models.ErrorInternalState:
		d = Decision{Action: FailPermanently, Fatal: true, Reason: "internal state error"}

	default:
		// unreachable for the closed enum; treat unknown strings as unknown
		return Classify(Input{
			Kind:                models.ErrorUnknown,
			RetryCount:          in.RetryCount,
			ConsecutiveFailures: in.ConsecutiveFailures,
			CredentialEligible:  in.CredentialEligible,
		}, limits)
	}

	if !in.CredentialEligible {
		d.Isolate = true
	}
	if limits.IsolationThreshold > 0 && in.ConsecutiveFailures >= limits.IsolationThreshold {
		d.Isolate = true
	}
	// The bound credential is going away, so a same-credential retry
	// becomes a retry elsewhere.
	if d.Isolate && d.Action == RetrySameCredential {
		d.Action = RetryOtherCredential
	}
	return d
}

// OutcomeFor maps an error kind to the outcome reported to the credential registry
func OutcomeFor(kind models.ErrorKind) models.Outcome {
	switch kind {
	case models.ErrorQuotaExhausted:
		return models.OutcomeQuotaExhausted
	case models.ErrorCredentialInvalid:
		return models.OutcomeAuthError
	case models.ErrorUnsupportedInput, models.ErrorResultWrite:
		// the remote call itself went through
		return models.OutcomeSuccess
	case models.ErrorInternalState:
		// our fault, not the credential's
		return models.OutcomeNone
	case models.ErrorNetwork, models.ErrorProcessingTimeout, models.ErrorUnknown:
		return models.OutcomeTransientError
	default:
		return models.OutcomeTransientError
	}
}
