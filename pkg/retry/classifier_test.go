package retry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/psantana5/ffbatch/pkg/models"
)

func TestClassify(t *testing.T) {
	limits := DefaultLimits()

	tests := []struct {
		name         string
		in           Input
		wantAction   Action
		wantIsolate  bool
		wantPenalize bool
		wantFatal    bool
	}{
		{
			name:         "network below max retries",
			in:           Input{Kind: models.ErrorNetwork, RetryCount: 0, CredentialEligible: true},
			wantAction:   RetrySameCredential,
			wantPenalize: true,
		},
		{
			name:       "network at max retries",
			in:         Input{Kind: models.ErrorNetwork, RetryCount: 3, CredentialEligible: true},
			wantAction: FailPermanently,
		},
		{
			name:         "timeout is transient",
			in:           Input{Kind: models.ErrorProcessingTimeout, RetryCount: 1, CredentialEligible: true},
			wantAction:   RetrySameCredential,
			wantPenalize: true,
		},
		{
			name:         "unknown is transient",
			in:           Input{Kind: models.ErrorUnknown, CredentialEligible: true},
			wantAction:   RetrySameCredential,
			wantPenalize: true,
		},
		{
			name:        "quota exhausted moves task without penalty",
			in:          Input{Kind: models.ErrorQuotaExhausted, RetryCount: 3},
			wantAction:  RetryOtherCredential,
			wantIsolate: true,
		},
		{
			name:        "invalid credential isolates",
			in:          Input{Kind: models.ErrorCredentialInvalid},
			wantAction:  RetryOtherCredential,
			wantIsolate: true,
		},
		{
			name:       "unsupported input fails immediately",
			in:         Input{Kind: models.ErrorUnsupportedInput, CredentialEligible: true},
			wantAction: FailPermanently,
		},
		{
			name:       "first result write failure retries",
			in:         Input{Kind: models.ErrorResultWrite, WriteFailures: 1, CredentialEligible: true},
			wantAction: RetrySameCredential,
		},
		{
			name:       "second result write failure fails",
			in:         Input{Kind: models.ErrorResultWrite, WriteFailures: 2, CredentialEligible: true},
			wantAction: FailPermanently,
		},
		{
			name:       "internal state is fatal",
			in:         Input{Kind: models.ErrorInternalState, CredentialEligible: true},
			wantAction: FailPermanently,
			wantFatal:  true,
		},
		{
			name:         "failure threshold isolates and moves the retry",
			in:           Input{Kind: models.ErrorNetwork, ConsecutiveFailures: 3, CredentialEligible: true},
			wantAction:   RetryOtherCredential,
			wantIsolate:  true,
			wantPenalize: true,
		},
		{
			name:         "cooled down credential isolates",
			in:           Input{Kind: models.ErrorNetwork, ConsecutiveFailures: 1, CredentialEligible: false},
			wantAction:   RetryOtherCredential,
			wantIsolate:  true,
			wantPenalize: true,
		},
		{
			name:         "unrecognised kind behaves as unknown",
			in:           Input{Kind: models.ErrorKind("martian"), CredentialEligible: true},
			wantAction:   RetrySameCredential,
			wantPenalize: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.in, limits)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantIsolate, d.Isolate, "isolate")
			assert.Equal(t, tt.wantPenalize, d.Penalize, "penalize")
			assert.Equal(t, tt.wantFatal, d.Fatal, "fatal")
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestClassifyIsTotal(t *testing.T) {
	for _, kind := range models.AllErrorKinds {
		d := Classify(Input{Kind: kind, CredentialEligible: true}, DefaultLimits())
		assert.NotEmpty(t, d.Action, "kind %s", kind)
	}
}

func TestOutcomeFor(t *testing.T) {
	assert.Equal(t, models.OutcomeQuotaExhausted, OutcomeFor(models.ErrorQuotaExhausted))
	assert.Equal(t, models.OutcomeAuthError, OutcomeFor(models.ErrorCredentialInvalid))
	assert.Equal(t, models.OutcomeTransientError, OutcomeFor(models.ErrorNetwork))
	assert.Equal(t, models.OutcomeTransientError, OutcomeFor(models.ErrorProcessingTimeout))
	assert.Equal(t, models.OutcomeSuccess, OutcomeFor(models.ErrorUnsupportedInput))
	assert.Equal(t, models.OutcomeSuccess, OutcomeFor(models.ErrorResultWrite))
	assert.Equal(t, models.OutcomeNone, OutcomeFor(models.ErrorInternalState))
}
