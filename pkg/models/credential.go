package models

import (
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// CredentialStatus represents the health of a credential
type CredentialStatus string

const (
	CredentialActive         CredentialStatus = "active"
	CredentialQuotaExhausted CredentialStatus = "quota_exhausted"
	CredentialInvalid        CredentialStatus = "invalid"
	CredentialCooldown       CredentialStatus = "cooldown"
)

// Outcome is the credential-level result of one request
type Outcome string

const (
	OutcomeNone           Outcome = ""
	OutcomeSuccess        Outcome = "success"
	OutcomeQuotaExhausted Outcome = "quota_exhausted"
	OutcomeTransientError Outcome = "transient_error"
	OutcomeAuthError      Outcome = "auth_error"
)

// UnknownQuota marks a credential whose remaining quota cannot be estimated
const UnknownQuota = -1

// Credential is the live quota and health view of one access token.
// The secret itself never lives here.
type Credential struct {
	ID                  string           `json:"id"`
	Label               string           `json:"label"`
	Order               int              `json:"order"`
	Status              CredentialStatus `json:"status"`
	RequestsUsed        int              `json:"requests_used"`
	EstimatedRemaining  int              `json:"estimated_remaining"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	CooldownUntil       *time.Time       `json:"cooldown_until,omitempty"`
	RegisteredAt        time.Time        `json:"registered_at"`

	SuccessfulRequests  int        `json:"successful_requests"`
	FailedRequests      int        `json:"failed_requests"`
	QuotaExhaustedCount int        `json:"quota_exhausted_count"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}

// Eligible reports whether the credential may be handed to a worker at now
func (c *Credential) Eligible(now time.Time) bool {
	if c.Status != CredentialActive {
		return false
	}
	return c.CooldownUntil == nil || !now.Before(*c.CooldownUntil)
}

// SuccessRate returns the share of successful requests in percent
func (c *Credential) SuccessRate() float64 {
	total := c.SuccessfulRequests + c.FailedRequests
	if total == 0 {
		return 0
	}
	return float64(c.SuccessfulRequests) / float64(total) * 100
}

// Clone returns a deep copy
func (c *Credential) Clone() Credential {
	out := *c
	out.CooldownUntil = cloneTime(c.CooldownUntil)
	out.LastUsedAt = cloneTime(c.LastUsedAt)
	out.LastSuccessAt = cloneTime(c.LastSuccessAt)
	out.LastFailureAt = cloneTime(c.LastFailureAt)
	return out
}

// Fingerprint derives a stable, non-reversible credential ID from a secret
func Fingerprint(secret string) string {
	sum := blake2b.Sum256([]byte(strings.TrimSpace(secret)))
	return "cred-" + hex.EncodeToString(sum[:6])
}

// Mask renders a secret for display: first and last four characters only
func Mask(secret string) string {
	secret = strings.TrimSpace(secret)
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
