package credentials

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/ffbatch/pkg/logging"
	"github.com/psantana5/ffbatch/pkg/models"
)

var (
	// ErrNoneAvailable is returned when no credential is eligible
	ErrNoneAvailable = errors.New("no available credential")
	// ErrNotFound is returned for unknown credential IDs
	ErrNotFound = errors.New("credential not found")
	// ErrAlreadyClaimed is returned when a credential is bound to another worker
	ErrAlreadyClaimed = errors.New("credential already claimed")
	// ErrIneligible is returned when claiming a credential that cannot be used
	ErrIneligible = errors.New("credential not eligible")
	// ErrDuplicate is returned when the same secret is registered twice
	ErrDuplicate = errors.New("credential already registered")
)

// Config controls cooldown and isolation behaviour
type Config struct {
	QuotaCooldown     time.Duration // how long an exhausted credential rests before retrying
	TransientCooldown time.Duration // rest after FailureThreshold consecutive transient errors
	FailureThreshold  int
	QuotaEstimate     int // initial EstimatedRemaining, 0 means unknown
}

// DefaultConfig returns the registry defaults
func DefaultConfig() Config {
	return Config{
		QuotaCooldown:     time.Hour,
		TransientCooldown: time.Minute,
		FailureThreshold:  3,
	}
}

// Lease is the usable handle a worker gets for a credential
type Lease struct {
	ID     string
	Label  string
	Secret string
}

// String never prints the secret
func (l Lease) String() string {
	return l.ID
}

// Event describes one registry mutation
type Event struct {
	Credential models.Credential
	Previous   models.CredentialStatus
	Outcome    models.Outcome
	At         time.Time
}

// EligibilityChanged reports whether the event moved the credential in or out of the pool
func (e Event) EligibilityChanged() bool {
	return (e.Previous == models.CredentialActive) != (e.Credential.Status == models.CredentialActive)
}

// Observer receives registry events. Delivery is synchronous, after the
// registry lock is released; observers must not block.
type Observer func(Event)

type entry struct {
	cred      models.Credential
	secret    string
	claimedBy string
}

// Registry owns every credential of a batch and their live quota state.
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	next    int

	obsMu     sync.RWMutex
	observers []Observer
	changed   chan struct{}

	now    func() time.Time
	logger *logging.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(cfg Config, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		cfg:     cfg,
		entries: make(map[string]*entry),
		changed: make(chan struct{}, 1),
		now:     time.Now,
		logger:  logger.WithComponent("credentials"),
	}
}

// SetClock overrides the time source
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Register adds a credential. Label defaults to the masked secret.
func (r *Registry) Register(secret, label string) (models.Credential, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return models.Credential{}, fmt.Errorf("empty credential secret")
	}
	id := models.Fingerprint(secret)
	if label == "" {
		label = models.Mask(secret)
	}

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return models.Credential{}, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	remaining := models.UnknownQuota
	if r.cfg.QuotaEstimate > 0 {
		remaining = r.cfg.QuotaEstimate
	}
	e := &entry{
		secret: secret,
		cred: models.Credential{
			ID:                 id,
			Label:              label,
			Order:              r.next,
			Status:             models.CredentialActive,
			EstimatedRemaining: remaining,
			RegisteredAt:       r.now(),
		},
	}
	r.next++
	r.entries[id] = e
	out := e.cred.Clone()
	r.mu.Unlock()

	r.logger.Info("Credential registered", logging.Fields{"credential": id, "label": label})
	r.emit([]Event{{Credential: out, At: out.RegisteredAt}})
	return out, nil
}

// Len returns the number of registered credentials
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Select returns the eligible credential with the fewest requests used,
// earliest registration breaking ties.
func (r *Registry) Select() (Lease, error) {
	r.mu.Lock()
	events := r.refreshLocked()
	eligible := r.eligibleLocked(false)
	var lease Lease
	if len(eligible) > 0 {
		lease = eligible[0].lease()
	}
	r.mu.Unlock()

	r.emit(events)
	if len(eligible) == 0 {
		return Lease{}, ErrNoneAvailable
	}
	return lease, nil
}

// Available returns eligible credentials not bound to a worker, in selection order
func (r *Registry) Available() []models.Credential {
	r.mu.Lock()
	events := r.refreshLocked()
	entries := r.eligibleLocked(true)
	out := make([]models.Credential, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.cred.Clone())
	}
	r.mu.Unlock()

	r.emit(events)
	return out
}

// Claim binds a credential to owner. A credential has at most one owner.
func (r *Registry) Claim(id, owner string) (Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Lease{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.claimedBy != "" && e.claimedBy != owner {
		return Lease{}, fmt.Errorf("%w: %s held by %s", ErrAlreadyClaimed, id, e.claimedBy)
	}
	if !e.cred.Eligible(r.now()) {
		return Lease{}, fmt.Errorf("%w: %s is %s", ErrIneligible, id, e.cred.Status)
	}
	e.claimedBy = owner
	return e.lease(), nil
}

// Release unbinds a credential from owner
func (r *Registry) Release(id, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok && e.claimedBy == owner {
		e.claimedBy = ""
	}
}

// ClaimedBy returns the current owner of a credential
func (r *Registry) ClaimedBy(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.claimedBy
	}
	return ""
}

// IsEligible reports whether id may currently be used
func (r *Registry) IsEligible(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.cred.Eligible(r.now())
}

// ReportOutcome applies the result of one request to a credential
func (r *Registry) ReportOutcome(id string, outcome models.Outcome) (models.Credential, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return models.Credential{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	now := r.now()
	c := &e.cred
	prev := c.Status
	c.LastUsedAt = &now

	switch outcome {
	case models.OutcomeSuccess:
		c.ConsecutiveFailures = 0
		c.RequestsUsed++
		c.SuccessfulRequests++
		c.LastSuccessAt = &now
		if c.EstimatedRemaining > 0 {
			c.EstimatedRemaining--
		}

	case models.OutcomeQuotaExhausted:
		c.FailedRequests++
		c.QuotaExhaustedCount++
		c.LastFailureAt = &now
		c.EstimatedRemaining = 0
		if c.Status != models.CredentialInvalid {
			c.Status = models.CredentialQuotaExhausted
			c.CooldownUntil = r.cooldown(now, r.cfg.QuotaCooldown)
		}

	case models.OutcomeAuthError:
		c.FailedRequests++
		c.LastFailureAt = &now
		c.Status = models.CredentialInvalid
		c.CooldownUntil = nil

	case models.OutcomeTransientError:
		c.FailedRequests++
		c.ConsecutiveFailures++
		c.LastFailureAt = &now
		if c.Status == models.CredentialActive && r.cfg.FailureThreshold > 0 &&
			c.ConsecutiveFailures >= r.cfg.FailureThreshold {
			c.Status = models.CredentialCooldown
			c.CooldownUntil = r.cooldown(now, r.cfg.TransientCooldown)
		}

	case models.OutcomeNone:

	default:
		r.mu.Unlock()
		return models.Credential{}, fmt.Errorf("unknown outcome %q", outcome)
	}

	out := c.Clone()
	r.mu.Unlock()

	if prev != out.Status {
		r.logger.Warn("Credential status changed", logging.Fields{
			"credential": out.ID,
			"from":       prev,
			"to":         out.Status,
			"outcome":    outcome,
		})
	}
	r.emit([]Event{{Credential: out, Previous: prev, Outcome: outcome, At: now}})
	return out, nil
}

// Suspend takes an active credential out of service for d, the way a
// worker isolates a credential that keeps failing. A zero d falls back to
// the transient cooldown.
func (r *Registry) Suspend(id string, d time.Duration) (models.Credential, error) {
	if d <= 0 {
		d = r.cfg.TransientCooldown
	}
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return models.Credential{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := r.now()
	c := &e.cred
	prev := c.Status
	if c.Status != models.CredentialActive {
		out := c.Clone()
		r.mu.Unlock()
		return out, nil
	}
	c.Status = models.CredentialCooldown
	c.CooldownUntil = r.cooldown(now, d)
	out := c.Clone()
	r.mu.Unlock()

	r.logger.Warn("Credential suspended", logging.Fields{"credential": id, "duration": d.String()})
	r.emit([]Event{{Credential: out, Previous: prev, At: now}})
	return out, nil
}

// cooldown returns nil for a zero duration, which keeps the credential out
// until the next batch.
func (r *Registry) cooldown(now time.Time, d time.Duration) *time.Time {
	if d <= 0 {
		return nil
	}
	t := now.Add(d)
	return &t
}

// Refresh returns credentials whose cooldown has expired to service.
// It returns how many recovered.
func (r *Registry) Refresh() int {
	r.mu.Lock()
	events := r.refreshLocked()
	r.mu.Unlock()

	r.emit(events)
	return len(events)
}

func (r *Registry) refreshLocked() []Event {
	now := r.now()
	var events []Event
	for _, e := range r.entries {
		c := &e.cred
		if c.Status != models.CredentialQuotaExhausted && c.Status != models.CredentialCooldown {
			continue
		}
		if c.CooldownUntil == nil || now.Before(*c.CooldownUntil) {
			continue
		}
		prev := c.Status
		if prev == models.CredentialQuotaExhausted {
			c.EstimatedRemaining = models.UnknownQuota
			if r.cfg.QuotaEstimate > 0 {
				c.EstimatedRemaining = r.cfg.QuotaEstimate
			}
		}
		c.Status = models.CredentialActive
		c.ConsecutiveFailures = 0
		c.CooldownUntil = nil
		events = append(events, Event{Credential: c.Clone(), Previous: prev, At: now})
		r.logger.Info("Credential back in service", logging.Fields{"credential": c.ID, "from": prev})
	}
	return events
}

// eligibleLocked returns eligible entries ordered by requests used, then
// registration order.
func (r *Registry) eligibleLocked(unclaimedOnly bool) []*entry {
	now := r.now()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.cred.Eligible(now) {
			continue
		}
		if unclaimedOnly && e.claimedBy != "" {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].cred, out[j].cred
		if a.RequestsUsed != b.RequestsUsed {
			return a.RequestsUsed < b.RequestsUsed
		}
		return a.Order < b.Order
	})
	return out
}

// EligibleCount returns how many credentials may currently be used
func (r *Registry) EligibleCount() int {
	r.mu.Lock()
	events := r.refreshLocked()
	n := len(r.eligibleLocked(false))
	r.mu.Unlock()

	r.emit(events)
	return n
}

// NextEligibleAt returns the earliest cooldown expiry, if any credential
// is waiting on one.
func (r *Registry) NextEligibleAt() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next time.Time
	found := false
	for _, e := range r.entries {
		c := e.cred
		if c.Status == models.CredentialInvalid || c.CooldownUntil == nil {
			continue
		}
		if !found || c.CooldownUntil.Before(next) {
			next = *c.CooldownUntil
			found = true
		}
	}
	return next, found
}

// Get returns a copy of one credential
func (r *Registry) Get(id string) (models.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return models.Credential{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.cred.Clone(), nil
}

// Snapshot returns copies of every credential in registration order
func (r *Registry) Snapshot() []models.Credential {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Credential, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.cred.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Restore applies checkpointed state to already registered credentials.
// Credentials absent from the registry (secret not supplied) are skipped.
func (r *Registry) Restore(saved []models.Credential) int {
	r.mu.Lock()
	var events []Event
	restored := 0
	for _, s := range saved {
		e, ok := r.entries[s.ID]
		if !ok {
			r.logger.Warn("Checkpointed credential not configured, skipping", logging.Fields{"credential": s.ID})
			continue
		}
		prev := e.cred.Status
		order, label := e.cred.Order, e.cred.Label
		e.cred = s.Clone()
		e.cred.Order = order
		if label != "" {
			e.cred.Label = label
		}
		restored++
		events = append(events, Event{Credential: e.cred.Clone(), Previous: prev, At: r.now()})
	}
	events = append(events, r.refreshLocked()...)
	r.mu.Unlock()

	r.emit(events)
	return restored
}

// Subscribe registers an observer for every future mutation
func (r *Registry) Subscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

// Changed is signalled whenever a credential enters or leaves the eligible set
func (r *Registry) Changed() <-chan struct{} {
	return r.changed
}

func (r *Registry) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()

	signal := false
	for _, ev := range events {
		if ev.EligibilityChanged() {
			signal = true
		}
		for _, o := range observers {
			o(ev)
		}
	}
	if signal {
		select {
		case r.changed <- struct{}{}:
		default:
		}
	}
}

func (e *entry) lease() Lease {
	return Lease{ID: e.cred.ID, Label: e.cred.Label, Secret: e.secret}
}
