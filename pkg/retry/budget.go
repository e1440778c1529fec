package retry

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Budget caps how many task retries a batch may spend per hour and per day.
// A zero limit disables that window.
type Budget struct {
	mu     sync.Mutex
	hourly *rate.Limiter
	daily  *rate.Limiter
	spent  int
	denied int
}

// NewBudget creates a retry budget
func NewBudget(perHour, perDay int) *Budget {
	b := &Budget{}
	if perHour > 0 {
		b.hourly = rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour)
	}
	if perDay > 0 {
		b.daily = rate.NewLimiter(rate.Every(24*time.Hour/time.Duration(perDay)), perDay)
	}
	return b
}

// Allow consumes one retry if both windows have room
func (b *Budget) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var taken []*rate.Reservation
	for _, l := range []*rate.Limiter{b.hourly, b.daily} {
		if l == nil {
			continue
		}
		r := l.ReserveN(now, 1)
		if !r.OK() || r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			for _, prev := range taken {
				prev.CancelAt(now)
			}
			b.denied++
			return false
		}
		taken = append(taken, r)
	}
	b.spent++
	return true
}

// Stats returns how many retries were granted and refused
func (b *Budget) Stats() (spent, denied int) {
	if b == nil {
		return 0, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent, b.denied
}
