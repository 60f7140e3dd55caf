// Package quota enforces per-user generation allowances tied to a
// subscription tier. Reservations are spent on attempted turns, not only
// successful ones; nothing here refunds a failed generation.
package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IceDan98/Dualis/internal/observability"
)

// Tier is a subscription plan as seen by this core: a name and how many
// generations the plan allows per billing day. Allowance <= 0 means
// unlimited.
type Tier struct {
	Name           string
	DailyAllowance int
}

// Default plans, matching the product's published tiers.
var (
	TierFree    = Tier{Name: "Free", DailyAllowance: 20}
	TierBasic   = Tier{Name: "Basic", DailyAllowance: 100}
	TierPremium = Tier{Name: "Premium", DailyAllowance: 500}
	TierVIP     = Tier{Name: "VIP", DailyAllowance: -1}
)

var ErrTierNotFound = errors.New("no subscription tier for user")

// Source resolves a user's current tier. The billing service owns tier
// changes and period rollover; this core only reads.
type Source interface {
	TierFor(userID string) (Tier, error)
}

// StaticSource serves tiers from an in-memory map with a default tier for
// unknown users. It stands in for the real subscription service.
type StaticSource struct {
	mu      sync.RWMutex
	byUser  map[string]Tier
	defTier *Tier
}

func NewStaticSource(defaultTier *Tier) *StaticSource {
	return &StaticSource{byUser: make(map[string]Tier), defTier: defaultTier}
}

func (s *StaticSource) Assign(userID string, tier Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[userID] = tier
}

func (s *StaticSource) TierFor(userID string) (Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.byUser[userID]; ok {
		return t, nil
	}
	if s.defTier != nil {
		return *s.defTier, nil
	}
	return Tier{}, ErrTierNotFound
}

type Reason string

const (
	ReasonQuotaExhausted Reason = "quota_exhausted"
	ReasonTierNotFound   Reason = "tier_not_found"
)

// Decision is the result of one reservation attempt. Remaining is -1 for
// unlimited tiers.
type Decision struct {
	Allowed   bool
	Reason    Reason
	Tier      Tier
	Remaining int
}

type periodKey struct {
	userID string
	day    string
}

// Enforcer tracks per-(user, UTC day) usage counters. Check and decrement
// happen as one read-modify-write under the lock, so concurrent turns for
// the same user cannot double-spend.
type Enforcer struct {
	source  Source
	metrics *observability.Metrics

	mu       sync.Mutex
	counters map[periodKey]int

	now func() time.Time
}

func NewEnforcer(source Source, metrics *observability.Metrics) *Enforcer {
	return &Enforcer{
		source:   source,
		metrics:  metrics,
		counters: make(map[periodKey]int),
		now:      time.Now,
	}
}

// Reserve atomically spends one generation from the user's current period
// allowance. The reservation is kept regardless of how the downstream
// generation ends.
func (e *Enforcer) Reserve(userID string) Decision {
	tier, err := e.source.TierFor(userID)
	if err != nil {
		e.countDenial(ReasonTierNotFound)
		return Decision{Allowed: false, Reason: ReasonTierNotFound}
	}
	if tier.DailyAllowance <= 0 {
		return Decision{Allowed: true, Tier: tier, Remaining: -1}
	}

	key := periodKey{userID: userID, day: e.now().UTC().Format("2006-01-02")}

	e.mu.Lock()
	defer e.mu.Unlock()
	remaining, ok := e.counters[key]
	if !ok {
		remaining = tier.DailyAllowance
	}
	if remaining <= 0 {
		e.countDenial(ReasonQuotaExhausted)
		return Decision{Allowed: false, Reason: ReasonQuotaExhausted, Tier: tier, Remaining: 0}
	}
	remaining--
	e.counters[key] = remaining
	return Decision{Allowed: true, Tier: tier, Remaining: remaining}
}

// Remaining reports the user's unspent allowance for the current period
// without consuming any. Returns -1 for unlimited tiers.
func (e *Enforcer) Remaining(userID string) (int, error) {
	tier, err := e.source.TierFor(userID)
	if err != nil {
		return 0, err
	}
	if tier.DailyAllowance <= 0 {
		return -1, nil
	}
	key := periodKey{userID: userID, day: e.now().UTC().Format("2006-01-02")}
	e.mu.Lock()
	defer e.mu.Unlock()
	if remaining, ok := e.counters[key]; ok {
		return remaining, nil
	}
	return tier.DailyAllowance, nil
}

// StartJanitor drops counters from past periods so the map does not grow
// without bound.
func (e *Enforcer) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.dropStale()
			}
		}
	}()
}

func (e *Enforcer) dropStale() {
	today := e.now().UTC().Format("2006-01-02")
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.counters {
		if k.day != today {
			delete(e.counters, k)
		}
	}
}

func (e *Enforcer) countDenial(r Reason) {
	if e.metrics != nil {
		e.metrics.QuotaDenials.WithLabelValues(string(r)).Inc()
	}
}
