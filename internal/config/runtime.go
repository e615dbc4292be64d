package config

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/models"
)

// Override keys accepted by Runtime.Set.
const (
	KeyTickInterval        = "tick_interval"
	KeyUnknownAfter        = "unknown_after"
	KeyDismissRetries      = "dismiss_retries"
	KeyWarmup              = "warmup"
	KeyFlowDeadline        = "flow_deadline"
	KeyPaidRefillsPerBlock = "paid_refills_per_block"
	KeyConsensusTolerance  = "consensus_tolerance"
)

type overrideKind int

const (
	kindDuration overrideKind = iota
	kindInt
)

var runtimeKeys = map[string]overrideKind{
	KeyTickInterval:        kindDuration,
	KeyUnknownAfter:        kindDuration,
	KeyDismissRetries:      kindInt,
	KeyWarmup:              kindDuration,
	KeyFlowDeadline:        kindDuration,
	KeyPaidRefillsPerBlock: kindInt,
	KeyConsensusTolerance:  kindInt,
}

type override struct {
	Raw       string
	Duration  time.Duration
	Int       int
	ExpiresAt time.Time // zero means no expiry
}

func (o override) expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

// OverrideView is the API-facing snapshot of one active override.
type OverrideView struct {
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Runtime serves tunable parameters. Values come from the profile unless an
// active override shadows them; overrides expire lazily at read time.
type Runtime struct {
	mu        sync.Mutex
	base      Tunables
	overrides map[string]override
	now       func() time.Time
}

// NewRuntime wraps the profile tunables.
func NewRuntime(base Tunables) *Runtime {
	return &Runtime{
		base:      base,
		overrides: make(map[string]override),
		now:       time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (r *Runtime) WithClock(now func() time.Time) *Runtime {
	r.now = now
	return r
}

// Set installs an override. ttl <= 0 means the override has no expiry.
func (r *Runtime) Set(key, value string, ttl time.Duration) error {
	kind, ok := runtimeKeys[key]
	if !ok {
		return fmt.Errorf("runtime: %w: %s", models.ErrUnknownOverride, key)
	}
	o := override{Raw: value}
	switch kind {
	case kindDuration:
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("runtime: %s needs a positive duration, got %q", key, value)
		}
		o.Duration = d
	case kindInt:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("runtime: %s needs a non-negative integer, got %q", key, value)
		}
		o.Int = n
	}
	if ttl > 0 {
		o.ExpiresAt = r.now().Add(ttl)
	}
	r.mu.Lock()
	r.overrides[key] = o
	r.mu.Unlock()
	slog.Info("Runtime.Set: override installed", "key", key, "value", value, "ttl", ttl)
	return nil
}

// Delete removes an override if present.
func (r *Runtime) Delete(key string) error {
	if _, ok := runtimeKeys[key]; !ok {
		return fmt.Errorf("runtime: %w: %s", models.ErrUnknownOverride, key)
	}
	r.mu.Lock()
	delete(r.overrides, key)
	r.mu.Unlock()
	slog.Info("Runtime.Delete: override removed", "key", key)
	return nil
}

// Active lists the overrides that have not expired, sorted by key.
func (r *Runtime) Active() []OverrideView {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	views := make([]OverrideView, 0, len(r.overrides))
	for key, o := range r.overrides {
		if o.expired(now) {
			delete(r.overrides, key)
			continue
		}
		v := OverrideView{Key: key, Value: o.Raw}
		if !o.ExpiresAt.IsZero() {
			exp := o.ExpiresAt
			v.ExpiresAt = &exp
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Key < views[j].Key })
	return views
}

func (r *Runtime) duration(key string, base Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.overrides[key]; ok {
		if o.expired(r.now()) {
			delete(r.overrides, key)
		} else {
			return o.Duration
		}
	}
	return base.Std()
}

func (r *Runtime) integer(key string, base int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.overrides[key]; ok {
		if o.expired(r.now()) {
			delete(r.overrides, key)
		} else {
			return o.Int
		}
	}
	return base
}

// TickInterval is the sampling loop period.
func (r *Runtime) TickInterval() time.Duration {
	return r.duration(KeyTickInterval, r.base.TickInterval)
}

// UnknownAfter is how long sustained unknown classification persists before a
// recovery episode starts.
func (r *Runtime) UnknownAfter() time.Duration {
	return r.duration(KeyUnknownAfter, r.base.UnknownAfter)
}

// DismissRetries bounds overlay dismiss attempts per recovery episode.
func (r *Runtime) DismissRetries() int {
	return r.integer(KeyDismissRetries, r.base.DismissRetries)
}

// Warmup is the settle delay after an application restart.
func (r *Runtime) Warmup() time.Duration {
	return r.duration(KeyWarmup, r.base.Warmup)
}

// FlowDeadline caps the run time of a dispatched flow.
func (r *Runtime) FlowDeadline() time.Duration {
	return r.duration(KeyFlowDeadline, r.base.FlowDeadline)
}

// PaidRefillsPerBlock caps paid energy refills within one calendar block.
func (r *Runtime) PaidRefillsPerBlock() int {
	return r.integer(KeyPaidRefillsPerBlock, r.base.PaidRefillsPerBlock)
}

// ConsensusTolerance is the max spread accepted by the numeric signal buffer.
func (r *Runtime) ConsensusTolerance() int {
	return r.integer(KeyConsensusTolerance, r.base.ConsensusTolerance)
}
