// Package budget provides soft resource accounting per phase. Zones are an
// advisory signal only: a Critical precheck is surfaced as a recommendation
// and never blocks a phase from starting.
package budget

import (
	"context"
	"sort"
	"sync"

	"github.com/vk/buildgrid/internal/ctxlog"
)

// Zone classifies utilization of the session-wide resource pool.
type Zone string

const (
	ZoneSafe     Zone = "safe"     // below 40% of the pool
	ZoneDegraded Zone = "degraded" // 40% to 80%
	ZoneCritical Zone = "critical" // above 80%
)

const (
	degradedThreshold = 0.40
	criticalThreshold = 0.80
)

// Allocation maps a phase name to its fraction of the total pool.
type Allocation map[string]float64

// PhaseUsage is one ledger row, exported for the status artifact.
type PhaseUsage struct {
	Allocated float64 `json:"allocated" yaml:"allocated"`
	Used      float64 `json:"used" yaml:"used"`
}

// Tracker accumulates usage for the lifetime of a session. All operations
// are cheap, append-only and safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	total float64
	alloc Allocation
	used  map[string]float64

	peak    float64
	samples int
	sum     float64
}

// NewTracker creates a tracker over a pool of total resource units.
func NewTracker(total float64, alloc Allocation) *Tracker {
	if alloc == nil {
		alloc = Allocation{}
	}
	return &Tracker{
		total: total,
		alloc: alloc,
		used:  make(map[string]float64),
	}
}

// Precheck classifies what session utilization would be if the phase consumed
// its estimate. Purely advisory; it never returns an error.
func (t *Tracker) Precheck(ctx context.Context, phase string, estimated float64) Zone {
	t.mu.Lock()
	defer t.mu.Unlock()

	zone := t.classify(t.usedTotalLocked() + estimated)
	ctxlog.FromContext(ctx).Debug("Budget precheck.",
		"phase", phase, "estimated", estimated, "zone", string(zone))
	return zone
}

// Record adds actual usage to the phase's ledger row. Exceeding the phase's
// allocation emits a warning, never an error.
func (t *Tracker) Record(ctx context.Context, phase string, actual float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.used[phase] += actual

	utilization := 0.0
	if t.total > 0 {
		utilization = t.usedTotalLocked() / t.total
	}
	if utilization > t.peak {
		t.peak = utilization
	}
	t.samples++
	t.sum += utilization

	allocated := t.alloc[phase] * t.total
	if allocated > 0 && t.used[phase] > allocated {
		ctxlog.FromContext(ctx).Warn("Phase exceeded its budget allocation.",
			"phase", phase,
			"used", t.used[phase],
			"allocated", allocated,
			"code", "BUDGET_EXCEEDED")
	}
}

// Utilization returns the session-wide peak and average utilization observed
// across all Record calls.
func (t *Tracker) Utilization() (peak, average float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.samples == 0 {
		return 0, 0
	}
	return t.peak, t.sum / float64(t.samples)
}

// Snapshot returns the ledger keyed by phase name, with rows for every
// allocated phase even if unused yet. Keys iterate deterministically when
// sorted by the caller.
func (t *Tracker) Snapshot() map[string]PhaseUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]PhaseUsage)
	for phase, frac := range t.alloc {
		out[phase] = PhaseUsage{Allocated: frac * t.total, Used: t.used[phase]}
	}
	for phase, used := range t.used {
		if _, ok := out[phase]; !ok {
			out[phase] = PhaseUsage{Used: used}
		}
	}
	return out
}

// Phases returns the sorted phase names present in the ledger.
func (t *Tracker) Phases() []string {
	snap := t.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Tracker) usedTotalLocked() float64 {
	total := 0.0
	for _, u := range t.used {
		total += u
	}
	return total
}

func (t *Tracker) classify(projected float64) Zone {
	if t.total <= 0 {
		return ZoneSafe
	}
	switch frac := projected / t.total; {
	case frac < degradedThreshold:
		return ZoneSafe
	case frac <= criticalThreshold:
		return ZoneDegraded
	default:
		return ZoneCritical
	}
}
