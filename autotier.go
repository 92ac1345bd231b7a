package snapllm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"
)

// TieringPolicy selects how contexts move between tiers.
type TieringPolicy int

const (
	// PolicyAccessFrequency promotes by access count in the current
	// window.
	PolicyAccessFrequency TieringPolicy = iota
	// PolicyRecency promotes by time since last access.
	PolicyRecency
	// PolicyAdaptive combines both with tier-pressure triggers.
	PolicyAdaptive
)

// AutoTieringConfig tunes the policy worker.
type AutoTieringConfig struct {
	Policy TieringPolicy

	CheckInterval time.Duration
	// Recency windows.
	HotThreshold  time.Duration
	WarmThreshold time.Duration
	ColdThreshold time.Duration

	// Frequency thresholds per window.
	HotAccessCount  uint64
	WarmAccessCount uint64

	// Pressure handling.
	GPUPressureThreshold float64
	CPUPressureThreshold float64
	TargetUtilization    float64

	MaxHotContexts int
}

// DefaultAutoTieringConfig is the balanced preset.
func DefaultAutoTieringConfig() AutoTieringConfig {
	return AutoTieringConfig{
		Policy:               PolicyAdaptive,
		CheckInterval:        60 * time.Second,
		HotThreshold:         5 * time.Minute,
		WarmThreshold:        time.Hour,
		ColdThreshold:        24 * time.Hour,
		HotAccessCount:       10,
		WarmAccessCount:      3,
		GPUPressureThreshold: 0.85,
		CPUPressureThreshold: 0.90,
		TargetUtilization:    0.70,
		MaxHotContexts:       10,
	}
}

// AggressiveAutoTieringConfig tiers early and often.
func AggressiveAutoTieringConfig() AutoTieringConfig {
	c := DefaultAutoTieringConfig()
	c.CheckInterval = 30 * time.Second
	c.HotThreshold = 2 * time.Minute
	c.WarmThreshold = 10 * time.Minute
	c.GPUPressureThreshold = 0.75
	c.CPUPressureThreshold = 0.85
	return c
}

// ConservativeAutoTieringConfig tiers late.
func ConservativeAutoTieringConfig() AutoTieringConfig {
	c := DefaultAutoTieringConfig()
	c.CheckInterval = 2 * time.Minute
	c.HotThreshold = 10 * time.Minute
	c.WarmThreshold = 2 * time.Hour
	c.GPUPressureThreshold = 0.95
	c.CPUPressureThreshold = 0.95
	return c
}

// TieringDecision is one promotion or demotion emitted by the policy.
type TieringDecision struct {
	ContextID   string     `json:"contextId"`
	CurrentTier MemoryTier `json:"currentTier"`
	TargetTier  MemoryTier `json:"targetTier"`
	Reason      string     `json:"reason"`
}

// IsPromotion reports a move to a hotter tier.
func (d TieringDecision) IsPromotion() bool { return d.TargetTier > d.CurrentTier }

// IsDemotion reports a move to a colder tier.
func (d TieringDecision) IsDemotion() bool { return d.TargetTier < d.CurrentTier }

// TieringCallback receives applied decisions.
type TieringCallback func(TieringDecision)

// TieringSummary snapshots the worker's counters.
type TieringSummary struct {
	Contexts           int       `json:"contexts"`
	Promotions         uint64    `json:"promotions"`
	Demotions          uint64    `json:"demotions"`
	EmergencyDemotions uint64    `json:"emergencyDemotions"`
	LastCheck          time.Time `json:"lastCheck"`
}

type contextAccess struct {
	id             string
	totalAccesses  uint64
	windowAccesses uint64
	lastAccess     time.Time
	createdAt      time.Time
	tier           MemoryTier
	bytes          int64
}

func (c contextAccess) accessRate(now time.Time) float64 {
	age := now.Sub(c.createdAt).Seconds()
	if age <= 0 {
		return 0
	}
	return float64(c.totalAccesses) / age
}

// AutoTiering watches context access statistics on a single background
// goroutine and emits promotion/demotion decisions. Each check takes a
// snapshot under lock, computes decisions lock-free, then publishes
// them through the registered callbacks.
type AutoTiering struct {
	alloc *TieredAllocator
	cfg   AutoTieringConfig

	mu    sync.Mutex
	stats map[string]*contextAccess

	cbMu      sync.Mutex
	cbs       []TieringCallback
	lastCheck time.Time

	promotions         atomic.Uint64
	demotions          atomic.Uint64
	emergencyDemotions atomic.Uint64

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// NewAutoTiering builds the policy worker over the allocator.
func NewAutoTiering(alloc *TieredAllocator, cfg AutoTieringConfig) *AutoTiering {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultAutoTieringConfig().CheckInterval
	}
	return &AutoTiering{
		alloc: alloc,
		cfg:   cfg,
		stats: map[string]*contextAccess{},
	}
}

// OnDecision registers a callback for applied decisions.
func (t *AutoTiering) OnDecision(cb TieringCallback) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.cbs = append(t.cbs, cb)
}

// Start launches the background worker; it is a no-op when running.
func (t *AutoTiering) Start() {
	if !t.running.CompareAndSwap(false, true) {
		return
	}

	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.loop()
}

// Stop halts the worker and waits for it to finish the current check.
func (t *AutoTiering) Stop() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}
	close(t.stop)
	<-t.done
}

// IsRunning reports whether the worker goroutine is live.
func (t *AutoTiering) IsRunning() bool { return t.running.Load() }

func (t *AutoTiering) loop() {
	defer close(t.done)

	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.CheckNow()
		}
	}
}

// RecordAccess notes an access to a context in the given tier.
func (t *AutoTiering) RecordAccess(id string, bytes int64, tier MemoryTier) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	ca, ok := t.stats[id]
	if !ok {
		ca = &contextAccess{id: id, createdAt: now}
		t.stats[id] = ca
	}
	ca.totalAccesses++
	ca.windowAccesses++
	ca.lastAccess = now
	ca.tier = tier
	if bytes > 0 {
		ca.bytes = bytes
	}
}

// RemoveContext drops a context from tracking.
func (t *AutoTiering) RemoveContext(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stats, id)
}

// RecommendedTier computes the tier the active policy would pick for
// the context right now.
func (t *AutoTiering) RecommendedTier(id string) (MemoryTier, error) {
	t.mu.Lock()
	ca, ok := t.stats[id]
	var snapshot contextAccess
	if ok {
		snapshot = *ca
	}
	t.mu.Unlock()

	if !ok {
		return TierSSD, fmt.Errorf("%w: context %s", ErrNotFound, id)
	}
	return t.targetFor(snapshot, time.Now(), nil), nil
}

// CheckNow evaluates every tracked context immediately, publishes the
// resulting decisions, and resets the window counters.
func (t *AutoTiering) CheckNow() []TieringDecision {
	now := time.Now()

	// Snapshot under lock; the policy math runs without it.
	t.mu.Lock()
	snapshot := make([]contextAccess, 0, len(t.stats))
	for _, ca := range t.stats {
		snapshot = append(snapshot, *ca)
		ca.windowAccesses = 0
	}
	t.mu.Unlock()

	var rates []float64
	if t.cfg.Policy == PolicyAdaptive {
		rates = make([]float64, len(snapshot))
		for i, ca := range snapshot {
			rates[i] = ca.accessRate(now)
		}
	}

	var decisions []TieringDecision
	for _, ca := range snapshot {
		target := t.targetFor(ca, now, rates)
		if target == ca.tier {
			continue
		}
		reason := "idle"
		if target > ca.tier {
			reason = "active"
		}
		decisions = append(decisions, TieringDecision{
			ContextID:   ca.id,
			CurrentTier: ca.tier,
			TargetTier:  target,
			Reason:      reason,
		})
	}

	decisions = append(decisions, t.pressureDecisions(snapshot, TierVRAM, t.cfg.GPUPressureThreshold)...)
	decisions = append(decisions, t.pressureDecisions(snapshot, TierCPU, t.cfg.CPUPressureThreshold)...)

	t.publish(decisions, now)
	return decisions
}

// targetFor computes the desired tier of one context. rates, when
// non-nil, holds the access-rate population used by the adaptive policy.
func (t *AutoTiering) targetFor(ca contextAccess, now time.Time, rates []float64) MemoryTier {
	idle := now.Sub(ca.lastAccess)

	switch t.cfg.Policy {
	case PolicyAccessFrequency:
		switch {
		case ca.windowAccesses >= t.cfg.HotAccessCount:
			return t.hottestTier()
		case ca.windowAccesses >= t.cfg.WarmAccessCount:
			return TierCPU
		default:
			return TierSSD
		}

	case PolicyRecency:
		switch {
		case idle <= t.cfg.HotThreshold:
			return t.hottestTier()
		case idle <= t.cfg.WarmThreshold:
			return TierCPU
		default:
			return TierSSD
		}

	default: // PolicyAdaptive
		// Outliers against the population decide; recency bounds cap
		// the result so stale-but-once-popular contexts still sink.
		var mean, std float64
		if len(rates) >= 2 {
			mean, std = stat.MeanStdDev(rates, nil)
		}
		rate := ca.accessRate(now)

		switch {
		case idle > t.cfg.ColdThreshold:
			return TierSSD
		case len(rates) >= 2 && !isNaN(std) && rate > mean+std && idle <= t.cfg.HotThreshold:
			return t.hottestTier()
		case ca.windowAccesses >= t.cfg.HotAccessCount && idle <= t.cfg.HotThreshold:
			return t.hottestTier()
		case idle <= t.cfg.WarmThreshold:
			return TierCPU
		default:
			return TierSSD
		}
	}
}

func isNaN(f float64) bool { return f != f }

func (t *AutoTiering) hottestTier() MemoryTier {
	if t.alloc != nil && t.alloc.VRAMAvailable() {
		return TierVRAM
	}
	return TierCPU
}

// pressureDecisions emits emergency demotions when a tier runs past
// its pressure threshold, demoting the least valuable contexts until
// the projected utilization reaches the target.
func (t *AutoTiering) pressureDecisions(snapshot []contextAccess, tier MemoryTier, threshold float64) []TieringDecision {
	if t.alloc == nil {
		return nil
	}

	ts := t.alloc.TierStatsOf(tier)
	util := ts.Utilization()
	if util < threshold || ts.Capacity <= 0 {
		return nil
	}

	// Least valuable first: oldest access wins eviction.
	inTier := make([]contextAccess, 0, len(snapshot))
	for _, ca := range snapshot {
		if ca.tier == tier {
			inTier = append(inTier, ca)
		}
	}
	sort.Slice(inTier, func(i, j int) bool {
		return inTier[i].lastAccess.Before(inTier[j].lastAccess)
	})

	toFree := ts.Used - int64(t.cfg.TargetUtilization*float64(ts.Capacity))

	var out []TieringDecision
	var freed int64
	for _, ca := range inTier {
		if freed >= toFree {
			break
		}
		out = append(out, TieringDecision{
			ContextID:   ca.id,
			CurrentTier: tier,
			TargetTier:  tier - 1,
			Reason:      fmt.Sprintf("%s pressure %.0f%%", tier, util*100),
		})
		freed += ca.bytes
		t.emergencyDemotions.Add(1)
	}
	return out
}

// publish applies decisions through the callbacks and updates the
// tracked tiers and counters.
func (t *AutoTiering) publish(decisions []TieringDecision, now time.Time) {
	t.cbMu.Lock()
	cbs := make([]TieringCallback, len(t.cbs))
	copy(cbs, t.cbs)
	t.lastCheck = now
	t.cbMu.Unlock()

	for _, d := range decisions {
		for _, cb := range cbs {
			cb(d)
		}
		if d.IsPromotion() {
			t.promotions.Add(1)
		} else {
			t.demotions.Add(1)
		}

		t.mu.Lock()
		if ca, ok := t.stats[d.ContextID]; ok {
			ca.tier = d.TargetTier
		}
		t.mu.Unlock()

		slog.Debug("tiering decision",
			"context", d.ContextID, "from", d.CurrentTier, "to", d.TargetTier, "reason", d.Reason)
	}
}

// Summary snapshots the worker counters.
func (t *AutoTiering) Summary() TieringSummary {
	t.mu.Lock()
	contexts := len(t.stats)
	t.mu.Unlock()

	t.cbMu.Lock()
	last := t.lastCheck
	t.cbMu.Unlock()

	return TieringSummary{
		Contexts:           contexts,
		Promotions:         t.promotions.Load(),
		Demotions:          t.demotions.Load(),
		EmergencyDemotions: t.emergencyDemotions.Load(),
		LastCheck:          last,
	}
}
