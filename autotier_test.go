package snapllm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTiering(t *testing.T, cfg AutoTieringConfig) (*AutoTiering, *TieredAllocator) {
	t.Helper()

	alloc := newTestAllocator(t, 1<<20, 1<<20)
	return NewAutoTiering(alloc, cfg), alloc
}

func TestAutoTieringAccessFrequency(t *testing.T) {
	cfg := DefaultAutoTieringConfig()
	cfg.Policy = PolicyAccessFrequency
	cfg.HotAccessCount = 5
	cfg.WarmAccessCount = 2
	tiering, _ := newTestTiering(t, cfg)

	for i := 0; i < 6; i++ {
		tiering.RecordAccess("hot", 1024, TierSSD)
	}
	tiering.RecordAccess("warm", 1024, TierSSD)
	tiering.RecordAccess("warm", 1024, TierSSD)
	tiering.RecordAccess("cold", 1024, TierCPU)

	decisions := tiering.CheckNow()

	byID := map[string]TieringDecision{}
	for _, d := range decisions {
		byID[d.ContextID] = d
	}

	require.Contains(t, byID, "hot")
	assert.Equal(t, TierVRAM, byID["hot"].TargetTier)
	assert.True(t, byID["hot"].IsPromotion())

	require.Contains(t, byID, "warm")
	assert.Equal(t, TierCPU, byID["warm"].TargetTier)

	// One access in the window: the CPU-resident context sinks.
	require.Contains(t, byID, "cold")
	assert.Equal(t, TierSSD, byID["cold"].TargetTier)
	assert.True(t, byID["cold"].IsDemotion())
}

func TestAutoTieringWindowResets(t *testing.T) {
	cfg := DefaultAutoTieringConfig()
	cfg.Policy = PolicyAccessFrequency
	cfg.HotAccessCount = 2
	tiering, _ := newTestTiering(t, cfg)

	tiering.RecordAccess("x", 1024, TierSSD)
	tiering.RecordAccess("x", 1024, TierSSD)

	first := tiering.CheckNow()
	require.Len(t, first, 1)
	assert.Equal(t, TierVRAM, first[0].TargetTier)

	// The window was reset; with no new accesses the context is no
	// longer hot and sinks again.
	second := tiering.CheckNow()
	require.Len(t, second, 1)
	assert.Equal(t, TierSSD, second[0].TargetTier)
}

func TestAutoTieringRecencyPolicy(t *testing.T) {
	cfg := DefaultAutoTieringConfig()
	cfg.Policy = PolicyRecency
	cfg.HotThreshold = time.Hour
	tiering, _ := newTestTiering(t, cfg)

	tiering.RecordAccess("fresh", 1024, TierSSD)
	decisions := tiering.CheckNow()

	require.Len(t, decisions, 1)
	assert.Equal(t, TierVRAM, decisions[0].TargetTier)
	assert.Equal(t, "active", decisions[0].Reason)
}

func TestAutoTieringCallbacksAndCounters(t *testing.T) {
	cfg := DefaultAutoTieringConfig()
	cfg.Policy = PolicyAccessFrequency
	cfg.HotAccessCount = 1
	tiering, _ := newTestTiering(t, cfg)

	var applied []TieringDecision
	tiering.OnDecision(func(d TieringDecision) {
		applied = append(applied, d)
	})

	tiering.RecordAccess("x", 1024, TierSSD)
	decisions := tiering.CheckNow()

	require.Len(t, decisions, 1)
	assert.Equal(t, decisions, applied)

	s := tiering.Summary()
	assert.Equal(t, 1, s.Contexts)
	assert.EqualValues(t, 1, s.Promotions)
	assert.False(t, s.LastCheck.IsZero())

	tiering.RemoveContext("x")
	assert.Zero(t, tiering.Summary().Contexts)
}

func TestAutoTieringPressureDemotion(t *testing.T) {
	cfg := DefaultAutoTieringConfig()
	cfg.Policy = PolicyRecency
	cfg.HotThreshold = time.Hour // Everything wants to stay hot.
	cfg.GPUPressureThreshold = 0.5
	cfg.TargetUtilization = 0.25

	alloc := newTestAllocator(t, 4096, 1<<20)
	tiering := NewAutoTiering(alloc, cfg)

	// Fill VRAM past the pressure threshold.
	for _, owner := range []string{"a", "b", "c"} {
		_, err := alloc.Allocate(1024, TierVRAM, owner)
		require.NoError(t, err)
		tiering.RecordAccess(owner, 1024, TierVRAM)
	}
	require.Greater(t, alloc.TierStatsOf(TierVRAM).Utilization(), 0.5)

	decisions := tiering.CheckNow()

	var emergency []TieringDecision
	for _, d := range decisions {
		if d.CurrentTier == TierVRAM && d.IsDemotion() {
			emergency = append(emergency, d)
		}
	}
	require.NotEmpty(t, emergency)
	assert.Greater(t, tiering.Summary().EmergencyDemotions, uint64(0))
	for _, d := range emergency {
		assert.Equal(t, TierCPU, d.TargetTier)
		assert.Contains(t, d.Reason, "pressure")
	}
}

func TestAutoTieringAdaptiveOutlier(t *testing.T) {
	cfg := DefaultAutoTieringConfig()
	cfg.Policy = PolicyAdaptive
	tiering, _ := newTestTiering(t, cfg)

	// One clearly dominant context among quiet peers.
	for i := 0; i < 50; i++ {
		tiering.RecordAccess("busy", 1024, TierSSD)
	}
	tiering.RecordAccess("quiet-1", 1024, TierSSD)
	tiering.RecordAccess("quiet-2", 1024, TierSSD)

	decisions := tiering.CheckNow()

	var busyTarget MemoryTier = TierSSD
	for _, d := range decisions {
		if d.ContextID == "busy" {
			busyTarget = d.TargetTier
		}
	}
	assert.Greater(t, busyTarget, TierSSD, "the outlier should be promoted")
}

func TestAutoTieringStartStop(t *testing.T) {
	cfg := DefaultAutoTieringConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	tiering, _ := newTestTiering(t, cfg)

	tiering.Start()
	assert.True(t, tiering.IsRunning())
	tiering.Start() // Idempotent.

	tiering.RecordAccess("x", 1024, TierSSD)
	time.Sleep(30 * time.Millisecond)

	tiering.Stop()
	assert.False(t, tiering.IsRunning())
	tiering.Stop() // Idempotent.
}

func TestAutoTieringRecommendedTier(t *testing.T) {
	cfg := DefaultAutoTieringConfig()
	cfg.Policy = PolicyRecency
	tiering, _ := newTestTiering(t, cfg)

	tiering.RecordAccess("x", 1024, TierSSD)
	tier, err := tiering.RecommendedTier("x")
	require.NoError(t, err)
	assert.Equal(t, TierVRAM, tier)

	_, err = tiering.RecommendedTier("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
