package snapllm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayerEvictorEvictAndPrefetch(t *testing.T) {
	ws := newTestWorkspace(t, 1<<20)

	regions := map[string]int64{
		"blk.5.attn_q.weight": 32 << 10,
		"blk.5.ffn_up.weight": 64 << 10,
		"blk.6.attn_q.weight": 32 << 10,
		"token_embd.weight":   16 << 10,
	}
	written := map[string][]byte{}
	for name, size := range regions {
		a, err := ws.Allocate(size, name)
		require.NoError(t, err)
		ws.RegisterLayerRegion(name, a.Offset, a.Size)

		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i * 7)
		}
		_, err = ws.Write(a.Offset, data)
		require.NoError(t, err)
		written[name] = data
	}
	require.NoError(t, ws.Sync())

	hot := NewHotCache(1 << 20)
	require.True(t, hot.Prefetch("m", "blk.5.attn_q.weight", floats(1024, 0)))
	require.True(t, hot.Prefetch("m", "token_embd.weight", floats(1024, 1)))

	ev := NewLayerEvictor("m", ws, hot)

	freed, err := ev.Evict(5)
	require.NoError(t, err)
	// Workspace regions plus the HOT copy of the layer's tensor.
	assert.GreaterOrEqual(t, freed, int64(32<<10+64<<10))
	assert.Equal(t, freed, ev.BytesFreed())

	// Only layer 5 HOT entries went away.
	_, ok := hot.Lookup("m", "blk.5.attn_q.weight")
	assert.False(t, ok)
	_, ok = hot.Lookup("m", "token_embd.weight")
	assert.True(t, ok)

	// Evicted regions reload from disk with identical bytes.
	for _, name := range []string{"blk.5.attn_q.weight", "blk.5.ffn_up.weight"} {
		for _, a := range ws.Allocations() {
			if a.Name != name {
				continue
			}
			p, err := ws.ReadPointer(a.Offset, a.Size)
			require.NoError(t, err)
			assert.Equal(t, written[name], p, "region %s", name)
		}
	}

	requested, err := ev.Prefetch(5)
	require.NoError(t, err)
	assert.EqualValues(t, 32<<10+64<<10, requested)
	assert.Equal(t, requested, ev.BytesRequested())
}

func TestLayerEvictorUnknownLayer(t *testing.T) {
	ws := newTestWorkspace(t, 1<<16)
	ev := NewLayerEvictor("m", ws, nil)

	_, err := ev.Evict(42)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = ev.Prefetch(42)
	assert.ErrorIs(t, err, ErrNotFound)
}
