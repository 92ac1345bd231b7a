package snapllm

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapllm/snapllm-go/util/stringx"
)

func newTestStore(t *testing.T) *CacheStore {
	t.Helper()

	s, err := NewCacheStore(t.TempDir(), 0)
	require.NoError(t, err)
	return s
}

func kvInfo(model string) CacheEntryInfo {
	return CacheEntryInfo{
		ModelID:   model,
		NumLayers: 32,
		NumHeads:  8,
		HeadDim:   128,
		SeqLen:    512,
	}
}

func TestCacheStoreWriteReadLaw(t *testing.T) {
	s := newTestStore(t)

	payload := []byte("kv state bytes for a short context")
	res, err := s.Write("ctx-1", payload, kvInfo("m1"), DefaultCacheWriteOptions())
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), res.SizeBytes)
	assert.NotZero(t, res.Checksum)

	got, err := s.Read("ctx-1", CacheReadOptions{VerifyChecksum: true})
	require.NoError(t, err)
	assert.Equal(t, payload, got.Data)
	assert.Equal(t, res.Checksum, got.Info.Checksum)
	assert.Equal(t, "m1", got.Info.ModelID)
	assert.Equal(t, 32, got.Info.NumLayers)
	assert.EqualValues(t, 1, got.Info.AccessCount)
}

func TestCacheStoreCompressedRoundTripWithIntegrity(t *testing.T) {
	s := newTestStore(t)

	// 8 MiB of compressible KV bytes.
	payload := compressiblePayload(8 << 20)
	res, err := s.Write("ctx-1", payload, kvInfo("m1"), CacheWriteOptions{
		Compression: CompressionZSTD,
		Checksum:    true,
	})
	require.NoError(t, err)
	assert.Less(t, res.StoredBytes, res.SizeBytes, "compressed size must shrink")

	got, err := s.Read("ctx-1", CacheReadOptions{VerifyChecksum: true})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got.Data))

	// Flip one byte of the payload on disk: the next verified read
	// reports an integrity failure.
	p := filepath.Join(s.Path(), "ctx-1.kvc")
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(p, raw, 0o600))

	_, err = s.Read("ctx-1", CacheReadOptions{VerifyChecksum: true})
	assert.Error(t, err)
}

func TestCacheStoreRandomPayloadChecksum(t *testing.T) {
	s := newTestStore(t)

	payload := stringx.RandomBytes(1 << 20)
	_, err := s.Write("ctx-rand", payload, kvInfo("m1"), DefaultCacheWriteOptions())
	require.NoError(t, err)

	got, err := s.Read("ctx-rand", CacheReadOptions{VerifyChecksum: true})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got.Data))

	// Corrupt a middle byte.
	p := filepath.Join(s.Path(), "ctx-rand.kvc")
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0x01
	require.NoError(t, os.WriteFile(p, raw, 0o600))

	_, err = s.Read("ctx-rand", CacheReadOptions{VerifyChecksum: true})
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.False(t, s.Verify("ctx-rand"))
	assert.Equal(t, []string{"ctx-rand"}, s.VerifyIntegrity())
}

func TestCacheStoreReadInto(t *testing.T) {
	s := newTestStore(t)

	payload := []byte("zero allocation read path")
	_, err := s.Write("ctx-1", payload, kvInfo("m1"), DefaultCacheWriteOptions())
	require.NoError(t, err)

	buf := make([]byte, 1024)
	got, err := s.ReadInto("ctx-1", buf, CacheReadOptions{VerifyChecksum: true})
	require.NoError(t, err)
	assert.Equal(t, payload, got.Data)
	assert.Same(t, &buf[0], &got.Data[0])

	_, err = s.ReadInto("ctx-1", make([]byte, 4), CacheReadOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCacheStoreListings(t *testing.T) {
	s := newTestStore(t)

	for _, e := range []struct{ id, model string }{
		{"ctx-a1", "m1"},
		{"ctx-a2", "m1"},
		{"doc-b1", "m2"},
	} {
		_, err := s.Write(e.id, []byte(e.id), kvInfo(e.model), DefaultCacheWriteOptions())
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"ctx-a1", "ctx-a2", "doc-b1"}, s.List())
	assert.Equal(t, []string{"ctx-a1", "ctx-a2"}, s.ListByPrefix("ctx-"))
	assert.Equal(t, []string{"doc-b1"}, s.ListByModel("m2"))

	assert.True(t, s.Exists("ctx-a1"))
	assert.True(t, s.Remove("ctx-a1"))
	assert.False(t, s.Remove("ctx-a1"))
	assert.False(t, s.Exists("ctx-a1"))
}

func TestCacheStoreRebuildIndex(t *testing.T) {
	dir := t.TempDir()

	s, err := NewCacheStore(dir, 0)
	require.NoError(t, err)
	payload := []byte("survives process restart")
	_, err = s.Write("ctx-1", payload, kvInfo("m1"), DefaultCacheWriteOptions())
	require.NoError(t, err)

	// A fresh store over the same directory sees the committed entry.
	s2, err := NewCacheStore(dir, 0)
	require.NoError(t, err)
	assert.True(t, s2.Exists("ctx-1"))
	got, err := s2.Read("ctx-1", CacheReadOptions{VerifyChecksum: true})
	require.NoError(t, err)
	assert.Equal(t, payload, got.Data)
	assert.EqualValues(t, s.Used(), s2.Used())
}

func TestCacheStoreCompactRemovesOrphans(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Write("ctx-1", []byte("sound"), kvInfo("m1"), DefaultCacheWriteOptions())
	require.NoError(t, err)

	// An orphaned payload without a sidecar.
	require.NoError(t, os.WriteFile(filepath.Join(s.Path(), "orphan.kvc"), []byte("junk"), 0o600))

	reclaimed := s.Compact()
	assert.Greater(t, reclaimed, int64(0))
	assert.True(t, s.Exists("ctx-1"))
	assert.NoFileExists(t, filepath.Join(s.Path(), "orphan.kvc"))
}

func TestCacheStoreCapacity(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCacheStore(dir, 128)
	require.NoError(t, err)

	_, err = s.Write("small", make([]byte, 64), kvInfo("m1"), DefaultCacheWriteOptions())
	require.NoError(t, err)

	_, err = s.Write("big", make([]byte, 256), kvInfo("m1"), DefaultCacheWriteOptions())
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	s.SetCapacity(0)
	_, err = s.Write("big", make([]byte, 256), kvInfo("m1"), DefaultCacheWriteOptions())
	assert.NoError(t, err)
}

func TestCacheStoreConcurrentSameID(t *testing.T) {
	s := newTestStore(t)

	// Concurrent writers to one id serialize; the survivor is one of
	// the committed versions, never a mix.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte(i)}, 4096)
			_, err := s.Write("ctx-1", payload, kvInfo("m1"), DefaultCacheWriteOptions())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Read("ctx-1", CacheReadOptions{VerifyChecksum: true})
	require.NoError(t, err)
	require.Len(t, got.Data, 4096)
	for _, b := range got.Data {
		assert.Equal(t, got.Data[0], b)
	}
}

func TestCacheStoreInvalidID(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Write("../escape", []byte("x"), kvInfo("m"), DefaultCacheWriteOptions())
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.Write("", []byte("x"), kvInfo("m"), DefaultCacheWriteOptions())
	assert.ErrorIs(t, err, ErrInvalidInput)
}
