package nvs_test

import (
	"testing"

	"github.com/candrive/firmware/pkg/flash"
	"github.com/candrive/firmware/pkg/nvs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	baseAddress = 0x08000000
	pageSize    = 1024
	numPages    = 2
)

func newStore(t *testing.T) *nvs.Store {
	t.Helper()
	dev := flash.NewSim(baseAddress, pageSize*numPages, pageSize, nil)
	s, err := nvs.Open(dev, baseAddress, numPages, nil)
	require.NoError(t, err)
	return s
}

func TestOpen_InitializesEmptyPage(t *testing.T) {
	newStore(t) // must not error on a fully-erased device
}

func TestStore_RetrieveRoundTrips(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Store("speed_limit", 42))

	got, err := s.Retrieve("speed_limit")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), got)
}

func TestRetrieve_MissingKey(t *testing.T) {
	s := newStore(t)
	_, err := s.Retrieve("nope")
	assert.ErrorIs(t, err, nvs.ErrKeyNotFound)
}

func TestStore_OverwriteReturnsNewestValue(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Store("kp", 10))
	require.NoError(t, s.Store("kp", 20))

	got, err := s.Retrieve("kp")
	require.NoError(t, err)
	assert.Equal(t, uint32(20), got)
}

func TestRemove_HidesValue(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Store("key", 7))
	require.NoError(t, s.Remove("key"))

	_, err := s.Retrieve("key")
	assert.ErrorIs(t, err, nvs.ErrKeyNotFound)
}

func TestRemove_MissingKey(t *testing.T) {
	s := newStore(t)
	err := s.Remove("absent")
	assert.ErrorIs(t, err, nvs.ErrKeyNotFound)
}

func TestStore_CompactsOntoNewPageWhenFull(t *testing.T) {
	s := newStore(t)

	// Each item is 12 bytes header + 4 bytes value = 16 bytes, so a
	// 1024-byte page holds 63 items: four keys rewritten 33 times is 132
	// items, forcing rotation (and the dropping of superseded values)
	// twice. Every key must read back its latest value after each round.
	keys := []string{"A", "B", "C", "D"}
	for i := 0; i < 33; i++ {
		for _, k := range keys {
			require.NoError(t, s.Store(k, uint32(i)))
		}
		for _, k := range keys {
			got, err := s.Retrieve(k)
			require.NoError(t, err)
			require.Equal(t, uint32(i), got, "key %q after round %d", k, i)
		}
	}
}

func TestCompaction_DropsTombstonedItems(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Store("gone", 1))
	require.NoError(t, s.Remove("gone"))

	// Force at least one rotation with repeated writes to another key.
	for i := 0; i < 70; i++ {
		require.NoError(t, s.Store("kept", uint32(i)))
	}

	_, err := s.Retrieve("gone")
	assert.ErrorIs(t, err, nvs.ErrKeyNotFound)
	got, err := s.Retrieve("kept")
	require.NoError(t, err)
	assert.Equal(t, uint32(69), got)
}

func TestClear_RemovesAllValues(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Store("a", 1))
	require.NoError(t, s.Clear())

	_, err := s.Retrieve("a")
	assert.ErrorIs(t, err, nvs.ErrKeyNotFound)
}

func TestOpen_RecoversHighestSequenceAcrossRestart(t *testing.T) {
	dev := flash.NewSim(baseAddress, pageSize*numPages, pageSize, nil)
	s, err := nvs.Open(dev, baseAddress, numPages, nil)
	require.NoError(t, err)
	require.NoError(t, s.Store("persisted", 99))

	// A fresh Store over the same device (a reset, not a power loss)
	// must recover the previously stored value.
	s2, err := nvs.Open(dev, baseAddress, numPages, nil)
	require.NoError(t, err)
	got, err := s2.Retrieve("persisted")
	require.NoError(t, err)
	assert.Equal(t, uint32(99), got)
}

func TestHash_IsDeterministic(t *testing.T) {
	assert.Equal(t, nvs.Hash("same"), nvs.Hash("same"))
	assert.NotEqual(t, nvs.Hash("a"), nvs.Hash("b"))
}
