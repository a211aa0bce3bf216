package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDescriptors() []Descriptor {
	return []Descriptor{
		{InstanceKey: "nessus-a", ScannerType: "nessus", Pool: "nessus", Enabled: true, MaxConcurrentScans: 2},
		{InstanceKey: "nessus-b", ScannerType: "nessus", Pool: "nessus", Enabled: true, MaxConcurrentScans: 1},
		{InstanceKey: "dmz-a", ScannerType: "nessus", Pool: "dmz", Enabled: true, MaxConcurrentScans: 1},
		{InstanceKey: "disabled-a", ScannerType: "nessus", Pool: "nessus", Enabled: false, MaxConcurrentScans: 5},
	}
}

func TestRegistry_Reserve_LowestActiveScans(t *testing.T) {
	r := New(sampleDescriptors())

	key, ok := r.Reserve("nessus")
	require.True(t, ok)
	assert.Contains(t, []string{"nessus-a", "nessus-b"}, key)
}

func TestRegistry_Reserve_TieBrokenLexically(t *testing.T) {
	r := New(sampleDescriptors())

	key, ok := r.Reserve("nessus")
	require.True(t, ok)
	assert.Equal(t, "nessus-a", key, "both instances start at 0 active_scans; lowest instance_key wins")
}

func TestRegistry_Reserve_SkipsDisabled(t *testing.T) {
	r := New([]Descriptor{
		{InstanceKey: "only-disabled", Pool: "nessus", Enabled: false, MaxConcurrentScans: 5},
	})
	_, ok := r.Reserve("nessus")
	assert.False(t, ok)
}

func TestRegistry_Reserve_NoCapacity(t *testing.T) {
	r := New([]Descriptor{
		{InstanceKey: "full", Pool: "nessus", Enabled: true, MaxConcurrentScans: 1},
	})

	_, ok := r.Reserve("nessus")
	require.True(t, ok)

	_, ok = r.Reserve("nessus")
	assert.False(t, ok, "second reserve should find no capacity")
}

func TestRegistry_ReleaseRestoresCapacity(t *testing.T) {
	r := New([]Descriptor{
		{InstanceKey: "only", Pool: "nessus", Enabled: true, MaxConcurrentScans: 1},
	})

	key, ok := r.Reserve("nessus")
	require.True(t, ok)
	_, ok = r.Reserve("nessus")
	require.False(t, ok)

	r.Release(key)

	_, ok = r.Reserve("nessus")
	assert.True(t, ok)
}

func TestRegistry_PoolsAreIndependent(t *testing.T) {
	r := New(sampleDescriptors())

	// nessus-a (2) + nessus-b (1) give the pool three enabled slots.
	for i := 0; i < 3; i++ {
		_, ok := r.Reserve("nessus")
		require.True(t, ok)
	}
	_, ok := r.Reserve("nessus")
	assert.False(t, ok, "nessus pool exhausted")

	key, ok := r.Reserve("dmz")
	assert.True(t, ok, "dmz capacity must be unaffected by nessus exhaustion")
	assert.Equal(t, "dmz-a", key)
}

func TestRegistry_ActiveScansInvariant_UnderConcurrency(t *testing.T) {
	r := New([]Descriptor{
		{InstanceKey: "only", Pool: "nessus", Enabled: true, MaxConcurrentScans: 3},
	})

	var wg sync.WaitGroup
	successes := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := r.Reserve("nessus")
			successes <- ok
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for ok := range successes {
		if ok {
			count++
		}
	}
	assert.Equal(t, 3, count, "at most max_concurrent_scans reservations should succeed")
}

func TestRegistry_Reload_PreservesInFlightReservations(t *testing.T) {
	r := New([]Descriptor{
		{InstanceKey: "keep", Pool: "nessus", Enabled: true, MaxConcurrentScans: 2},
		{InstanceKey: "remove-me", Pool: "nessus", Enabled: true, MaxConcurrentScans: 1},
	})

	// Both start at 0 active_scans, so the lexical tie-break hands the
	// first reservation to "keep"; the second lands on "remove-me".
	_, ok := r.Reserve("nessus")
	require.True(t, ok)
	removedKey, ok := r.Reserve("nessus")
	require.True(t, ok)
	require.Equal(t, "remove-me", removedKey)

	r.Reload([]Descriptor{
		{InstanceKey: "keep", Pool: "nessus", Enabled: true, MaxConcurrentScans: 2},
	})

	status, err := r.PoolStatus("nessus")
	require.NoError(t, err)
	assert.Equal(t, 1, status.TotalScanners, "a removed-but-reserved instance is not a configured scanner anymore")

	// Get must still resolve the removed instance's descriptor, per
	// spec.md §4.5, so the worker can still close out the scan it's
	// running against it.
	desc, ok := r.Get(removedKey)
	require.True(t, ok, "a removed instance with an outstanding reservation must stay resolvable until released")
	assert.Equal(t, removedKey, desc.InstanceKey)

	// Release on the removed instance must actually decrement its
	// reservation, not silently no-op.
	r.Release(removedKey)
	r.Reload([]Descriptor{
		{InstanceKey: "keep", Pool: "nessus", Enabled: true, MaxConcurrentScans: 2},
	})
	_, ok = r.Get(removedKey)
	assert.False(t, ok, "once its last reservation releases, the removed instance is finally forgotten after the next reload")
}

func TestRegistry_Reload_TombstoneForgottenOnceReservationsClear(t *testing.T) {
	r := New([]Descriptor{
		{InstanceKey: "keep", Pool: "nessus", Enabled: true, MaxConcurrentScans: 2},
		{InstanceKey: "remove-me", Pool: "nessus", Enabled: true, MaxConcurrentScans: 1},
	})

	// The first reservation goes to "keep" (lexical tie-break); the
	// second lands on "remove-me".
	_, ok := r.Reserve("nessus")
	require.True(t, ok)
	removedKey, ok := r.Reserve("nessus")
	require.True(t, ok)
	require.Equal(t, "remove-me", removedKey)

	r.Reload([]Descriptor{
		{InstanceKey: "keep", Pool: "nessus", Enabled: true, MaxConcurrentScans: 2},
	})

	r.Release(removedKey)

	// A reload after the last release must not resurrect the tombstone.
	r.Reload([]Descriptor{
		{InstanceKey: "keep", Pool: "nessus", Enabled: true, MaxConcurrentScans: 2},
	})

	_, ok = r.Get(removedKey)
	assert.False(t, ok)
}

func TestRegistry_Reload_TombstonedInstanceNotSelectable(t *testing.T) {
	r := New([]Descriptor{
		{InstanceKey: "remove-me", Pool: "nessus", Enabled: true, MaxConcurrentScans: 2},
	})

	removedKey, ok := r.Reserve("nessus")
	require.True(t, ok)

	r.Reload(nil)

	// The pool no longer exists at all once its only instance is
	// removed, so a fresh Reserve against it must find no capacity,
	// not accidentally hand out the tombstoned instance again.
	_, ok = r.Reserve("nessus")
	assert.False(t, ok)

	r.Release(removedKey)
}

func TestRegistry_PoolStatus_AvailableCapacityInvariant(t *testing.T) {
	r := New(sampleDescriptors())
	status, err := r.PoolStatus("nessus")
	require.NoError(t, err)
	assert.Equal(t, status.TotalCapacity-status.TotalActive, status.AvailableCapacity)
}

func TestRegistry_PoolStatus_UnknownPool(t *testing.T) {
	r := New(sampleDescriptors())
	_, err := r.PoolStatus("does-not-exist")
	assert.Error(t, err)
}
