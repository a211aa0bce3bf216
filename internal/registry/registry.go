// Package registry implements the scanner instance registry: a
// configured collection of instances grouped into pools with
// per-instance concurrency limits and load-based selection, per
// spec.md §4.5. Reservation counters are registry-local and
// mutex-protected — they are not meant to survive a process restart.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/maumercado/task-queue-go/internal/apperr"
)

// Descriptor is one configured scanner instance, per spec.md §3.
type Descriptor struct {
	InstanceKey        string
	ScannerType        string
	Pool               string
	URL                string
	Credential         string
	Enabled            bool
	MaxConcurrentScans int
}

type instanceState struct {
	desc        Descriptor
	activeScans int
	// tombstoned marks an instance dropped from the configured
	// descriptor set by a reload while it still had an outstanding
	// reservation. It is kept in instances (but not byPool, so it is
	// never selected by Reserve and never counted in PoolStatus) until
	// its last Release brings activeScans back to zero, per spec.md
	// §4.5.
	tombstoned bool
}

type poolSet struct {
	byPool     map[string][]string // pool -> instance keys, for deterministic iteration
	instances  map[string]*instanceState
}

// Registry is safe for concurrent use. Reload swaps the whole
// descriptor set atomically so reserve/release never observe a
// half-updated pool list; existing reservations keep decrementing
// their original instance's counter even if that instance was
// removed by a later reload, per spec.md §4.5.
type Registry struct {
	set  atomic.Pointer[poolSet]
	mu   sync.Mutex // guards activeScans mutation across reloads
}

func New(descriptors []Descriptor) *Registry {
	r := &Registry{}
	r.set.Store(buildSet(descriptors))
	return r
}

func buildSet(descriptors []Descriptor) *poolSet {
	ps := &poolSet{
		byPool:    make(map[string][]string),
		instances: make(map[string]*instanceState, len(descriptors)),
	}
	for _, d := range descriptors {
		ps.instances[d.InstanceKey] = &instanceState{desc: d}
		ps.byPool[d.Pool] = append(ps.byPool[d.Pool], d.InstanceKey)
	}
	for pool := range ps.byPool {
		sort.Strings(ps.byPool[pool])
	}
	return ps
}

// Reload swaps in a new descriptor set, carrying forward the
// active_scans count of any instance key that still exists so
// in-flight reservations are not lost across a reload. An instance
// key that disappears from descriptors entirely but still has a
// nonzero active_scans count is kept as a tombstoned entry rather
// than dropped, so a Release racing the reload still finds it and
// Get still resolves its descriptor — per spec.md §4.5, an instance
// removed on reload stays live until its reservations release, it
// does not vanish out from under them. A tombstone with no
// outstanding reservations left by the time of a later reload is not
// carried forward again, which is how it is finally forgotten.
func (r *Registry) Reload(descriptors []Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	newSet := buildSet(descriptors)
	old := r.set.Load()
	if old != nil {
		for key, st := range newSet.instances {
			if oldSt, ok := old.instances[key]; ok {
				st.activeScans = oldSt.activeScans
			}
		}
		for key, oldSt := range old.instances {
			if _, stillConfigured := newSet.instances[key]; stillConfigured {
				continue
			}
			if oldSt.activeScans > 0 {
				newSet.instances[key] = &instanceState{
					desc:        oldSt.desc,
					activeScans: oldSt.activeScans,
					tombstoned:  true,
				}
			}
		}
	}
	r.set.Store(newSet)
}

// ListPools returns every known pool name.
func (r *Registry) ListPools() []string {
	set := r.set.Load()
	pools := make([]string, 0, len(set.byPool))
	for p := range set.byPool {
		pools = append(pools, p)
	}
	sort.Strings(pools)
	return pools
}

// Reserve selects the lowest-active-scans enabled instance with
// capacity in pool, ties broken lexicographically by instance_key,
// and atomically increments its active_scans. Returns ("", false) if
// no instance has capacity.
func (r *Registry) Reserve(pool string) (instanceKey string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.set.Load()
	keys := set.byPool[pool]

	var best *instanceState
	var bestKey string
	for _, key := range keys {
		st := set.instances[key]
		if st == nil || !st.desc.Enabled {
			continue
		}
		if st.activeScans >= st.desc.MaxConcurrentScans {
			continue
		}
		if best == nil || st.activeScans < best.activeScans {
			best = st
			bestKey = key
		}
	}
	if best == nil {
		return "", false
	}
	best.activeScans++
	return bestKey, true
}

// Release decrements instanceKey's active_scans, if it is still
// known to the current (or a since-superseded) descriptor set.
func (r *Registry) Release(instanceKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.set.Load()
	if st, ok := set.instances[instanceKey]; ok && st.activeScans > 0 {
		st.activeScans--
	}
}

// InstanceStatus is one row of a pool_status response.
type InstanceStatus struct {
	InstanceKey   string
	ScannerType   string
	ActiveScans   int
	MaxConcurrent int
}

// PoolStatus aggregates capacity for one pool, per spec.md §6's
// get_pool_status invariant: available = total_capacity - total_active.
type PoolStatus struct {
	Pool               string
	TotalScanners      int
	TotalCapacity      int
	TotalActive        int
	AvailableCapacity  int
	UtilizationPct     float64
	Scanners           []InstanceStatus
}

func (r *Registry) PoolStatus(pool string) (*PoolStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.set.Load()
	keys, ok := set.byPool[pool]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "registry.PoolStatus", "unknown pool "+pool)
	}

	status := &PoolStatus{Pool: pool}
	for _, key := range keys {
		st := set.instances[key]
		status.TotalScanners++
		status.TotalCapacity += st.desc.MaxConcurrentScans
		status.TotalActive += st.activeScans
		status.Scanners = append(status.Scanners, InstanceStatus{
			InstanceKey:   key,
			ScannerType:   st.desc.ScannerType,
			ActiveScans:   st.activeScans,
			MaxConcurrent: st.desc.MaxConcurrentScans,
		})
	}
	status.AvailableCapacity = status.TotalCapacity - status.TotalActive
	if status.TotalCapacity > 0 {
		status.UtilizationPct = float64(status.TotalActive) / float64(status.TotalCapacity) * 100
	}
	return status, nil
}

// Get returns the descriptor bound to instanceKey, for the worker to
// build a scanner.Scanner against after a successful Reserve. Also
// resolves a tombstoned instance (removed by a reload while still
// reserved), so a Reserve/Get pair straddling a reload never observes
// a miss for a key it just reserved.
func (r *Registry) Get(instanceKey string) (Descriptor, bool) {
	set := r.set.Load()
	st, ok := set.instances[instanceKey]
	if !ok {
		return Descriptor{}, false
	}
	return st.desc, true
}

// ListScanners returns every configured descriptor across all pools.
func (r *Registry) ListScanners() []Descriptor {
	set := r.set.Load()
	var out []Descriptor
	pools := r.ListPools()
	for _, pool := range pools {
		for _, key := range set.byPool[pool] {
			out = append(out, set.instances[key].desc)
		}
	}
	return out
}
