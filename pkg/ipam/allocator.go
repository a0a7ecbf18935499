// Package ipam implements the Controller's subnet allocator: a single /16
// umbrella (10.42.0.0/16) carved into per-node /24s, indexed 1..254, with
// lowest-released-index-first reuse.
package ipam

import (
	"fmt"
	"sync"
)

const (
	// Umbrella is the /16 all node subnets are drawn from.
	Umbrella = "10.42.0.0/16"

	minIndex = 1
	maxIndex = 254
)

// Allocator hands out and reclaims /24 indices under the umbrella CIDR. It
// is safe for concurrent use; allocation is a single critical section.
type Allocator struct {
	mu        sync.Mutex
	nextIndex int
	released  map[int]struct{}
}

// New returns an allocator with no indices yet handed out.
func New() *Allocator {
	return &Allocator{
		nextIndex: minIndex,
		released:  make(map[int]struct{}),
	}
}

// Restore rebuilds allocator state from a set of indices already in use
// (e.g. loaded from persisted node rows at startup). Every index below the
// highest in-use one that is not itself in use is marked released, so those
// gaps are handed out before allocation continues past the highest.
func Restore(inUse []int) *Allocator {
	a := New()
	highest := minIndex - 1
	used := make(map[int]struct{}, len(inUse))
	for _, idx := range inUse {
		used[idx] = struct{}{}
		if idx > highest {
			highest = idx
		}
	}
	a.nextIndex = highest + 1
	if a.nextIndex < minIndex {
		a.nextIndex = minIndex
	}
	for idx := minIndex; idx < a.nextIndex; idx++ {
		if _, ok := used[idx]; !ok {
			a.released[idx] = struct{}{}
		}
	}
	return a
}

// Allocate returns the lowest released index if one exists, otherwise the
// next unused index. It fails with ErrExhausted once every index in
// [1, 254] is in use.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if idx, ok := a.lowestReleased(); ok {
		delete(a.released, idx)
		return idx, nil
	}
	if a.nextIndex > maxIndex {
		return 0, ErrExhausted
	}
	idx := a.nextIndex
	a.nextIndex++
	return idx, nil
}

// Reserve marks idx as in-use without going through the normal allocation
// path, used to seed the allocator with a subnet kept across a
// re-registration.
func (a *Allocator) Reserve(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.released, idx)
	if idx >= a.nextIndex {
		a.nextIndex = idx + 1
	}
}

// Release returns idx to the pool of reusable indices.
func (a *Allocator) Release(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < minIndex || idx > maxIndex {
		return
	}
	a.released[idx] = struct{}{}
}

func (a *Allocator) lowestReleased() (int, bool) {
	if len(a.released) == 0 {
		return 0, false
	}
	lowest := maxIndex + 1
	for idx := range a.released {
		if idx < lowest {
			lowest = idx
		}
	}
	return lowest, true
}

// ErrExhausted is returned once all 254 indices are in use.
var ErrExhausted = fmt.Errorf("ExhaustedSubnets")

// SubnetForIndex renders the /24 CIDR string for an allocator index.
func SubnetForIndex(idx int) string {
	return fmt.Sprintf("10.42.%d.0/24", idx)
}

// IndexOfSubnet parses an index back out of a "10.42.N.0/24" string. It
// does not validate the full CIDR; callers that need full validation should
// use the validators in pkg/runtime.
func IndexOfSubnet(subnet string) (int, error) {
	var idx int
	n, err := fmt.Sscanf(subnet, "10.42.%d.0/24", &idx)
	if err != nil || n != 1 {
		return 0, fmt.Errorf("not a quilt mesh subnet: %q", subnet)
	}
	if idx < minIndex || idx > maxIndex {
		return 0, fmt.Errorf("subnet index out of range: %d", idx)
	}
	return idx, nil
}
