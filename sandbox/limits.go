// Package sandbox implements the deterministic execution environment for
// compiled policy modules: a fuel-metered bytecode interpreter
// with fixed-size linear memory, a bounded call stack, and a write-set
// that records a compensation for every host-call effect and runs them in
// reverse unless the module completes within limits.
package sandbox

import "time"

// Limits bounds a module's resource consumption. All
// limits are hard-enforced; exceeding any one aborts the module with
// ResourceExceeded.
type Limits struct {
	WallTime     time.Duration
	Pages        uint32 // 64 KiB linear memory pages
	Fuel         uint64 // instruction budget
	StackDepth   uint32
	Globals      uint32
	Functions    uint32
	Tables       uint32
	TableEntries uint32
}

// PageSize is the size in bytes of one linear memory page.
const PageSize = 64 * 1024

// DefaultLimits is the stock resource table modules run under unless the
// node configures otherwise.
var DefaultLimits = Limits{
	WallTime:     30 * time.Second,
	Pages:        160,
	Fuel:         1_000_000,
	StackDepth:   1024,
	Globals:      100,
	Functions:    1000,
	Tables:       10,
	TableEntries: 10_000,
}

// MemoryBytes returns the total addressable linear memory size under l.
func (l Limits) MemoryBytes() uint32 {
	return l.Pages * PageSize
}
