// Copyright 2026 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package robinhood

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrArenaExhausted is returned (wrapped) when an allocation would take an
// Arena past its budget.
var ErrArenaExhausted = errors.New("robinhood: arena budget exhausted")

// ArenaStats is a snapshot of an Arena's accounting.
type ArenaStats struct {
	// InUse is the number of bytes currently allocated.
	InUse int64
	// HighWater is the largest value InUse has reached.
	HighWater int64
	// NumAlloc and NumFree count successful allocations and releases.
	NumAlloc int64
	NumFree  int64
	// NumRefused counts allocations refused for exceeding the budget.
	NumRefused int64
}

// Arena is a named memory arena with an optional byte budget. Maps draw their
// storage from an Arena through ArenaAllocator, so that all of the memory
// held by a group of maps is accounted for in one place and can be capped.
// An Arena may be shared by any number of maps and must outlive them.
type Arena struct {
	name   string
	budget int64

	inuse      atomic.Int64
	highWater  atomic.Int64
	numAlloc   atomic.Int64
	numFree    atomic.Int64
	numRefused atomic.Int64

	logger   *zap.Logger
	registry prometheus.Registerer
	metrics  *arenaMetrics
}

// ArenaOption configures an Arena.
type ArenaOption func(a *Arena)

// WithArenaLogger is an option to specify the logger used to report refused
// allocations.
func WithArenaLogger(logger *zap.Logger) ArenaOption {
	return func(a *Arena) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithArenaMetrics is an option to export the arena's accounting as
// Prometheus metrics registered with reg. The metrics carry an "arena" label
// holding the arena's name. Arenas that share a name and a registry share
// their metrics: the byte and count metrics sum over those arenas, and
// high_water_bytes reports the peak most recently set by any of them.
func WithArenaMetrics(reg prometheus.Registerer) ArenaOption {
	return func(a *Arena) {
		a.registry = reg
	}
}

// NewArena returns an Arena. A budget of 0 means the arena is unlimited.
func NewArena(name string, budget int64, options ...ArenaOption) *Arena {
	a := &Arena{
		name:   name,
		budget: budget,
		logger: zap.NewNop(),
	}
	for _, op := range options {
		op(a)
	}
	if a.registry != nil {
		a.metrics = newArenaMetrics(a.name, a.registry)
	}
	return a
}

// Name returns the name of the arena.
func (a *Arena) Name() string {
	return a.name
}

// Budget returns the arena's budget in bytes, 0 if unlimited.
func (a *Arena) Budget() int64 {
	return a.budget
}

// Stats returns a snapshot of the arena's accounting.
func (a *Arena) Stats() ArenaStats {
	return ArenaStats{
		InUse:      a.inuse.Load(),
		HighWater:  a.highWater.Load(),
		NumAlloc:   a.numAlloc.Load(),
		NumFree:    a.numFree.Load(),
		NumRefused: a.numRefused.Load(),
	}
}

// reserve charges n bytes to the arena, failing without charging anything if
// that would exceed the budget.
func (a *Arena) reserve(n int64) error {
	var inuse int64
	for {
		cur := a.inuse.Load()
		inuse = cur + n
		if a.budget > 0 && inuse > a.budget {
			a.numRefused.Add(1)
			if a.metrics != nil {
				a.metrics.refused.Inc()
			}
			a.logger.Warn("robinhood: arena budget exhausted",
				zap.String("arena", a.name),
				zap.Int64("requested", n),
				zap.Int64("inuse", cur),
				zap.Int64("budget", a.budget))
			return errors.Wrapf(ErrArenaExhausted, "arena %q: %d bytes requested with %d of %d in use",
				a.name, n, cur, a.budget)
		}
		if a.inuse.CompareAndSwap(cur, inuse) {
			break
		}
	}
	a.numAlloc.Add(1)
	for {
		hw := a.highWater.Load()
		if inuse <= hw || a.highWater.CompareAndSwap(hw, inuse) {
			break
		}
	}
	if a.metrics != nil {
		a.metrics.inuse.Add(float64(n))
		a.metrics.highWater.Set(float64(a.highWater.Load()))
		a.metrics.allocs.Inc()
	}
	return nil
}

// release returns n bytes to the arena. Releasing more than is in use panics
// and leaves the accounting unchanged.
func (a *Arena) release(n int64) {
	for {
		cur := a.inuse.Load()
		if cur < n {
			panic(errors.AssertionFailedf("arena %q: releasing %d bytes with %d in use", a.name, n, cur))
		}
		if a.inuse.CompareAndSwap(cur, cur-n) {
			break
		}
	}
	a.numFree.Add(1)
	if a.metrics != nil {
		a.metrics.inuse.Sub(float64(n))
		a.metrics.frees.Inc()
	}
}

type arenaMetrics struct {
	inuse     prometheus.Gauge
	highWater prometheus.Gauge
	allocs    prometheus.Counter
	frees     prometheus.Counter
	refused   prometheus.Counter
}

func newArenaMetrics(name string, reg prometheus.Registerer) *arenaMetrics {
	labels := prometheus.Labels{"arena": name}
	m := &arenaMetrics{
		inuse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "robinhood",
			Subsystem:   "arena",
			Name:        "inuse_bytes",
			Help:        "Bytes currently allocated from the arena.",
			ConstLabels: labels,
		}),
		highWater: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "robinhood",
			Subsystem:   "arena",
			Name:        "high_water_bytes",
			Help:        "Largest number of bytes allocated from the arena at once.",
			ConstLabels: labels,
		}),
		allocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "robinhood",
			Subsystem:   "arena",
			Name:        "allocations_total",
			Help:        "Number of allocations served by the arena.",
			ConstLabels: labels,
		}),
		frees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "robinhood",
			Subsystem:   "arena",
			Name:        "frees_total",
			Help:        "Number of allocations returned to the arena.",
			ConstLabels: labels,
		}),
		refused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "robinhood",
			Subsystem:   "arena",
			Name:        "refused_total",
			Help:        "Number of allocations refused for exceeding the arena budget.",
			ConstLabels: labels,
		}),
	}
	m.inuse = register(reg, m.inuse)
	m.highWater = register(reg, m.highWater)
	m.allocs = register(reg, m.allocs)
	m.frees = register(reg, m.frees)
	m.refused = register(reg, m.refused)
	return m
}

// register registers c with reg, returning the collector already registered
// under the same descriptor if there is one.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

const indexSize = int64(unsafe.Sizeof(Index{}))

// ArenaAllocator returns an Allocator which charges every index and slots
// array a Map allocates to a.
func ArenaAllocator[K, V any](a *Arena) Allocator[K, V] {
	var s Slot[K, V]
	return arenaAllocator[K, V]{
		arena:    a,
		slotSize: int64(unsafe.Sizeof(s)),
	}
}

type arenaAllocator[K, V any] struct {
	arena    *Arena
	slotSize int64
}

func (aa arenaAllocator[K, V]) AllocIndex(n int) ([]Index, error) {
	if err := aa.arena.reserve(int64(n) * indexSize); err != nil {
		return nil, err
	}
	return make([]Index, n), nil
}

func (aa arenaAllocator[K, V]) AllocSlots(n int) ([]Slot[K, V], error) {
	if err := aa.arena.reserve(int64(n) * aa.slotSize); err != nil {
		return nil, err
	}
	return make([]Slot[K, V], n), nil
}

func (aa arenaAllocator[K, V]) FreeIndex(v []Index) {
	aa.arena.release(int64(len(v)) * indexSize)
}

func (aa arenaAllocator[K, V]) FreeSlots(v []Slot[K, V]) {
	aa.arena.release(int64(len(v)) * aa.slotSize)
}
