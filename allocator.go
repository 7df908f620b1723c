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

// Allocator specifies an interface for allocating and releasing memory used
// by a Map. The default allocator utilizes Go's builtin make() and allows the
// GC to reclaim memory. Every slice a Map obtains from its allocator is
// handed back to it, either when the map grows or when Map.Close is called.
//
// If the allocator is accounting for memory then Map.Close must be called in
// order to ensure FreeIndex and FreeSlots are called for the final arrays.
type Allocator[K, V any] interface {
	// AllocIndex should return a slice equivalent to make([]Index, n), or an
	// error if the memory is not available.
	AllocIndex(n int) ([]Index, error)

	// AllocSlots should return a slice equivalent to make([]Slot[K,V], n), or
	// an error if the memory is not available.
	AllocSlots(n int) ([]Slot[K, V], error)

	// FreeIndex releases a slice that is guaranteed to have been allocated by
	// AllocIndex.
	FreeIndex(v []Index)

	// FreeSlots releases a slice that is guaranteed to have been allocated by
	// AllocSlots.
	FreeSlots(v []Slot[K, V])
}

type defaultAllocator[K, V any] struct{}

func (defaultAllocator[K, V]) AllocIndex(n int) ([]Index, error) {
	return make([]Index, n), nil
}

func (defaultAllocator[K, V]) AllocSlots(n int) ([]Slot[K, V], error) {
	return make([]Slot[K, V], n), nil
}

func (defaultAllocator[K, V]) FreeIndex(v []Index) {
}

func (defaultAllocator[K, V]) FreeSlots(v []Slot[K, V]) {
}
