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
	"bytes"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/constraints"
)

// The Map relies entirely on the caller's hash function. Its low bits select
// the ideal slot, so a hash whose low bits are poorly distributed produces
// long probe runs. The helpers below fold a well-mixed 64-bit hash down to 32
// bits.

// StringHash is a HashFunc for string keys.
func StringHash(key *string) uint32 {
	return fold(xxhash.Sum64String(*key))
}

// BytesHash is a HashFunc for []byte keys.
func BytesHash(key *[]byte) uint32 {
	return fold(xxhash.Sum64(*key))
}

// BytesEqual is an EqualFunc for []byte keys.
func BytesEqual(a, b *[]byte) bool {
	return bytes.Equal(*a, *b)
}

// IntegerHash is a HashFunc for integer keys.
func IntegerHash[T constraints.Integer](key *T) uint32 {
	return fold(mix64(uint64(*key)))
}

// Equal is an EqualFunc for comparable keys.
func Equal[K comparable](a, b *K) bool {
	return *a == *b
}

// mix64 is the MurmurHash3 64-bit finalizer.
func mix64(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

func fold(h uint64) uint32 {
	return uint32(h) ^ uint32(h>>32)
}
