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

import "go.uber.org/zap"

// option provide an interface to do work on Map while it is being created.
type option[K, V any] interface {
	apply(m *Map[K, V])
}

type allocatorOption[K, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option to specify the Allocator a Map[K,V] draws its
// storage from. The allocator must outlive the map.
func WithAllocator[K, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}

type loggerOption[K, V any] struct {
	logger *zap.Logger
}

func (op loggerOption[K, V]) apply(m *Map[K, V]) {
	if op.logger != nil {
		m.logger = op.logger
	}
}

// WithLogger is an option to specify the logger used to report resizes and
// failed growth. By default nothing is logged.
func WithLogger[K, V any](logger *zap.Logger) option[K, V] {
	return loggerOption[K, V]{logger}
}

type destructorOption[K, V any] struct {
	destroy func(key *K, value *V)
}

func (op destructorOption[K, V]) apply(m *Map[K, V]) {
	m.destroy = op.destroy
}

// WithDestructor is an option to specify a function invoked on every entry
// that leaves the map through Remove, Clear or Close. It is not invoked when
// Set overwrites a value. The destructor must not modify the map.
func WithDestructor[K, V any](destroy func(key *K, value *V)) option[K, V] {
	return destructorOption[K, V]{destroy}
}
