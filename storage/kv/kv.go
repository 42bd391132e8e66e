// Copyright 2014-2015 The Coname Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

// Package kv defines the key-value storage interface the credential and
// keycard stores are built on. The core stays agnostic of the backing
// store so a backend swap never touches chain or credential logic. All
// operations are synchronous, atomic, and safe for concurrent use.
package kv

// DB is an abstract ordered key-value store. After Put(k, v) returns, and as
// long as no other Put(k, ?) has happened, Get(k) must return v regardless
// of process restarts.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	NewIterator(*Range) Iterator
	Close() error

	// ErrNotFound returns the backend's missing-key sentinel so callers can
	// distinguish absence from failure without importing the backend.
	ErrNotFound() error
}

// Iterator is an abstract pointer to a DB entry. It must be valid to call
// Error() after Release(). The boolean returns report whether the requested
// entry exists.
type Iterator interface {
	Key() []byte
	Value() []byte
	First() bool
	Next() bool
	Last() bool
	Release()
	Error() error
}

// Range is a half-open key range [Start, Limit). A nil Limit means no upper
// bound.
type Range struct {
	Start []byte
	Limit []byte
}

// IncrementKey returns the lexicographically first key greater than every
// key carrying the given prefix, or nil if no such key exists.
func IncrementKey(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		c := prefix[i]
		if c < 0xff {
			limit := make([]byte, i+1)
			copy(limit, prefix)
			limit[i] = c + 1
			return limit
		}
	}
	return nil
}

// BytesPrefix returns the Range covering exactly the keys with the given
// prefix.
func BytesPrefix(prefix []byte) *Range {
	return &Range{prefix, IncrementKey(prefix)}
}
