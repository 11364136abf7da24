// Copyright 2025 Poiesic Systems
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

// Package storage provides the persistence contract for forumstore.
//
// This package defines repository interfaces that decouple storage implementation
// from the cache and from producers/consumers. Two backends implement it:
//
//   - sqlite: the durable, normalized relational engine (threads, comments,
//     contents, images)
//   - badger: a key-value stand-in with an in-memory mode, used for tests and
//     offline runs
//
// # Architecture
//
// The contract follows the Repository pattern:
//
//   - ThreadRepository: upserts and reads of root threads
//   - CommentRepository: comment saves and reply-tree reads
//   - Store: both repositories plus retention cleanup and Close
//
// # Usage
//
//	store, err := sqlite.Open("/path/to/forum.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
// Use in tests with in-memory storage:
//
//	store, err := sqlite.OpenMemory()
//
// # Errors
//
// Implementations log failures and return them. A missing thread is reported
// as ErrNotFound, never as a nil value with a nil error, so callers can tell
// "absent" from "the store failed". List reads return an empty slice when
// nothing matches.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use, although the cache funnels
// every write through a single goroutine.
package storage
