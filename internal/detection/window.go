// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package detection

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	windowBuckets = 30
	stateShards   = 32
)

// slidingSum is a bucketed rolling sum keyed by sample time. Buckets are
// aligned to absolute time, so the result depends only on the timestamps
// fed in. Not safe for concurrent use; callers hold the user's shard lock.
//
// Complexity:
//   - Add: O(1)
//   - Sum: O(k) where k = windowBuckets
type slidingSum struct {
	bucketNanos int64
	sums        [windowBuckets]int64
	ids         [windowBuckets]int64
	valid       [windowBuckets]bool
}

func newSlidingSum(window time.Duration) *slidingSum {
	bucket := int64(window) / windowBuckets
	if bucket <= 0 {
		bucket = 1
	}
	return &slidingSum{bucketNanos: bucket}
}

func (s *slidingSum) bucketID(ts time.Time) int64 {
	return ts.UnixNano() / s.bucketNanos
}

func slot(id int64) int {
	i := int(id % windowBuckets)
	if i < 0 {
		i += windowBuckets
	}
	return i
}

// Add records delta at ts. Samples older than every live bucket are ignored.
func (s *slidingSum) Add(ts time.Time, delta int64) {
	id := s.bucketID(ts)
	i := slot(id)
	switch {
	case !s.valid[i] || s.ids[i] < id:
		s.ids[i] = id
		s.sums[i] = delta
		s.valid[i] = true
	case s.ids[i] == id:
		s.sums[i] += delta
	}
}

// Sum returns the total of buckets within the window ending at ts.
func (s *slidingSum) Sum(ts time.Time) int64 {
	id := s.bucketID(ts)
	var total int64
	for i := range s.sums {
		if s.valid[i] && s.ids[i] <= id && s.ids[i] > id-windowBuckets {
			total += s.sums[i]
		}
	}
	return total
}

// userStates spreads per-user detector state over FNV-sharded maps so that
// users in different shards never contend.
type userStates[T any] struct {
	shards  [stateShards]stateShard[T]
	newFunc func() *T
}

type stateShard[T any] struct {
	mu sync.Mutex
	m  map[string]*stateEntry[T]
}

type stateEntry[T any] struct {
	value    *T
	lastSeen time.Time
}

func newUserStates[T any](newFunc func() *T) *userStates[T] {
	u := &userStates[T]{newFunc: newFunc}
	for i := range u.shards {
		u.shards[i].m = make(map[string]*stateEntry[T])
	}
	return u
}

func (u *userStates[T]) shard(username string) *stateShard[T] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(username))
	return &u.shards[h.Sum32()%stateShards]
}

// with runs fn on the user's state under the shard lock.
func (u *userStates[T]) with(username string, ts time.Time, fn func(*T)) {
	s := u.shard(username)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.m[username]
	if e == nil {
		e = &stateEntry[T]{value: u.newFunc()}
		s.m[username] = e
	}
	if ts.After(e.lastSeen) {
		e.lastSeen = ts
	}
	fn(e.value)
}

// prune drops users whose last sample is older than cutoff.
func (u *userStates[T]) prune(cutoff time.Time) int {
	removed := 0
	for i := range u.shards {
		s := &u.shards[i]
		s.mu.Lock()
		for name, e := range s.m {
			if e.lastSeen.Before(cutoff) {
				delete(s.m, name)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (u *userStates[T]) len() int {
	n := 0
	for i := range u.shards {
		s := &u.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}
