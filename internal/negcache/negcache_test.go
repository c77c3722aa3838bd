// Copyright 2026 The mitmcore Authors.
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

package negcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecentFalseBeforeAnyMark(t *testing.T) {
	c := New(time.Minute)
	assert.False(t, c.Recent("example.com", "dial"))
}

func TestRecentTrueWithinTTL(t *testing.T) {
	c := New(time.Minute)
	c.Mark("example.com", "dial")
	assert.True(t, c.Recent("example.com", "dial"))
}

func TestRecentFalseAfterTTLExpires(t *testing.T) {
	c := New(time.Minute)
	clock := time.Now()
	c.now = func() time.Time { return clock }

	c.Mark("example.com", "dial")
	clock = clock.Add(2 * time.Minute)
	assert.False(t, c.Recent("example.com", "dial"))
}

func TestRecentIsolatesByKind(t *testing.T) {
	c := New(time.Minute)
	c.Mark("example.com", "dial")
	assert.False(t, c.Recent("example.com", "mint"))
}

func TestClearRemovesAllEntries(t *testing.T) {
	c := New(time.Minute)
	c.Mark("example.com", "dial")
	c.Clear()
	assert.False(t, c.Recent("example.com", "dial"))
}
