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

package certcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitmcore/proxy/internal/mitmca"
)

func testCA(t *testing.T) *mitmca.CA {
	t.Helper()
	ca, err := mitmca.Generate("mitmcore test", 24*time.Hour)
	require.NoError(t, err)
	return ca
}

func TestLeafForMintsOnMissAndCachesOnHit(t *testing.T) {
	c, err := New(testCA(t), Options{})
	require.NoError(t, err)

	rec1, err := c.LeafFor("api.example.com")
	require.NoError(t, err)
	require.NotEmpty(t, rec1.Leaf.Certificate)
	assert.Contains(t, rec1.SANs, "api.example.com")

	rec2, err := c.LeafFor("api.example.com")
	require.NoError(t, err)
	assert.Equal(t, rec1.NotAfter, rec2.NotAfter)
}

func TestLeafForWildcardAddsBareSAN(t *testing.T) {
	c, err := New(testCA(t), Options{})
	require.NoError(t, err)

	rec, err := c.LeafFor("*.example.com")
	require.NoError(t, err)
	assert.Contains(t, rec.SANs, "*.example.com")
	assert.Contains(t, rec.SANs, "example.com")
}

func TestLeafForFailsWithoutCA(t *testing.T) {
	c, err := New(nil, Options{})
	require.NoError(t, err)

	_, err = c.LeafFor("api.example.com")
	require.Error(t, err)
}

func TestEvictIfNeededBatchEvictsOldestHalf(t *testing.T) {
	c, err := New(testCA(t), Options{MaxSize: 4})
	require.NoError(t, err)

	hosts := []string{"a.com", "b.com", "c.com", "d.com", "e.com"}
	for _, h := range hosts {
		_, err := c.LeafFor(h)
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, c.Len(), 4)
	assert.Less(t, c.Len(), len(hosts))
}

func TestLeafForConcurrentStampedeMintsOnce(t *testing.T) {
	c, err := New(testCA(t), Options{})
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	serials := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := c.LeafFor("stampede.example.com")
			require.NoError(t, err)
			serials[i] = fmt.Sprintf("%x", rec.Leaf.Certificate[0])
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, serials[0], serials[i])
	}
}

func TestLeafForSuppressesRetryAfterMarkedFailure(t *testing.T) {
	c, err := New(testCA(t), Options{NegativeTTL: 50 * time.Millisecond})
	require.NoError(t, err)

	c.neg.Mark("broken.example.com", "mint")

	_, err = c.LeafFor("broken.example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recently failed to mint")

	time.Sleep(60 * time.Millisecond)
	_, err = c.LeafFor("broken.example.com")
	require.NoError(t, err)
}

func TestNormalizeKeyStripsPortAndCase(t *testing.T) {
	assert.Equal(t, "api.example.com", normalizeKey("API.Example.COM:443"))
}

func TestWildcardCoversOneLevel(t *testing.T) {
	assert.True(t, wildcardCovers("*.example.com", "api.example.com"))
	assert.True(t, wildcardCovers("*.example.com", "example.com"))
	assert.False(t, wildcardCovers("*.example.com", "a.b.example.com"))
	assert.False(t, wildcardCovers("example.com", "api.example.com"))
}
