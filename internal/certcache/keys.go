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

import "strings"

// normalizeKey lowercases sni, trims surrounding space, and strips any
// port. It does not collapse wildcard forms: "api.x.com" and "*.x.com"
// get separate cache keys, and so separate leaves, even though one
// covers the other.
func normalizeKey(sni string) string {
	sni = strings.ToLower(strings.TrimSpace(sni))
	if host, _, ok := strings.Cut(sni, ":"); ok && !strings.Contains(sni, "]") {
		sni = host
	}
	return sni
}

// bareForm strips a leading "*." from a wildcard host, returning ("", false)
// if host is not a wildcard.
func bareForm(host string) (string, bool) {
	if strings.HasPrefix(host, "*.") {
		return host[2:], true
	}
	return "", false
}

// wildcardCovers reports whether wildcard (e.g. "*.x.com") covers host
// (e.g. "api.x.com").
func wildcardCovers(wildcard, host string) bool {
	bare, ok := bareForm(wildcard)
	if !ok {
		return false
	}
	if host == bare {
		return true
	}
	return strings.HasSuffix(host, "."+bare) && !strings.Contains(strings.TrimSuffix(host, "."+bare), ".")
}

// cacheKeyFor returns the canonical cache key for a requested SNI: the
// wildcard form if one was requested, else the bare host.
func cacheKeyFor(sni string) string {
	return normalizeKey(sni)
}
