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

package mitmcore

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logMu  sync.RWMutex
	logger *zap.Logger = zap.NewNop()
)

// SetLogger installs the zap logger used by every component in this
// module. The embedder owns construction (encoder, sinks, level) since
// the logger implementation itself is an external collaborator; this
// module only ever asks for named sub-loggers via Log.
func SetLogger(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}

// Log returns a logger named for the given component, e.g. "certcache",
// "pool", "pipeline" -- a named sub-logger off one root logger, rather
// than passing loggers around by value everywhere.
func Log(component string) *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	if component == "" {
		return logger
	}
	return logger.Named(component)
}
