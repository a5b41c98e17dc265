// Copyright 2021 FerretDB Inc.
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

package ivm

import (
	"github.com/AlekSi/pointer"
	"go.uber.org/zap"

	"github.com/viewstream/ivm/internal/util/logging"
)

// Config configures an [Engine]. Every field is optional; a nil field takes
// the documented default, mirroring the teacher's pointer.To*/Get* convention
// for distinguishing "not set" from the zero value.
type Config struct {
	// Logger receives structured engine events. Defaults to
	// logging.NewLogger()'s DEBUG-env-aware logger.
	Logger *zap.Logger

	// Metrics, if non-nil, is updated as the engine runs. The caller owns
	// registering it with a prometheus.Registerer.
	Metrics *Metrics

	// EnableOptimizer turns on the three pipeline rewrites in optimizer.go
	// (projection pruning, predicate pushdown, $sort+$limit fusion).
	// Defaults to true.
	EnableOptimizer *bool

	// TraceDeltas additionally logs every delta at each stage boundary at
	// debug level, gated independently of Logger's own level so it can be
	// left set in production without flooding logs unless DEBUG=1 is also
	// set (logging.DebugEnabled). Defaults to logging.DebugEnabled().
	TraceDeltas *bool
}

func (c Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}

	return logging.NewLogger()
}

func (c Config) enableOptimizer() bool {
	if c.EnableOptimizer == nil {
		return true
	}

	return pointer.GetBool(c.EnableOptimizer)
}

func (c Config) traceDeltas() bool {
	if c.TraceDeltas != nil {
		return *c.TraceDeltas
	}

	return logging.DebugEnabled()
}
