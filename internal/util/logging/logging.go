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

// Package logging provides a thin, consistent wrapper around zap for the
// engine's packages, mirroring the naming conventions the handler package
// uses for its per-component loggers.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// WithName returns a child logger of l tagged with name (zap joins nested
// names with "."). A nil l is replaced by NewLogger().
func WithName(l *zap.Logger, name string) *zap.Logger {
	if l == nil {
		l = NewLogger()
	}

	return l.Named(name)
}

// NewLogger returns the default logger for the engine: console-encoded,
// level driven by the DEBUG environment variable (spec §6: "Optional
// DEBUG=1 environment signal enables per-stage delta tracing").
func NewLogger() *zap.Logger {
	level := zapcore.InfoLevel
	if os.Getenv("DEBUG") == "1" {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = ""
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(os.Stderr), level)

	return zap.New(core)
}

// DebugEnabled reports whether DEBUG=1 tracing is requested (spec §6).
func DebugEnabled() bool {
	return os.Getenv("DEBUG") == "1"
}
