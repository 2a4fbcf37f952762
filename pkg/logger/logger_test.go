// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestUnstructuredLogsCheck tests the unstructuredLogs function
func TestUnstructuredLogsCheck(t *testing.T) { //nolint:paralleltest // mutates env
	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"Default Case", "", true},
		{"Explicitly True", "true", true},
		{"Explicitly False", "false", false},
		{"Invalid Value", "not-a-bool", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("UNSTRUCTURED_LOGS", tt.envValue)
			assert.Equal(t, tt.expected, unstructuredLogs())
		})
	}
}

// setObservedLogger replaces the singleton with an in-memory core and restores
// the original when the test completes.
func setObservedLogger(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := singleton.Load()
	singleton.Store(zap.New(core).Sugar())
	t.Cleanup(func() { singleton.Store(prev) })
	return logs
}

// TestLogLevels tests that each log function writes through the singleton.
func TestLogLevels(t *testing.T) { //nolint:paralleltest // mutates singleton
	tests := []struct {
		name     string
		logFn    func()
		message  string
		level    zapcore.Level
	}{
		{"Debug", func() { Debug("debug msg") }, "debug msg", zapcore.DebugLevel},
		{"Debugf", func() { Debugf("debug %s", "formatted") }, "debug formatted", zapcore.DebugLevel},
		{"Debugw", func() { Debugw("debug kv", "key", "val") }, "debug kv", zapcore.DebugLevel},
		{"Info", func() { Info("info msg") }, "info msg", zapcore.InfoLevel},
		{"Infof", func() { Infof("info %s", "formatted") }, "info formatted", zapcore.InfoLevel},
		{"Infow", func() { Infow("info kv", "key", "val") }, "info kv", zapcore.InfoLevel},
		{"Warn", func() { Warn("warn msg") }, "warn msg", zapcore.WarnLevel},
		{"Warnf", func() { Warnf("warn %s", "formatted") }, "warn formatted", zapcore.WarnLevel},
		{"Warnw", func() { Warnw("warn kv", "key", "val") }, "warn kv", zapcore.WarnLevel},
		{"Error", func() { Error("error msg") }, "error msg", zapcore.ErrorLevel},
		{"Errorf", func() { Errorf("error %s", "formatted") }, "error formatted", zapcore.ErrorLevel},
		{"Errorw", func() { Errorw("error kv", "key", "val") }, "error kv", zapcore.ErrorLevel},
		{"DPanic", func() { DPanic("dpanic msg") }, "dpanic msg", zapcore.DPanicLevel},
		{"DPanicf", func() { DPanicf("dpanic %s", "formatted") }, "dpanic formatted", zapcore.DPanicLevel},
		{"DPanicw", func() { DPanicw("dpanic kv", "key", "val") }, "dpanic kv", zapcore.DPanicLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := setObservedLogger(t)

			tt.logFn()

			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.message, entries[0].Message)
			assert.Equal(t, tt.level, entries[0].Level)
		})
	}
}

// TestLogWithKeyValues verifies structured key-value pairs reach the core.
func TestLogWithKeyValues(t *testing.T) { //nolint:paralleltest // mutates singleton
	logs := setObservedLogger(t)

	Infow("token issued", "client_id", "test-client", "scopes", "openid")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "test-client", fields["client_id"])
	assert.Equal(t, "openid", fields["scopes"])
}

// TestGetSet verifies the singleton accessor pair round-trips.
func TestGetSet(t *testing.T) { //nolint:paralleltest // mutates singleton
	prev := Get()
	t.Cleanup(func() { Set(prev) })

	core, _ := observer.New(zapcore.InfoLevel)
	replacement := zap.New(core).Sugar()
	Set(replacement)

	assert.Same(t, replacement, Get())
}
